package query

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jinford/qnachat/internal/core/ingestion"
)

func TestBuildPrompt(t *testing.T) {
	t.Run("チャンクを関連度順に埋め込む", func(t *testing.T) {
		prompt := BuildPrompt("納期はいつですか", []ingestion.ScoredChunk{
			{Chunk: ingestion.Chunk{Filename: "plan.txt", Ordinal: 2, TotalChunks: 5, Text: "納期は3月末です。"}, Score: 0.92},
			{Chunk: ingestion.Chunk{Filename: "memo.txt", Ordinal: 0, TotalChunks: 1, Text: "会議メモ。"}, Score: 0.41},
		})

		assert.Contains(t, prompt, "plan.txt")
		assert.Contains(t, prompt, "納期は3月末です。")
		assert.Contains(t, prompt, "チャンク 3/5")
		assert.Contains(t, prompt, "納期はいつですか")

		// 関連度の高い断片が先に現れる
		assert.Less(t, strings.Index(prompt, "plan.txt"), strings.Index(prompt, "memo.txt"))
	})

	t.Run("チャンクなしでも質問は埋め込む", func(t *testing.T) {
		prompt := BuildPrompt("こんにちは", nil)

		assert.Contains(t, prompt, "こんにちは")
		assert.Contains(t, prompt, "該当するドキュメント断片はありません")
	})
}
