package query

import (
	"fmt"
	"strings"

	"github.com/jinford/qnachat/internal/core/ingestion"
)

// BuildPrompt は取得済みチャンクで根拠づけた質問応答プロンプトを構築する。
// チャンクは関連度順にそのまま並べる
func BuildPrompt(message string, results []ingestion.ScoredChunk) string {
	var sb strings.Builder

	sb.WriteString("あなたはユーザーがアップロードしたドキュメントに関する質問に答えるアシスタントです。\n")
	sb.WriteString("以下のコンテキスト情報のみを根拠として、正確かつ簡潔に回答してください。\n\n")

	sb.WriteString("## 回答のガイドライン\n")
	sb.WriteString("- コンテキストに含まれる情報のみを使用して回答してください\n")
	sb.WriteString("- 根拠となるドキュメント名を可能な限り示してください\n")
	sb.WriteString("- コンテキストから答えられない場合は、推測せずにその旨を述べてください\n\n")

	sb.WriteString("## コンテキスト\n")
	if len(results) > 0 {
		for i, r := range results {
			sb.WriteString(fmt.Sprintf("### [断片 %d] %s (チャンク %d/%d, 関連度 %.3f)\n",
				i+1,
				r.Chunk.Filename,
				r.Chunk.Ordinal+1,
				r.Chunk.TotalChunks,
				r.Score,
			))
			sb.WriteString(r.Chunk.Text)
			sb.WriteString("\n\n")
		}
	} else {
		sb.WriteString("(該当するドキュメント断片はありません)\n\n")
	}

	sb.WriteString("## ユーザーの質問\n")
	sb.WriteString(message)
	sb.WriteString("\n\n## 回答\n")

	return sb.String()
}
