package chunk

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitterEmptyInput(t *testing.T) {
	splitter, err := NewSplitter()
	require.NoError(t, err)

	tests := []struct {
		name string
		text string
	}{
		{name: "空文字列", text: ""},
		{name: "空白のみ", text: "   \n\t  "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := splitter.Split(tt.text)
			assert.ErrorIs(t, err, ErrEmptyInput)
		})
	}
}

func TestSplitterSingleChunk(t *testing.T) {
	splitter, err := NewSplitter()
	require.NoError(t, err)

	// チャンクサイズ以下のテキストは1チャンクに退化する
	text := "The sky is blue. Grass is green."
	chunks, err := splitter.Split(text)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, text, chunks[0])
}

func TestSplitterDeterministic(t *testing.T) {
	splitter, err := NewSplitter(WithChunkSize(30), WithChunkOverlap(5))
	require.NoError(t, err)

	text := strings.Repeat("This is a sentence about the weather today. ", 20)

	first, err := splitter.Split(text)
	require.NoError(t, err)
	second, err := splitter.Split(text)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSplitterPreservesAllText(t *testing.T) {
	splitter, err := NewSplitter(WithChunkSize(25), WithChunkOverlap(5))
	require.NoError(t, err)

	sentences := []string{
		"Alpha is the first letter.",
		"Beta follows alpha closely.",
		"Gamma rays are energetic.",
		"Delta marks a difference.",
		"Epsilon is small by convention.",
		"Zeta is rarely used in math.",
	}
	text := strings.Join(sentences, " ")

	chunks, err := splitter.Split(text)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)

	// 各文はどこかのチャンクに必ず現れる（オーバーラップによる重複は許容）
	joined := strings.Join(chunks, " ")
	for _, sent := range sentences {
		assert.Contains(t, joined, sent)
	}
}

func TestSplitterRespectsChunkSize(t *testing.T) {
	splitter, err := NewSplitter(WithChunkSize(40), WithChunkOverlap(8))
	require.NoError(t, err)

	text := strings.Repeat("Short sentence here. ", 50)
	chunks, err := splitter.Split(text)
	require.NoError(t, err)

	for _, c := range chunks {
		tokens := len(splitter.encoder.Encode(c, nil, nil))
		// 文境界の結合スペース分の揺れを考慮しても上限は超えない
		assert.LessOrEqual(t, tokens, splitter.ChunkSize()+1, "chunk exceeds size: %q", c)
	}
}

func TestSplitterHardSplitsOversizedSentence(t *testing.T) {
	splitter, err := NewSplitter(WithChunkSize(20), WithChunkOverlap(4))
	require.NoError(t, err)

	// 終端記号なしの1文がチャンクサイズを大きく超えるケース
	text := strings.Repeat("word ", 200)
	chunks, err := splitter.Split(text)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)

	for _, c := range chunks {
		tokens := len(splitter.encoder.Encode(c, nil, nil))
		assert.LessOrEqual(t, tokens, splitter.ChunkSize())
	}

	// ハード分割でも元テキストの語はすべて保持される
	joined := strings.Join(chunks, "")
	assert.GreaterOrEqual(t, strings.Count(joined, "word"), 200)
}

func TestSplitterOverlapCarriesTrailingSentence(t *testing.T) {
	splitter, err := NewSplitter(WithChunkSize(20), WithChunkOverlap(10))
	require.NoError(t, err)

	text := "First sentence one. Second sentence two. Third sentence three. Fourth sentence four. Fifth sentence five."
	chunks, err := splitter.Split(text)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)

	// 連続するチャンクは末尾の文を共有する
	overlapFound := false
	for i := 1; i < len(chunks); i++ {
		prevSentences := strings.Split(chunks[i-1], ". ")
		last := prevSentences[len(prevSentences)-1]
		if strings.Contains(chunks[i], strings.TrimSuffix(last, ".")) {
			overlapFound = true
		}
	}
	assert.True(t, overlapFound, "expected at least one overlapping sentence between chunks: %v", chunks)
}

func TestNewSplitterValidation(t *testing.T) {
	_, err := NewSplitter(WithChunkSize(0))
	assert.Error(t, err)

	_, err = NewSplitter(WithChunkSize(10), WithChunkOverlap(10))
	assert.Error(t, err)

	_, err = NewSplitter(WithChunkSize(10), WithChunkOverlap(-1))
	assert.Error(t, err)
}
