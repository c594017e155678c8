package chunk

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

const (
	// DefaultChunkSize はチャンクあたりのデフォルトトークン数
	DefaultChunkSize = 500
	// DefaultChunkOverlap は隣接チャンク間のデフォルトオーバーラップトークン数
	DefaultChunkOverlap = 50
)

// Splitter はテキストを文境界を優先してトークン数ベースのチャンクに分割する。
// 同じ入力と設定に対して常に同じ分割結果を返す。
type Splitter struct {
	encoder    *tiktoken.Tiktoken
	chunkSize  int
	overlap    int
	sentenceRe *regexp.Regexp
}

type splitterOptions struct {
	chunkSize int
	overlap   int
}

// SplitterOption は Splitter のオプション設定
type SplitterOption func(*splitterOptions)

// WithChunkSize はチャンクサイズ（トークン数）を上書きする
func WithChunkSize(size int) SplitterOption {
	return func(o *splitterOptions) {
		o.chunkSize = size
	}
}

// WithChunkOverlap はオーバーラップ（トークン数）を上書きする
func WithChunkOverlap(overlap int) SplitterOption {
	return func(o *splitterOptions) {
		o.overlap = overlap
	}
}

// NewSplitter は新しい Splitter を作成する。
// cl100k_baseエンコーダを使用（OpenAIのtext-embedding-3-smallと互換）
func NewSplitter(opts ...SplitterOption) (*Splitter, error) {
	options := splitterOptions{
		chunkSize: DefaultChunkSize,
		overlap:   DefaultChunkOverlap,
	}
	for _, opt := range opts {
		opt(&options)
	}

	if options.chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive: %d", options.chunkSize)
	}
	if options.overlap < 0 || options.overlap >= options.chunkSize {
		return nil, fmt.Errorf("overlap must be in [0, chunk size): %d", options.overlap)
	}

	encoder, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("failed to get tiktoken encoder: %w", err)
	}

	return &Splitter{
		encoder:   encoder,
		chunkSize: options.chunkSize,
		overlap:   options.overlap,
		// 文末記号で区切る。終端記号を持たない末尾のテキストも1文として扱う
		sentenceRe: regexp.MustCompile(`(?s)[^.!?]*[.!?]+|[^.!?]+$`),
	}, nil
}

// ChunkSize は設定されたチャンクサイズ（トークン数）を返す
func (s *Splitter) ChunkSize() int {
	return s.chunkSize
}

// Overlap は設定されたオーバーラップ（トークン数）を返す
func (s *Splitter) Overlap() int {
	return s.overlap
}

// Split はテキストをチャンクに分割する。
// 文の途中では分割しない。ただし1文がチャンクサイズを超える場合のみ
// トークン境界でハード分割する。空テキストは ErrEmptyInput。
func (s *Splitter) Split(text string) ([]string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}

	// 全体がチャンクサイズ以下なら1チャンクに退化させる
	if len(s.encoder.Encode(text, nil, nil)) <= s.chunkSize {
		return []string{strings.TrimSpace(text)}, nil
	}

	sentences := s.splitSentences(text)

	var chunks []string
	var current []sentence
	currentTokens := 0
	hasNew := false // currentにオーバーラップ引き継ぎ以外の文が含まれるか

	flush := func() {
		if !hasNew {
			return
		}
		chunks = append(chunks, joinSentences(current))

		// 直前のチャンク末尾からオーバーラップ分の文を次チャンクへ引き継ぐ
		current, currentTokens = s.trailingOverlap(current)
		hasNew = false
	}

	for _, sent := range sentences {
		if sent.tokens > s.chunkSize {
			// オーバーサイズの文はそれ単独でハード分割する
			flush()
			current, currentTokens, hasNew = nil, 0, false
			chunks = append(chunks, s.hardSplit(sent.text)...)
			continue
		}

		if currentTokens+sent.tokens > s.chunkSize {
			flush()
			// 引き継ぎを含めてもまだ収まらない場合は引き継ぎを捨てる
			if currentTokens+sent.tokens > s.chunkSize {
				current, currentTokens = nil, 0
			}
		}
		current = append(current, sent)
		currentTokens += sent.tokens
		hasNew = true
	}

	flush()

	return chunks, nil
}

type sentence struct {
	text   string
	tokens int
}

func (s *Splitter) splitSentences(text string) []sentence {
	raw := s.sentenceRe.FindAllString(text, -1)
	sentences := make([]sentence, 0, len(raw))
	for _, r := range raw {
		trimmed := strings.TrimSpace(r)
		if trimmed == "" {
			continue
		}
		sentences = append(sentences, sentence{
			text:   trimmed,
			tokens: len(s.encoder.Encode(trimmed, nil, nil)),
		})
	}
	return sentences
}

// trailingOverlap はチャンク末尾からオーバーラップ予算に収まる文を後ろから集める
func (s *Splitter) trailingOverlap(sents []sentence) ([]sentence, int) {
	if s.overlap == 0 {
		return nil, 0
	}
	var carry []sentence
	total := 0
	for i := len(sents) - 1; i >= 0; i-- {
		if total+sents[i].tokens > s.overlap {
			break
		}
		carry = append([]sentence{sents[i]}, carry...)
		total += sents[i].tokens
	}
	return carry, total
}

// hardSplit は1文をトークン境界でチャンクサイズごとに分割する
func (s *Splitter) hardSplit(text string) []string {
	tokens := s.encoder.Encode(text, nil, nil)

	step := s.chunkSize - s.overlap
	var parts []string
	for start := 0; start < len(tokens); start += step {
		end := start + s.chunkSize
		if end > len(tokens) {
			end = len(tokens)
		}
		parts = append(parts, s.encoder.Decode(tokens[start:end]))
		if end == len(tokens) {
			break
		}
	}
	return parts
}

func joinSentences(sents []sentence) string {
	texts := make([]string, len(sents))
	for i, s := range sents {
		texts[i] = s.text
	}
	return strings.Join(texts, " ")
}
