package openai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/jinford/qnachat/internal/core/ingestion"
)

const (
	// DefaultEmbeddingModel は未指定時に使う埋め込みモデル
	DefaultEmbeddingModel = "text-embedding-3-small"
	// DefaultEmbeddingDimension は未指定時のベクトル次元数
	DefaultEmbeddingDimension = 1536
	// MaxEmbeddingBatchSize は1リクエストに載せられるテキスト件数の上限
	MaxEmbeddingBatchSize = 100
)

// Embedder はOpenAIのEmbeddings APIでテキストをベクトル化する。
// ingestion.Embedder を満たし、チャンクの索引化とクエリの検索双方から使われる
type Embedder struct {
	client    openai.Client
	model     string
	dimension int
}

type embedderOptions struct {
	model     string
	dimension int
}

// EmbedderOption は Embedder のオプション設定
type EmbedderOption func(*embedderOptions)

// WithEmbeddingModel は埋め込みモデルを指定する
func WithEmbeddingModel(model string) EmbedderOption {
	return func(o *embedderOptions) {
		o.model = model
	}
}

// WithEmbeddingDimension はベクトル次元数を指定する。
// モデルが次元の切り詰めに対応している場合のみ有効
func WithEmbeddingDimension(dimension int) EmbedderOption {
	return func(o *embedderOptions) {
		o.dimension = dimension
	}
}

// NewEmbedder は新しい Embedder を作成する
func NewEmbedder(apiKey string, opts ...EmbedderOption) *Embedder {
	options := embedderOptions{
		model:     DefaultEmbeddingModel,
		dimension: DefaultEmbeddingDimension,
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &Embedder{
		client: openai.NewClient(
			option.WithAPIKey(apiKey),
		),
		model:     options.model,
		dimension: options.dimension,
	}
}

// Embed は単一テキストのベクトルを返す
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.BatchEmbed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("embedding response contained no vectors")
	}
	return vectors[0], nil
}

// BatchEmbed は複数テキストを1リクエストでまとめてベクトル化する。
// 件数は MaxEmbeddingBatchSize までで、入力と同じ順序でベクトルを返す
func (e *Embedder) BatchEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("embedding batch is empty")
	}
	if len(texts) > MaxEmbeddingBatchSize {
		return nil, fmt.Errorf("embedding batch of %d exceeds limit of %d", len(texts), MaxEmbeddingBatchSize)
	}

	params := openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(e.model),
		Input: embeddingInput(texts),
	}
	if e.dimension > 0 {
		params.Dimensions = openai.Int(int64(e.dimension))
	}

	resp, err := e.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to generate embeddings: %w", err)
	}

	vectors := make([][]float32, 0, len(resp.Data))
	for _, data := range resp.Data {
		vector := make([]float32, len(data.Embedding))
		for i, v := range data.Embedding {
			vector[i] = float32(v)
		}
		vectors = append(vectors, vector)
	}
	return vectors, nil
}

// embeddingInput は件数に応じて単一文字列か配列のユニオンを組み立てる
func embeddingInput(texts []string) openai.EmbeddingNewParamsInputUnion {
	if len(texts) == 1 {
		return openai.EmbeddingNewParamsInputUnion{
			OfString: openai.String(texts[0]),
		}
	}
	return openai.EmbeddingNewParamsInputUnion{
		OfArrayOfStrings: texts,
	}
}

// ModelName は使用中の埋め込みモデル名を返す
func (e *Embedder) ModelName() string {
	return e.model
}

// Dimension は生成されるベクトルの次元数を返す
func (e *Embedder) Dimension() int {
	return e.dimension
}

// MaxBatchSize は BatchEmbed が受け付ける最大件数を返す
func (e *Embedder) MaxBatchSize() int {
	return MaxEmbeddingBatchSize
}

var _ ingestion.Embedder = (*Embedder)(nil)
