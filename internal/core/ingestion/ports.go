package ingestion

import "context"

// Embedder はテキストをベクトル表現に変換するポート
type Embedder interface {
	// Embed は単一テキストのEmbeddingを生成する
	Embed(ctx context.Context, text string) ([]float32, error)

	// BatchEmbed はバッチでEmbeddingを生成する
	BatchEmbed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension はEmbeddingベクトルの次元数を返す
	Dimension() int

	// MaxBatchSize はバッチ処理の最大サイズを返す
	MaxBatchSize() int
}

// VectorIndex はチャンク＋ベクトルの投入と近傍検索を提供するポート
type VectorIndex interface {
	// Upsert はチャンクとベクトルの組を投入する
	Upsert(ctx context.Context, chunks []IndexedChunk) error

	// Search はクエリベクトルに近い順にチャンクを返す。
	// スコア降順、同点はOrdinal昇順
	Search(ctx context.Context, vector []float32, k int) ([]ScoredChunk, error)
}

// IndexFactory は空のVectorIndexを生成するポート。
// ビルドごとに新しいインデックスを作り、完成後にセッションへ公開する
type IndexFactory interface {
	NewIndex(ctx context.Context, dimension int) (VectorIndex, error)
}
