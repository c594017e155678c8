package ingestion

import (
	"time"

	"github.com/google/uuid"
)

// Document はアップロードされた1ファイル分のテキストを表す。
// 読み込み後は不変で、チャンク化が終わればインデックスにのみ派生物が残る。
type Document struct {
	ID         uuid.UUID
	Filename   string
	Owner      string
	UploadedAt time.Time
	Text       string
}

// Chunk はDocumentの連続した一部分と出所メタデータを表す
type Chunk struct {
	ID          uuid.UUID
	DocumentID  uuid.UUID
	Filename    string
	Owner       string
	Ordinal     int // ドキュメント内のチャンク連番（0始まり）
	TotalChunks int
	Text        string
}

// IndexedChunk はEmbeddingベクトル付きのChunk。作成後は不変
type IndexedChunk struct {
	Chunk
	Vector []float32
}

// ScoredChunk は類似度スコア付きの検索結果
type ScoredChunk struct {
	Chunk Chunk
	Score float64
}

// FileUpload はアップロードされた生のファイルデータ
type FileUpload struct {
	Name string
	Data []byte
}

// BuildResult はインデックス構築の結果サマリ
type BuildResult struct {
	Documents int
	Chunks    int
	Index     VectorIndex
}
