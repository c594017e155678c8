package ingestion

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/jinford/qnachat/internal/core/chunk"
)

// IndexService はアップロードされたドキュメント群を検索可能な
// ベクトルインデックスに変換するユースケースを提供する
type IndexService struct {
	loader   *Loader
	splitter *chunk.Splitter
	embedder Embedder
	factory  IndexFactory
	logger   *slog.Logger
}

type indexServiceOptions struct {
	logger *slog.Logger
}

// IndexServiceOption は IndexService のオプション設定
type IndexServiceOption func(*indexServiceOptions)

// WithIndexLogger は IndexService にロガーを設定する
func WithIndexLogger(logger *slog.Logger) IndexServiceOption {
	return func(o *indexServiceOptions) {
		o.logger = logger
	}
}

// NewIndexService は新しい IndexService を作成する
func NewIndexService(
	loader *Loader,
	splitter *chunk.Splitter,
	embedder Embedder,
	factory IndexFactory,
	opts ...IndexServiceOption,
) *IndexService {
	options := indexServiceOptions{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}

	return &IndexService{
		loader:   loader,
		splitter: splitter,
		embedder: embedder,
		factory:  factory,
		logger:   options.logger,
	}
}

// Build はアップロード群から新しいインデックスを構築する。
// すべてのチャンクが投入されて初めて結果を返す（all-or-nothing）。
// 途中で失敗した場合は何も公開されず、呼び出し側の既存インデックスは無傷のまま
func (s *IndexService) Build(ctx context.Context, owner string, uploads []FileUpload) (*BuildResult, error) {
	documents, err := s.loader.Load(owner, uploads)
	if err != nil {
		return nil, err
	}

	chunks, err := s.chunkDocuments(documents)
	if err != nil {
		return nil, err
	}

	s.logger.Info("chunked documents",
		"owner", owner,
		"documents", len(documents),
		"chunks", len(chunks),
	)

	indexed, err := s.embedChunks(ctx, chunks)
	if err != nil {
		return nil, err
	}

	index, err := s.factory.NewIndex(ctx, s.embedder.Dimension())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIngest, err)
	}

	if err := index.Upsert(ctx, indexed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIngest, err)
	}

	s.logger.Info("index build completed",
		"owner", owner,
		"documents", len(documents),
		"chunks", len(indexed),
	)

	return &BuildResult{
		Documents: len(documents),
		Chunks:    len(chunks),
		Index:     index,
	}, nil
}

// chunkDocuments は各ドキュメントをチャンク化して連番と出所メタデータを付与する
func (s *IndexService) chunkDocuments(documents []*Document) ([]Chunk, error) {
	var chunks []Chunk
	for _, doc := range documents {
		parts, err := s.splitter.Split(doc.Text)
		if err != nil {
			return nil, fmt.Errorf("failed to split document %s: %w", doc.Filename, err)
		}

		for i, text := range parts {
			chunks = append(chunks, Chunk{
				ID:          uuid.New(),
				DocumentID:  doc.ID,
				Filename:    doc.Filename,
				Owner:       doc.Owner,
				Ordinal:     i,
				TotalChunks: len(parts),
				Text:        text,
			})
		}
	}

	if len(chunks) == 0 {
		return nil, ErrNoDocuments
	}

	return chunks, nil
}

// embedChunks は全チャンクのEmbeddingをバッチで生成する。
// どのチャンクも必ず1つのベクトルを受け取る。1件でも失敗すれば全体を中断する
func (s *IndexService) embedChunks(ctx context.Context, chunks []Chunk) ([]IndexedChunk, error) {
	batchSize := s.embedder.MaxBatchSize()
	if batchSize <= 0 {
		batchSize = 1
	}

	indexed := make([]IndexedChunk, 0, len(chunks))
	for start := 0; start < len(chunks); start += batchSize {
		end := start + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}

		batch := chunks[start:end]
		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}

		vectors, err := s.embedder.BatchEmbed(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEmbedding, err)
		}
		if len(vectors) != len(batch) {
			return nil, fmt.Errorf("%w: expected %d vectors, got %d", ErrEmbedding, len(batch), len(vectors))
		}

		for i, c := range batch {
			indexed = append(indexed, IndexedChunk{Chunk: c, Vector: vectors[i]})
		}
	}

	return indexed, nil
}
