package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/jinford/qnachat/internal/core/ingestion"
)

// txDB はトランザクションを開始できるクエリ実行インターフェース。
// pgxpool.Pool と pgx.Tx の両方が満たす
type txDB interface {
	DBTX
	Begin(ctx context.Context) (pgx.Tx, error)
}

// VectorIndex は ingestion.VectorIndex を実装する pgvector ベースのインデックス。
// 1ビルド＝1世代で、index_id列によって他セッションの世代と分離される
type VectorIndex struct {
	db        txDB
	indexID   uuid.UUID
	dimension int
}

// コンパイル時の型チェック
var _ ingestion.VectorIndex = (*VectorIndex)(nil)

// Upsert はチャンクとベクトルの組を1トランザクションで投入する
func (idx *VectorIndex) Upsert(ctx context.Context, chunks []ingestion.IndexedChunk) error {
	tx, err := idx.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, c := range chunks {
		if len(c.Vector) != idx.dimension {
			return fmt.Errorf("vector dimension mismatch: expected %d, got %d", idx.dimension, len(c.Vector))
		}

		_, err := tx.Exec(ctx,
			`INSERT INTO index_chunks
				(id, index_id, document_id, filename, owner, ordinal, total_chunks, content, embedding)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (id) DO UPDATE
			 SET content = EXCLUDED.content, embedding = EXCLUDED.embedding`,
			c.ID, idx.indexID, c.DocumentID, c.Filename, c.Owner,
			c.Ordinal, c.TotalChunks, c.Text, pgvector.NewVector(c.Vector))
		if err != nil {
			return fmt.Errorf("failed to insert chunk: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Search はコサイン類似度の降順でチャンクを返す。同点はチャンク連番の昇順
func (idx *VectorIndex) Search(ctx context.Context, vector []float32, k int) ([]ingestion.ScoredChunk, error) {
	if len(vector) != idx.dimension {
		return nil, fmt.Errorf("query vector dimension mismatch: expected %d, got %d", idx.dimension, len(vector))
	}
	if k <= 0 {
		k = 1
	}

	rows, err := idx.db.Query(ctx,
		`SELECT id, document_id, filename, owner, ordinal, total_chunks, content,
			1 - (embedding <=> $2) AS score
		 FROM index_chunks
		 WHERE index_id = $1
		 ORDER BY embedding <=> $2 ASC, ordinal ASC
		 LIMIT $3`,
		idx.indexID, pgvector.NewVector(vector), k)
	if err != nil {
		return nil, fmt.Errorf("failed to search chunks: %w", err)
	}
	defer rows.Close()

	var results []ingestion.ScoredChunk
	for rows.Next() {
		var sc ingestion.ScoredChunk
		err := rows.Scan(&sc.Chunk.ID, &sc.Chunk.DocumentID, &sc.Chunk.Filename,
			&sc.Chunk.Owner, &sc.Chunk.Ordinal, &sc.Chunk.TotalChunks, &sc.Chunk.Text, &sc.Score)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		results = append(results, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to search chunks: %w", err)
	}
	return results, nil
}

// IndexID はこの世代の識別子を返す
func (idx *VectorIndex) IndexID() uuid.UUID {
	return idx.indexID
}

// Drop はこの世代のチャンクをすべて削除する
func (idx *VectorIndex) Drop(ctx context.Context) error {
	_, err := idx.db.Exec(ctx, `DELETE FROM index_chunks WHERE index_id = $1`, idx.indexID)
	if err != nil {
		return fmt.Errorf("failed to drop index: %w", err)
	}
	return nil
}

// IndexFactory は ingestion.IndexFactory を実装する
type IndexFactory struct {
	db txDB
}

// NewIndexFactory は新しい IndexFactory を作成する
func NewIndexFactory(db txDB) *IndexFactory {
	return &IndexFactory{db: db}
}

// コンパイル時の型チェック
var _ ingestion.IndexFactory = (*IndexFactory)(nil)

// NewIndex は新しい世代の空インデックスを生成する
func (f *IndexFactory) NewIndex(ctx context.Context, dimension int) (ingestion.VectorIndex, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("invalid dimension: %d", dimension)
	}
	return &VectorIndex{
		db:        f.db,
		indexID:   uuid.New(),
		dimension: dimension,
	}, nil
}

// DeleteStale は指定期間より古い世代のチャンクを削除して件数を返す。
// セッション破棄後に残った世代の後始末に使う
func (f *IndexFactory) DeleteStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	tag, err := f.db.Exec(ctx, `DELETE FROM index_chunks WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale chunks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
