package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/jinford/qnachat/internal/core/ingestion"
)

// Index はコサイン類似度による総当たり検索のインメモリベクトルインデックス。
// セッション専有のインデックスとして使い、ビルドごとに新しいインスタンスを作る
type Index struct {
	mu        sync.RWMutex
	dimension int
	chunks    []ingestion.Chunk
	vectors   [][]float32
}

// NewIndex は指定次元の空インデックスを作成する
func NewIndex(dimension int) (*Index, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("invalid dimension: %d", dimension)
	}
	return &Index{dimension: dimension}, nil
}

// Upsert はチャンクとベクトルの組を投入する
func (idx *Index) Upsert(ctx context.Context, chunks []ingestion.IndexedChunk) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for _, c := range chunks {
		if len(c.Vector) != idx.dimension {
			return fmt.Errorf("vector dimension mismatch: expected %d, got %d", idx.dimension, len(c.Vector))
		}
	}
	for _, c := range chunks {
		idx.chunks = append(idx.chunks, c.Chunk)
		idx.vectors = append(idx.vectors, c.Vector)
	}
	return nil
}

// Search はクエリベクトルとのコサイン類似度の降順でチャンクを返す。
// 同点はチャンク連番の昇順
func (idx *Index) Search(ctx context.Context, vector []float32, k int) ([]ingestion.ScoredChunk, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if len(vector) != idx.dimension {
		return nil, fmt.Errorf("query vector dimension mismatch: expected %d, got %d", idx.dimension, len(vector))
	}
	if k <= 0 {
		k = 1
	}

	results := make([]ingestion.ScoredChunk, len(idx.chunks))
	for i := range idx.chunks {
		results[i] = ingestion.ScoredChunk{
			Chunk: idx.chunks[i],
			Score: cosine(idx.vectors[i], vector),
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Chunk.Ordinal < results[j].Chunk.Ordinal
	})

	if k > len(results) {
		k = len(results)
	}
	return results[:k], nil
}

// Size は投入済みチャンク数を返す
func (idx *Index) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.chunks)
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Factory は ingestion.IndexFactory のインメモリ実装
type Factory struct{}

// NewFactory は新しい Factory を作成する
func NewFactory() *Factory {
	return &Factory{}
}

// NewIndex は空のインメモリインデックスを生成する
func (f *Factory) NewIndex(ctx context.Context, dimension int) (ingestion.VectorIndex, error) {
	return NewIndex(dimension)
}

var _ ingestion.VectorIndex = (*Index)(nil)
var _ ingestion.IndexFactory = (*Factory)(nil)
