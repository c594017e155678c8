package ingestion

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/qnachat/internal/core/chunk"
)

// fakeEmbedder はテキスト長に基づく決定的なベクトルを返す
type fakeEmbedder struct {
	batchSize  int
	failAt     int // このバッチ番号で失敗（負なら失敗しない）
	callCount  int
	shortCount int // ベクトルを間引いて返す件数
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := f.BatchEmbed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (f *fakeEmbedder) BatchEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	call := f.callCount
	f.callCount++
	if f.failAt >= 0 && call == f.failAt {
		return nil, fmt.Errorf("rate limited")
	}

	n := len(texts) - f.shortCount
	if n < 0 {
		n = 0
	}
	out := make([][]float32, n)
	for i := range out {
		out[i] = []float32{float32(len(texts[i])), 1, 0}
	}
	return out, nil
}

func (f *fakeEmbedder) Dimension() int { return 3 }

func (f *fakeEmbedder) MaxBatchSize() int {
	if f.batchSize > 0 {
		return f.batchSize
	}
	return 100
}

// recordingIndex は投入されたチャンクを記録する
type recordingIndex struct {
	upserted  []IndexedChunk
	upsertErr error
}

func (r *recordingIndex) Upsert(ctx context.Context, chunks []IndexedChunk) error {
	if r.upsertErr != nil {
		return r.upsertErr
	}
	r.upserted = append(r.upserted, chunks...)
	return nil
}

func (r *recordingIndex) Search(ctx context.Context, vector []float32, k int) ([]ScoredChunk, error) {
	return nil, nil
}

// stubFactory は事前に用意したインデックスを払い出す
type stubFactory struct {
	index  *recordingIndex
	newErr error
}

func (f *stubFactory) NewIndex(ctx context.Context, dimension int) (VectorIndex, error) {
	if f.newErr != nil {
		return nil, f.newErr
	}
	return f.index, nil
}

func newTestService(t *testing.T, embedder Embedder, factory IndexFactory) *IndexService {
	t.Helper()
	splitter, err := chunk.NewSplitter(
		chunk.WithChunkSize(50),
		chunk.WithChunkOverlap(5),
	)
	require.NoError(t, err)
	return NewIndexService(NewLoader(nil), splitter, embedder, factory)
}

func TestIndexService_Build(t *testing.T) {
	ctx := context.Background()

	t.Run("全ドキュメントをチャンク化して投入する", func(t *testing.T) {
		idx := &recordingIndex{}
		svc := newTestService(t, &fakeEmbedder{failAt: -1}, &stubFactory{index: idx})

		result, err := svc.Build(ctx, "alice", []FileUpload{
			{Name: "a.txt", Data: []byte("The quick brown fox jumps over the lazy dog. It was a bright morning.")},
			{Name: "b.txt", Data: []byte("Second document with its own content.")},
		})
		require.NoError(t, err)

		assert.Equal(t, 2, result.Documents)
		assert.Equal(t, len(idx.upserted), result.Chunks)
		assert.Same(t, idx, result.Index)

		// チャンクメタデータの検証
		perDoc := map[string][]IndexedChunk{}
		for _, c := range idx.upserted {
			require.Len(t, c.Vector, 3)
			assert.Equal(t, "alice", c.Owner)
			perDoc[c.Filename] = append(perDoc[c.Filename], c)
		}
		require.Len(t, perDoc, 2)
		for filename, chunks := range perDoc {
			for i, c := range chunks {
				assert.Equal(t, i, c.Ordinal, filename)
				assert.Equal(t, len(chunks), c.TotalChunks, filename)
				assert.NotEqual(t, c.ID, c.DocumentID)
			}
		}
	})

	t.Run("読み取れるドキュメントがなければ ErrNoDocuments", func(t *testing.T) {
		svc := newTestService(t, &fakeEmbedder{failAt: -1}, &stubFactory{index: &recordingIndex{}})

		_, err := svc.Build(ctx, "alice", nil)
		assert.ErrorIs(t, err, ErrNoDocuments)

		_, err = svc.Build(ctx, "alice", []FileUpload{
			{Name: "empty.txt", Data: []byte("   \n ")},
			{Name: "binary.bin", Data: []byte{0x00, 0x01, 0xff, 0x00}},
		})
		assert.ErrorIs(t, err, ErrNoDocuments)
	})

	t.Run("Embedding失敗はビルド全体を中断する", func(t *testing.T) {
		idx := &recordingIndex{}
		svc := newTestService(t, &fakeEmbedder{failAt: 0}, &stubFactory{index: idx})

		_, err := svc.Build(ctx, "alice", []FileUpload{
			{Name: "a.txt", Data: []byte("Some content to embed.")},
		})
		assert.ErrorIs(t, err, ErrEmbedding)
		assert.Empty(t, idx.upserted)
	})

	t.Run("ベクトル数の不一致は ErrEmbedding", func(t *testing.T) {
		idx := &recordingIndex{}
		svc := newTestService(t, &fakeEmbedder{failAt: -1, shortCount: 1}, &stubFactory{index: idx})

		_, err := svc.Build(ctx, "alice", []FileUpload{
			{Name: "a.txt", Data: []byte("Some content to embed.")},
		})
		assert.ErrorIs(t, err, ErrEmbedding)
		assert.Empty(t, idx.upserted)
	})

	t.Run("投入失敗は ErrIngest", func(t *testing.T) {
		idx := &recordingIndex{upsertErr: fmt.Errorf("connection reset")}
		svc := newTestService(t, &fakeEmbedder{failAt: -1}, &stubFactory{index: idx})

		_, err := svc.Build(ctx, "alice", []FileUpload{
			{Name: "a.txt", Data: []byte("Some content to embed.")},
		})
		assert.ErrorIs(t, err, ErrIngest)
	})

	t.Run("バッチ上限を超えるチャンクは分割して送られる", func(t *testing.T) {
		idx := &recordingIndex{}
		embedder := &fakeEmbedder{failAt: -1, batchSize: 2}
		svc := newTestService(t, embedder, &stubFactory{index: idx})

		// 小さなチャンクサイズで複数チャンクを作る
		text := "One sentence here. Another sentence follows. Third sentence now. " +
			"Fourth sentence appears. Fifth sentence closes the file with more words to spare."
		result, err := svc.Build(ctx, "alice", []FileUpload{
			{Name: "long.txt", Data: []byte(text)},
		})
		require.NoError(t, err)

		if result.Chunks > 2 {
			assert.Greater(t, embedder.callCount, 1)
		}
		assert.Len(t, idx.upserted, result.Chunks)
	})
}

func TestLoader_Load(t *testing.T) {
	loader := NewLoader(nil)

	t.Run("バイナリと空ファイルをスキップする", func(t *testing.T) {
		docs, err := loader.Load("alice", []FileUpload{
			{Name: "keep.txt", Data: []byte("readable text")},
			{Name: "skip.bin", Data: []byte{0x00, 0xde, 0xad, 0x00}},
			{Name: "blank.txt", Data: []byte(" \n\t")},
		})
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, "keep.txt", docs[0].Filename)
		assert.Equal(t, "alice", docs[0].Owner)
	})

	t.Run("全滅なら ErrNoDocuments", func(t *testing.T) {
		_, err := loader.Load("alice", []FileUpload{
			{Name: "skip.bin", Data: []byte{0x00, 0x01}},
		})
		assert.ErrorIs(t, err, ErrNoDocuments)
	})
}
