package query

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/qnachat/internal/core/chat"
	"github.com/jinford/qnachat/internal/core/ingestion"
	"github.com/jinford/qnachat/internal/core/session"
)

// stubEmbedder は固定ベクトルを返す
type stubEmbedder struct {
	err error
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []float32{1, 0, 0}, nil
}

func (s *stubEmbedder) BatchEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (s *stubEmbedder) Dimension() int    { return 3 }
func (s *stubEmbedder) MaxBatchSize() int { return 100 }

// stubIndex は固定の検索結果を返す
type stubIndex struct {
	results []ingestion.ScoredChunk
}

func (s *stubIndex) Upsert(ctx context.Context, chunks []ingestion.IndexedChunk) error {
	return nil
}

func (s *stubIndex) Search(ctx context.Context, vector []float32, k int) ([]ingestion.ScoredChunk, error) {
	if k < len(s.results) {
		return s.results[:k], nil
	}
	return s.results, nil
}

// scriptedStream はフラグメント列を順に返すFragmentStream。
// release が非nilの場合、各フラグメントの前に受信を待つ
type scriptedStream struct {
	fragments []string
	pos       int
	failAfter int // この件数を返した後にエラー（負なら失敗しない）
	release   chan struct{}
}

func (s *scriptedStream) Next() (string, error) {
	if s.failAfter >= 0 && s.pos >= s.failAfter {
		return "", fmt.Errorf("generation backend failed")
	}
	if s.pos >= len(s.fragments) {
		return "", io.EOF
	}
	if s.release != nil {
		<-s.release
	}
	frag := s.fragments[s.pos]
	s.pos++
	return frag, nil
}

func (s *scriptedStream) Close() error { return nil }

// stubGenerator はscriptedStreamを払い出すGenerator
type stubGenerator struct {
	fragments []string
	failAfter int
	startErr  error
	release   chan struct{}
}

func (g *stubGenerator) GenerateStream(ctx context.Context, prompt string) (FragmentStream, error) {
	if g.startErr != nil {
		return nil, g.startErr
	}
	return &scriptedStream{
		fragments: g.fragments,
		failAfter: g.failAfter,
		release:   g.release,
	}, nil
}

// stubCompleter は固定の回答を一括で返すCompleter
type stubCompleter struct {
	answer  string
	err     error
	prompts []string
}

func (c *stubCompleter) GenerateCompletion(ctx context.Context, prompt string) (string, error) {
	c.prompts = append(c.prompts, prompt)
	if c.err != nil {
		return "", c.err
	}
	return c.answer, nil
}

// recordingStore は追記された問答を記録する
type recordingStore struct {
	mu        sync.Mutex
	exchanges []chat.Exchange
	err       error
}

func (s *recordingStore) AppendExchange(ctx context.Context, ex chat.Exchange) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exchanges = append(s.exchanges, ex)
	return nil
}

func (s *recordingStore) ListExchanges(ctx context.Context, sessionID uuid.UUID, limit int) ([]chat.Exchange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chat.Exchange, len(s.exchanges))
	copy(out, s.exchanges)
	return out, nil
}

func (s *recordingStore) recorded() []chat.Exchange {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chat.Exchange, len(s.exchanges))
	copy(out, s.exchanges)
	return out
}

func readySession(t *testing.T, idx ingestion.VectorIndex) *session.Session {
	t.Helper()
	sess := session.New("alice", false, time.Minute)
	sess.BeginBuild()
	sess.Publish(idx)
	return sess
}

// drain はストリームを終端まで読み切る
func drain(t *testing.T, st *Stream) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out []string
	for {
		frag, ok := st.Next(ctx)
		if !ok {
			return out
		}
		out = append(out, frag)
	}
}

func TestCoordinator_Answer(t *testing.T) {
	chunks := []ingestion.ScoredChunk{
		{Chunk: ingestion.Chunk{Filename: "doc.txt", Ordinal: 0, TotalChunks: 1, Text: "コンテキスト"}, Score: 0.9},
	}

	t.Run("正常系はフラグメントを順に届けて永続化する", func(t *testing.T) {
		store := &recordingStore{}
		c := NewCoordinator(
			&stubEmbedder{},
			&stubGenerator{fragments: []string{"回答", "の", "断片"}, failAfter: -1},
			store,
		)
		sess := readySession(t, &stubIndex{results: chunks})

		st, err := c.Answer(context.Background(), sess, "質問です")
		require.NoError(t, err)

		got := drain(t, st)
		assert.Equal(t, []string{"回答", "の", "断片"}, got)
		assert.True(t, st.IsComplete())
		assert.False(t, sess.QueryInFlight())

		recorded := store.recorded()
		require.Len(t, recorded, 1)
		assert.Equal(t, "質問です", recorded[0].Message)
		assert.Equal(t, "回答の断片", recorded[0].Answer)
		assert.Equal(t, "alice", recorded[0].Username)

		history := sess.History()
		require.Len(t, history, 1)
		assert.Equal(t, "回答の断片", history[0].Answer)
	})

	t.Run("インデックス未構築は案内文の完了済みストリーム", func(t *testing.T) {
		store := &recordingStore{}
		c := NewCoordinator(&stubEmbedder{}, &stubGenerator{failAfter: -1}, store)
		sess := session.New("alice", false, time.Minute)

		st, err := c.Answer(context.Background(), sess, "質問です")
		require.NoError(t, err)

		assert.True(t, st.IsComplete())
		got := drain(t, st)
		assert.Equal(t, []string{NoIndexMessage}, got)

		assert.Empty(t, store.recorded())
		assert.False(t, sess.QueryInFlight())
	})

	t.Run("空メッセージはエラー", func(t *testing.T) {
		c := NewCoordinator(&stubEmbedder{}, &stubGenerator{failAfter: -1}, &recordingStore{})
		sess := readySession(t, &stubIndex{results: chunks})

		_, err := c.Answer(context.Background(), sess, "   ")
		assert.Error(t, err)
		assert.False(t, sess.QueryInFlight())
	})

	t.Run("実行中の二重クエリは拒否される", func(t *testing.T) {
		release := make(chan struct{})
		c := NewCoordinator(
			&stubEmbedder{},
			&stubGenerator{fragments: []string{"ゆっくり"}, failAfter: -1, release: release},
			&recordingStore{},
		)
		sess := readySession(t, &stubIndex{results: chunks})

		st, err := c.Answer(context.Background(), sess, "1つ目")
		require.NoError(t, err)

		_, err = c.Answer(context.Background(), sess, "2つ目")
		assert.ErrorIs(t, err, session.ErrQueryInProgress)

		close(release)
		drain(t, st)

		// 完了後は次のクエリを受け付ける
		st2, err := c.Answer(context.Background(), sess, "3つ目")
		require.NoError(t, err)
		drain(t, st2)
	})

	t.Run("生成の途中失敗はエラーフラグメントで終端し永続化しない", func(t *testing.T) {
		store := &recordingStore{}
		c := NewCoordinator(
			&stubEmbedder{},
			&stubGenerator{fragments: []string{"部分", "回答"}, failAfter: 2},
			store,
		)
		sess := readySession(t, &stubIndex{results: chunks})

		st, err := c.Answer(context.Background(), sess, "質問です")
		require.NoError(t, err)

		got := drain(t, st)
		require.Len(t, got, 3)
		assert.Equal(t, "部分", got[0])
		assert.Equal(t, "回答", got[1])
		assert.True(t, strings.HasPrefix(got[2], "Error generating response:"))

		assert.True(t, st.IsComplete())
		assert.False(t, sess.QueryInFlight())
		assert.Empty(t, store.recorded())
	})

	t.Run("検索失敗もエラーフラグメントで終端する", func(t *testing.T) {
		store := &recordingStore{}
		c := NewCoordinator(
			&stubEmbedder{err: fmt.Errorf("embedding unavailable")},
			&stubGenerator{failAfter: -1},
			store,
		)
		sess := readySession(t, &stubIndex{results: chunks})

		st, err := c.Answer(context.Background(), sess, "質問です")
		require.NoError(t, err)

		got := drain(t, st)
		require.Len(t, got, 1)
		assert.True(t, strings.HasPrefix(got[0], "Error generating response:"))
		assert.False(t, sess.QueryInFlight())
		assert.Empty(t, store.recorded())
	})

	t.Run("永続化の失敗は回答配信を妨げない", func(t *testing.T) {
		store := &recordingStore{err: fmt.Errorf("db down")}
		c := NewCoordinator(
			&stubEmbedder{},
			&stubGenerator{fragments: []string{"回答"}, failAfter: -1},
			store,
		)
		sess := readySession(t, &stubIndex{results: chunks})

		st, err := c.Answer(context.Background(), sess, "質問です")
		require.NoError(t, err)

		got := drain(t, st)
		assert.Equal(t, []string{"回答"}, got)
		assert.True(t, st.IsComplete())

		// 表示用履歴には残る
		require.Len(t, sess.History(), 1)
	})

	t.Run("セッション破棄は実行中クエリを中断し何も永続化しない", func(t *testing.T) {
		release := make(chan struct{}, 16)
		store := &recordingStore{}
		c := NewCoordinator(
			&stubEmbedder{},
			&stubGenerator{
				fragments: []string{"最初", "続き", "最後"},
				failAfter: -1,
				release:   release,
			},
			store,
		)
		sess := readySession(t, &stubIndex{results: chunks})

		st, err := c.Answer(context.Background(), sess, "質問です")
		require.NoError(t, err)

		// 最初のフラグメントだけ流してから破棄する
		release <- struct{}{}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		frag, ok := st.Next(ctx)
		require.True(t, ok)
		assert.Equal(t, "最初", frag)

		sess.Teardown()
		release <- struct{}{}
		release <- struct{}{}

		drain(t, st)
		assert.Empty(t, store.recorded())

		// in_flight が残らない
		require.Eventually(t, func() bool {
			return !sess.QueryInFlight()
		}, 5*time.Second, 10*time.Millisecond)
	})
}

func TestCoordinator_AnswerOnce(t *testing.T) {
	chunks := []ingestion.ScoredChunk{
		{Chunk: ingestion.Chunk{Filename: "doc.txt", Ordinal: 0, TotalChunks: 1, Text: "コンテキスト"}, Score: 0.9},
	}

	t.Run("一括で回答を返して永続化する", func(t *testing.T) {
		store := &recordingStore{}
		completer := &stubCompleter{answer: "納期は3月末です。"}
		c := NewCoordinator(
			&stubEmbedder{},
			&stubGenerator{failAfter: -1},
			store,
			WithCompleter(completer),
		)
		sess := readySession(t, &stubIndex{results: chunks})

		answer, err := c.AnswerOnce(context.Background(), sess, "納期はいつですか")
		require.NoError(t, err)
		assert.Equal(t, "納期は3月末です。", answer)
		assert.False(t, sess.QueryInFlight())

		// プロンプトには検索結果が組み込まれる
		require.Len(t, completer.prompts, 1)
		assert.Contains(t, completer.prompts[0], "コンテキスト")

		recorded := store.recorded()
		require.Len(t, recorded, 1)
		assert.Equal(t, "納期はいつですか", recorded[0].Message)
		assert.Equal(t, "納期は3月末です。", recorded[0].Answer)

		history := sess.History()
		require.Len(t, history, 1)
		assert.Equal(t, "納期は3月末です。", history[0].Answer)
	})

	t.Run("インデックス未構築は案内文を返す", func(t *testing.T) {
		store := &recordingStore{}
		c := NewCoordinator(
			&stubEmbedder{},
			&stubGenerator{failAfter: -1},
			store,
			WithCompleter(&stubCompleter{answer: "使われない"}),
		)
		sess := session.New("alice", false, time.Minute)

		answer, err := c.AnswerOnce(context.Background(), sess, "質問です")
		require.NoError(t, err)
		assert.Equal(t, NoIndexMessage, answer)
		assert.Empty(t, store.recorded())
	})

	t.Run("実行中クエリがあれば拒否される", func(t *testing.T) {
		release := make(chan struct{})
		c := NewCoordinator(
			&stubEmbedder{},
			&stubGenerator{fragments: []string{"ゆっくり"}, failAfter: -1, release: release},
			&recordingStore{},
			WithCompleter(&stubCompleter{answer: "回答"}),
		)
		sess := readySession(t, &stubIndex{results: chunks})

		st, err := c.Answer(context.Background(), sess, "ストリーミング中")
		require.NoError(t, err)

		_, err = c.AnswerOnce(context.Background(), sess, "割り込み")
		assert.ErrorIs(t, err, session.ErrQueryInProgress)

		close(release)
		drain(t, st)
	})

	t.Run("生成失敗でも実行中フラグを解放する", func(t *testing.T) {
		store := &recordingStore{}
		c := NewCoordinator(
			&stubEmbedder{},
			&stubGenerator{failAfter: -1},
			store,
			WithCompleter(&stubCompleter{err: fmt.Errorf("rate limited")}),
		)
		sess := readySession(t, &stubIndex{results: chunks})

		_, err := c.AnswerOnce(context.Background(), sess, "質問です")
		assert.Error(t, err)
		assert.False(t, sess.QueryInFlight())
		assert.Empty(t, store.recorded())
	})

	t.Run("Completer未設定はエラー", func(t *testing.T) {
		c := NewCoordinator(&stubEmbedder{}, &stubGenerator{failAfter: -1}, &recordingStore{})
		sess := readySession(t, &stubIndex{results: chunks})

		_, err := c.AnswerOnce(context.Background(), sess, "質問です")
		assert.Error(t, err)
		assert.False(t, sess.QueryInFlight())
	})
}

func TestStream_Cancel(t *testing.T) {
	release := make(chan struct{}, 16)
	c := NewCoordinator(
		&stubEmbedder{},
		&stubGenerator{fragments: []string{"a", "b", "c"}, failAfter: -1, release: release},
		&recordingStore{},
	)
	sess := readySession(t, &stubIndex{results: nil})

	st, err := c.Answer(context.Background(), sess, "質問です")
	require.NoError(t, err)

	// 消費を中止しても生成は完了まで進み、バッファに全文が残る
	st.Cancel()
	for i := 0; i < 3; i++ {
		release <- struct{}{}
	}

	require.Eventually(t, func() bool {
		return st.IsComplete()
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, "abc", sess.PartialAnswer())
}
