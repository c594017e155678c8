package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/qnachat/internal/core/ingestion"
)

// stubIndex はテスト用の空実装
type stubIndex struct {
	name string
}

func (s *stubIndex) Upsert(ctx context.Context, chunks []ingestion.IndexedChunk) error {
	return nil
}

func (s *stubIndex) Search(ctx context.Context, vector []float32, k int) ([]ingestion.ScoredChunk, error) {
	return nil, nil
}

func TestSession_IndexLifecycle(t *testing.T) {
	t.Run("インデックスなしではクエリできない", func(t *testing.T) {
		sess := New("alice", false, time.Minute)

		_, err := sess.BeginQuery()
		assert.ErrorIs(t, err, ErrIndexNotReady)
		assert.False(t, sess.IndexReady())
	})

	t.Run("構築中もクエリできない", func(t *testing.T) {
		sess := New("alice", false, time.Minute)
		sess.BeginBuild()

		_, err := sess.BeginQuery()
		assert.ErrorIs(t, err, ErrIndexNotReady)
	})

	t.Run("公開後にクエリできる", func(t *testing.T) {
		sess := New("alice", false, time.Minute)
		idx := &stubIndex{name: "v1"}

		sess.BeginBuild()
		sess.Publish(idx)

		require.True(t, sess.IndexReady())
		got, err := sess.BeginQuery()
		require.NoError(t, err)
		assert.Same(t, idx, got)
	})

	t.Run("初回構築の失敗は未構築に戻る", func(t *testing.T) {
		sess := New("alice", false, time.Minute)

		sess.BeginBuild()
		sess.FailBuild()

		_, err := sess.BeginQuery()
		assert.ErrorIs(t, err, ErrIndexNotReady)
	})

	t.Run("再構築の失敗では旧インデックスが有効なまま", func(t *testing.T) {
		sess := New("alice", false, time.Minute)
		old := &stubIndex{name: "v1"}

		sess.BeginBuild()
		sess.Publish(old)

		sess.BeginBuild()
		sess.FailBuild()

		got, err := sess.BeginQuery()
		require.NoError(t, err)
		assert.Same(t, old, got)
	})

	t.Run("再公開はアトミックに置き換える", func(t *testing.T) {
		sess := New("alice", false, time.Minute)
		old := &stubIndex{name: "v1"}
		renewed := &stubIndex{name: "v2"}

		sess.BeginBuild()
		sess.Publish(old)

		// 実行中クエリは開始時に捕捉した参照を使い続ける
		captured, err := sess.BeginQuery()
		require.NoError(t, err)

		sess.Publish(renewed)

		assert.Same(t, old, captured)
		sess.CompleteQuery()

		next, err := sess.BeginQuery()
		require.NoError(t, err)
		assert.Same(t, renewed, next)
	})
}

func TestSession_QueryState(t *testing.T) {
	newReady := func() *Session {
		sess := New("alice", false, time.Minute)
		sess.BeginBuild()
		sess.Publish(&stubIndex{})
		return sess
	}

	t.Run("同時に1つのクエリだけ実行できる", func(t *testing.T) {
		sess := newReady()

		_, err := sess.BeginQuery()
		require.NoError(t, err)

		_, err = sess.BeginQuery()
		assert.ErrorIs(t, err, ErrQueryInProgress)

		sess.CompleteQuery()
		_, err = sess.BeginQuery()
		assert.NoError(t, err)
	})

	t.Run("部分回答は単調に伸びる", func(t *testing.T) {
		sess := newReady()
		_, err := sess.BeginQuery()
		require.NoError(t, err)

		var prev string
		for _, frag := range []string{"回答", "の", "断片"} {
			sess.AppendFragment(frag)
			cur := sess.PartialAnswer()
			assert.True(t, len(cur) > len(prev))
			assert.Equal(t, prev, cur[:len(prev)])
			prev = cur
		}
		assert.Equal(t, "回答の断片", sess.PartialAnswer())
	})

	t.Run("新しいクエリで回答バッファはリセットされる", func(t *testing.T) {
		sess := newReady()

		_, err := sess.BeginQuery()
		require.NoError(t, err)
		sess.AppendFragment("古い回答")
		sess.CompleteQuery()
		assert.True(t, sess.QueryCompleted())

		_, err = sess.BeginQuery()
		require.NoError(t, err)
		assert.Empty(t, sess.PartialAnswer())
		assert.False(t, sess.QueryCompleted())
		assert.True(t, sess.QueryInFlight())
	})
}

func TestSession_Teardown(t *testing.T) {
	sess := New("alice", false, time.Minute)

	select {
	case <-sess.Context().Done():
		t.Fatal("context should be alive before teardown")
	default:
	}

	sess.Teardown()

	select {
	case <-sess.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("context should be cancelled after teardown")
	}
}

func TestSession_Expired(t *testing.T) {
	live := New("alice", false, time.Minute)
	assert.False(t, live.Expired())

	expired := New("alice", false, -time.Minute)
	assert.True(t, expired.Expired())
}

func TestRegistry(t *testing.T) {
	t.Run("追加と取得", func(t *testing.T) {
		r := NewRegistry()
		sess := New("alice", false, time.Minute)

		r.Add(sess)
		assert.Equal(t, 1, r.Len())

		got, ok := r.Get(sess.ID)
		require.True(t, ok)
		assert.Same(t, sess, got)
	})

	t.Run("削除はセッションを破棄する", func(t *testing.T) {
		r := NewRegistry()
		sess := New("alice", false, time.Minute)
		r.Add(sess)

		r.Remove(sess.ID)

		_, ok := r.Get(sess.ID)
		assert.False(t, ok)
		assert.Equal(t, 0, r.Len())

		select {
		case <-sess.Context().Done():
		case <-time.After(time.Second):
			t.Fatal("session context should be cancelled on remove")
		}
	})
}
