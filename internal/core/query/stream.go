package query

import (
	"context"
	"sync"
	"sync/atomic"
)

// Stream は1クエリ分の回答フラグメント列を消費するためのハンドル。
// フラグメントは生成された順に届き、再始動はできない
type Stream struct {
	fragments chan string
	cancelled chan struct{}
	cancel    sync.Once
	complete  atomic.Bool
}

func newStream() *Stream {
	return &Stream{
		fragments: make(chan string),
		cancelled: make(chan struct{}),
	}
}

// newTerminalStream は単一の終端フラグメントだけを持つ完了済みストリームを返す
func newTerminalStream(fragment string) *Stream {
	st := &Stream{
		fragments: make(chan string, 1),
		cancelled: make(chan struct{}),
	}
	st.fragments <- fragment
	close(st.fragments)
	st.complete.Store(true)
	return st
}

// Next は次のフラグメントを返す。ストリーム終端では ok=false
func (st *Stream) Next(ctx context.Context) (fragment string, ok bool) {
	select {
	case f, open := <-st.fragments:
		if !open {
			return "", false
		}
		return f, true
	case <-ctx.Done():
		return "", false
	}
}

// IsComplete はクエリが完了済みかどうかを返す
func (st *Stream) IsComplete() bool {
	return st.complete.Load()
}

// Cancel は消費の中止を通知する。
// 裏で動いている生成は続行してよく、その出力はセッションバッファにのみ残る
func (st *Stream) Cancel() {
	st.cancel.Do(func() {
		close(st.cancelled)
	})
}
