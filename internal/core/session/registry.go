package session

import (
	"sync"

	"github.com/google/uuid"
)

// Registry は生存中のセッションを保持する。
// セッションは呼び出し側が明示的に渡すハンドルであり、
// プロセス全体の暗黙の可変状態は持たない
type Registry struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
}

// NewRegistry は新しい Registry を作成する
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[uuid.UUID]*Session),
	}
}

// Add はセッションを登録する
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

// Get はセッションIDからセッションを取得する
func (r *Registry) Get(id uuid.UUID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove はセッションを破棄して登録から外す。
// 実行中のクエリはセッションコンテキストのキャンセルで中断される
func (r *Registry) Remove(id uuid.UUID) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if ok {
		s.Teardown()
	}
}

// SweepExpired は期限切れセッションを破棄して登録から外し、件数を返す
func (r *Registry) SweepExpired() int {
	r.mu.Lock()
	var expired []*Session
	for id, s := range r.sessions {
		if s.Expired() {
			expired = append(expired, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, s := range expired {
		s.Teardown()
	}
	return len(expired)
}

// Len は登録中のセッション数を返す
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
