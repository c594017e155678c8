package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/jinford/qnachat/internal/core/session"
)

type contextKey struct{}

var sessionKey contextKey

// sessionFrom はリクエストコンテキストから検証済みセッションを取り出す
func sessionFrom(r *http.Request) *session.Session {
	sess, _ := r.Context().Value(sessionKey).(*session.Session)
	return sess
}

// requireSession はBearerトークンのセッションIDを検証するミドルウェア。
// 検証できないセッションはすべて401で拒否する
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := bearerSessionID(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing or malformed session token")
			return
		}

		sess, err := s.c.AuthManager.Validate(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "session invalid or expired")
			return
		}

		ctx := context.WithValue(r.Context(), sessionKey, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAdmin は管理者権限を要求するミドルウェア
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return s.requireSession(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !sessionFrom(r).Admin {
			writeError(w, http.StatusForbidden, "admin privileges required")
			return
		}
		next.ServeHTTP(w, r)
	}))
}

func bearerSessionID(r *http.Request) (uuid.UUID, bool) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return uuid.Nil, false
	}

	id, err := uuid.Parse(strings.TrimSpace(token))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
