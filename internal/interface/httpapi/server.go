// Package httpapi はチャットアプリケーションのHTTP JSON APIを提供する
package httpapi

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jinford/qnachat/internal/platform/container"
)

// Server はHTTP APIサーバ
type Server struct {
	c      *container.ServiceContainer
	logger *slog.Logger
}

// NewServer は新しい Server を作成する
func NewServer(c *container.ServiceContainer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{c: c, logger: logger}
}

// Routes は全エンドポイントを束ねたハンドラを返す
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /api/login", s.handleLogin)

	mux.Handle("POST /api/logout", s.requireSession(http.HandlerFunc(s.handleLogout)))
	mux.Handle("POST /api/documents", s.requireSession(http.HandlerFunc(s.handleUploadDocuments)))
	mux.Handle("POST /api/query", s.requireSession(http.HandlerFunc(s.handleQuery)))
	mux.Handle("GET /api/history", s.requireSession(http.HandlerFunc(s.handleHistory)))

	mux.Handle("GET /api/admin/users", s.requireAdmin(http.HandlerFunc(s.handleListUsers)))
	mux.Handle("POST /api/admin/users", s.requireAdmin(http.HandlerFunc(s.handleCreateUser)))
	mux.Handle("DELETE /api/admin/users/{username}", s.requireAdmin(http.HandlerFunc(s.handleDeleteUser)))

	return mux
}

// Serve はリスナー上でリクエストを処理する。
// ctxのキャンセルでGraceful Shutdownを開始し、処理中のリクエストを待つ
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
		// SSEストリーミングがあるためWriteTimeoutは設定しない
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(listener) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// ListenAndServe はアドレスをリッスンして Serve を呼ぶ
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.logger.Info("http server listening", "addr", listener.Addr().String())
	return s.Serve(ctx, listener)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
