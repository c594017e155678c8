package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jinford/qnachat/internal/core/auth"
	"github.com/jinford/qnachat/internal/core/chat"
	"github.com/jinford/qnachat/internal/core/ingestion"
	"github.com/jinford/qnachat/internal/core/session"
	"github.com/jinford/qnachat/internal/platform/database"
)

// maxUploadBytes はドキュメントアップロードの上限サイズ
const maxUploadBytes = 32 << 20

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	SessionID string    `json:"session_id"`
	Username  string    `json:"username"`
	Admin     bool      `json:"admin"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, err := s.c.AuthManager.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrLockedOut):
			writeError(w, http.StatusTooManyRequests, "too many failed attempts, try again later")
		case errors.Is(err, auth.ErrInvalidCredentials):
			writeError(w, http.StatusUnauthorized, "invalid username or password")
		default:
			s.logger.Error("login failed", "error", err)
			writeError(w, http.StatusInternalServerError, "login failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		SessionID: sess.ID.String(),
		Username:  sess.Username,
		Admin:     sess.Admin,
		ExpiresAt: sess.ExpiresAt,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	s.c.AuthManager.Logout(r.Context(), sess.ID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

type uploadResponse struct {
	Documents int `json:"documents"`
	Chunks    int `json:"chunks"`
}

func (s *Server) handleUploadDocuments(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, "no files uploaded")
		return
	}

	uploads := make([]ingestion.FileUpload, 0, len(headers))
	for _, h := range headers {
		f, err := h.Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to open %s", h.Filename))
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to read %s", h.Filename))
			return
		}
		uploads = append(uploads, ingestion.FileUpload{Name: h.Filename, Data: data})
	}

	// 構築が失敗しても既存のReadyインデックスは有効なまま残る
	sess.BeginBuild()
	result, err := s.c.IndexService.Build(r.Context(), sess.Username, uploads)
	if err != nil {
		sess.FailBuild()
		switch {
		case errors.Is(err, ingestion.ErrNoDocuments):
			writeError(w, http.StatusBadRequest, "no readable documents in upload")
		case errors.Is(err, ingestion.ErrEmbedding), errors.Is(err, ingestion.ErrIngest):
			s.logger.Error("index build failed", "user", sess.Username, "error", err)
			writeError(w, http.StatusBadGateway, "index build failed")
		default:
			s.logger.Error("index build failed", "user", sess.Username, "error", err)
			writeError(w, http.StatusInternalServerError, "index build failed")
		}
		return
	}

	sess.Publish(result.Index)
	s.c.AuthManager.LogActivity(r.Context(), sess.Username, "documents_indexed",
		fmt.Sprintf("documents=%d chunks=%d", result.Documents, result.Chunks))

	writeJSON(w, http.StatusOK, uploadResponse{
		Documents: result.Documents,
		Chunks:    result.Chunks,
	})
}

type queryRequest struct {
	Message string `json:"message"`
}

// streamChunk はSSEで送る1イベント
type streamChunk struct {
	Type    string `json:"type"` // content, done, error
	Content string `json:"content,omitempty"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	st, err := s.c.Coordinator.Answer(r.Context(), sess, req.Message)
	if err != nil {
		if errors.Is(err, session.ErrQueryInProgress) {
			writeError(w, http.StatusConflict, "a query is already in progress")
			return
		}
		s.logger.Error("query failed", "user", sess.Username, "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	// ハンドラ離脱時は必ず消費中止を通知する。
	// クライアント切断で転送ループを抜けても、生成側がここで詰まらないようにする
	defer st.Cancel()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// クライアントが切断しても生成はセッション側で継続する。
	// ここではストリームの転送だけを打ち切る（中止通知は上のdeferが行う）
	for {
		fragment, ok := st.Next(r.Context())
		if !ok {
			break
		}
		writeSSE(w, streamChunk{Type: "content", Content: fragment})
		flusher.Flush()
	}

	writeSSE(w, streamChunk{Type: "done"})
	flusher.Flush()
}

func writeSSE(w http.ResponseWriter, chunk streamChunk) {
	data, err := json.Marshal(chunk)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

type historyEntry struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Message   string    `json:"message"`
	Answer    string    `json:"answer"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &limit); err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}

	// 履歴は現在のセッション単位で返す
	exchanges, err := s.c.ChatStore.ListExchanges(r.Context(), sess.ID, limit)
	if err != nil {
		s.logger.Error("failed to list history", "user", sess.Username, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list history")
		return
	}
	if len(exchanges) == 0 {
		// 永続ストアを構成していない場合はセッション内の履歴を返す
		exchanges = sess.History()
		if len(exchanges) > limit {
			exchanges = exchanges[len(exchanges)-limit:]
		}
	}

	entries := make([]historyEntry, 0, len(exchanges))
	for _, ex := range exchanges {
		entries = append(entries, toHistoryEntry(ex))
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}

func toHistoryEntry(ex chat.Exchange) historyEntry {
	return historyEntry{
		ID:        ex.ID.String(),
		SessionID: ex.SessionID.String(),
		Message:   ex.Message,
		Answer:    ex.Answer,
		CreatedAt: ex.CreatedAt,
	}
}

type userEntry struct {
	Username  string    `json:"username"`
	Admin     bool      `json:"admin"`
	CreatedAt time.Time `json:"created_at"`
	LastLogin time.Time `json:"last_login,omitzero"`
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.c.AuthManager.ListUsers(r.Context())
	if err != nil {
		s.logger.Error("failed to list users", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list users")
		return
	}

	entries := make([]userEntry, 0, len(users))
	for _, u := range users {
		entries = append(entries, userEntry{
			Username:  u.Username,
			Admin:     u.Admin,
			CreatedAt: u.CreatedAt,
			LastLogin: u.LastLogin,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": entries})
}

type createUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Admin    bool   `json:"admin"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.c.AuthManager.CreateUser(r.Context(), req.Username, req.Password, req.Admin); err != nil {
		if errors.Is(err, auth.ErrUserExists) {
			writeError(w, http.StatusConflict, "user already exists")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"username": req.Username})
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	username := r.PathValue("username")
	if username == "" {
		writeError(w, http.StatusBadRequest, "username is required")
		return
	}
	if username == sessionFrom(r).Username {
		writeError(w, http.StatusBadRequest, "cannot delete yourself")
		return
	}

	// postgresバックエンドではユーザー・認証セッション・操作ログを1トランザクションで処理する
	if s.c.TxProvider != nil {
		_, err := database.Transact(r.Context(), s.c.TxProvider, func(a *database.Adapter) (struct{}, error) {
			if err := a.Users.DeleteUser(r.Context(), username); err != nil {
				return struct{}{}, err
			}
			return struct{}{}, a.Activity.LogActivity(r.Context(), sessionFrom(r).Username, "user_deleted", username)
		})
		if err != nil {
			s.logger.Error("failed to delete user", "username", username, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to delete user")
			return
		}
	} else if err := s.c.AuthManager.DeleteUser(r.Context(), username); err != nil {
		s.logger.Error("failed to delete user", "username", username, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete user")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"deleted": username})
}
