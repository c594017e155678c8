package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/samber/mo"

	"github.com/jinford/qnachat/internal/core/auth"
)

// SessionStore は auth.SessionStore を実装する PostgreSQL リポジトリ。
// 認証セッションの永続化先であり、プロセス再起動をまたいだ検証に使う
type SessionStore struct {
	db DBTX
}

// NewSessionStore は新しい SessionStore を作成する
func NewSessionStore(db DBTX) *SessionStore {
	return &SessionStore{db: db}
}

// コンパイル時の型チェック
var _ auth.SessionStore = (*SessionStore)(nil)

// PutSession はセッションレコードを保存する
func (s *SessionStore) PutSession(ctx context.Context, sess auth.AuthSession) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO auth_sessions (id, username, created_at, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET expires_at = EXCLUDED.expires_at`,
		sess.ID, sess.Username, sess.CreatedAt, sess.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to put session: %w", err)
	}
	return nil
}

// GetSession はセッションレコードを取得する。存在しなければ None
func (s *SessionStore) GetSession(ctx context.Context, id uuid.UUID) (mo.Option[auth.AuthSession], error) {
	row := s.db.QueryRow(ctx,
		`SELECT id, username, created_at, expires_at
		 FROM auth_sessions WHERE id = $1`, id)

	var sess auth.AuthSession
	if err := row.Scan(&sess.ID, &sess.Username, &sess.CreatedAt, &sess.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return mo.None[auth.AuthSession](), nil
		}
		return mo.None[auth.AuthSession](), fmt.Errorf("failed to get session: %w", err)
	}
	return mo.Some(sess), nil
}

// DeleteSession はセッションレコードを削除する
func (s *SessionStore) DeleteSession(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Exec(ctx, `DELETE FROM auth_sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteExpiredSessions は期限切れのセッションレコードを削除して件数を返す
func (s *SessionStore) DeleteExpiredSessions(ctx context.Context) (int, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM auth_sessions WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
