package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"
	"golang.org/x/crypto/bcrypt"
)

// User は認証対象のユーザーを表す
type User struct {
	Username     string
	PasswordHash string
	Admin        bool
	CreatedAt    time.Time
	LastLogin    time.Time // 未ログインならゼロ値
}

// NewUser はパスワードをbcryptでハッシュ化してユーザーを作成する
func NewUser(username, password string, admin bool) (*User, error) {
	if username == "" {
		return nil, fmt.Errorf("username is required")
	}
	if password == "" {
		return nil, fmt.Errorf("password is required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	return &User{
		Username:     username,
		PasswordHash: string(hash),
		Admin:        admin,
		CreatedAt:    time.Now(),
	}, nil
}

// VerifyPassword は平文パスワードがハッシュと一致するかを検証する
func (u *User) VerifyPassword(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) == nil
}

// UserStore はユーザー永続化のポート
type UserStore interface {
	// GetUser はユーザーを取得する。存在しなければ None
	GetUser(ctx context.Context, username string) (mo.Option[User], error)

	// PutUser はユーザーを作成または更新する
	PutUser(ctx context.Context, user User) error

	// DeleteUser はユーザーを削除する
	DeleteUser(ctx context.Context, username string) error

	// ListUsers は全ユーザーを返す
	ListUsers(ctx context.Context) ([]User, error)

	// UpdateLastLogin は最終ログイン時刻を更新する
	UpdateLastLogin(ctx context.Context, username string, at time.Time) error
}

// AuthSession は永続化される認証セッションレコード
type AuthSession struct {
	ID        uuid.UUID
	Username  string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// SessionStore は認証セッション永続化のポート
type SessionStore interface {
	// PutSession はセッションレコードを保存する
	PutSession(ctx context.Context, s AuthSession) error

	// GetSession はセッションレコードを取得する。存在しなければ None
	GetSession(ctx context.Context, id uuid.UUID) (mo.Option[AuthSession], error)

	// DeleteSession はセッションレコードを削除する
	DeleteSession(ctx context.Context, id uuid.UUID) error

	// DeleteExpiredSessions は期限切れのセッションレコードを削除して件数を返す
	DeleteExpiredSessions(ctx context.Context) (int, error)
}

// RejectAllSessionStore はセッション永続化を持たないバックエンド用のStore。
// 検証経路が存在しないストアではreject-by-defaultとし、
// プロセス再起動後のセッションは常に無効になる
type RejectAllSessionStore struct{}

// PutSession は何も保存しない
func (RejectAllSessionStore) PutSession(ctx context.Context, s AuthSession) error {
	return nil
}

// GetSession は常に None を返す
func (RejectAllSessionStore) GetSession(ctx context.Context, id uuid.UUID) (mo.Option[AuthSession], error) {
	return mo.None[AuthSession](), nil
}

// DeleteSession は何もしない
func (RejectAllSessionStore) DeleteSession(ctx context.Context, id uuid.UUID) error {
	return nil
}

// DeleteExpiredSessions は何もしない
func (RejectAllSessionStore) DeleteExpiredSessions(ctx context.Context) (int, error) {
	return 0, nil
}

var _ SessionStore = RejectAllSessionStore{}

// ActivityLog はユーザー操作の記録ポート。記録はベストエフォート
type ActivityLog interface {
	LogActivity(ctx context.Context, username, activity, details string) error
}

// NopActivityLog は何も記録しないActivityLog実装
type NopActivityLog struct{}

// LogActivity は何もしない
func (NopActivityLog) LogActivity(ctx context.Context, username, activity, details string) error {
	return nil
}

var _ ActivityLog = NopActivityLog{}
