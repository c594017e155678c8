package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/samber/mo"

	"github.com/jinford/qnachat/internal/core/auth"
)

// UserStore は auth.UserStore を実装する PostgreSQL リポジトリ
type UserStore struct {
	db DBTX
}

// NewUserStore は新しい UserStore を作成する
func NewUserStore(db DBTX) *UserStore {
	return &UserStore{db: db}
}

// コンパイル時の型チェック
var _ auth.UserStore = (*UserStore)(nil)

// GetUser はユーザーを取得する。存在しなければ None
func (s *UserStore) GetUser(ctx context.Context, username string) (mo.Option[auth.User], error) {
	row := s.db.QueryRow(ctx,
		`SELECT username, password_hash, is_admin, created_at, last_login
		 FROM users WHERE username = $1`, username)

	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return mo.None[auth.User](), nil
		}
		return mo.None[auth.User](), fmt.Errorf("failed to get user: %w", err)
	}
	return mo.Some(user), nil
}

// PutUser はユーザーを作成または更新する
func (s *UserStore) PutUser(ctx context.Context, user auth.User) error {
	var lastLogin *time.Time
	if !user.LastLogin.IsZero() {
		lastLogin = &user.LastLogin
	}

	_, err := s.db.Exec(ctx,
		`INSERT INTO users (username, password_hash, is_admin, created_at, last_login)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (username) DO UPDATE
		 SET password_hash = EXCLUDED.password_hash,
		     is_admin = EXCLUDED.is_admin,
		     last_login = EXCLUDED.last_login`,
		user.Username, user.PasswordHash, user.Admin, user.CreatedAt, lastLogin)
	if err != nil {
		return fmt.Errorf("failed to put user: %w", err)
	}
	return nil
}

// DeleteUser はユーザーを削除する
func (s *UserStore) DeleteUser(ctx context.Context, username string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM users WHERE username = $1`, username)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return nil
}

// ListUsers は全ユーザーをユーザー名の昇順で返す
func (s *UserStore) ListUsers(ctx context.Context) ([]auth.User, error) {
	rows, err := s.db.Query(ctx,
		`SELECT username, password_hash, is_admin, created_at, last_login
		 FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []auth.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}

// UpdateLastLogin は最終ログイン時刻を更新する
func (s *UserStore) UpdateLastLogin(ctx context.Context, username string, at time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE users SET last_login = $2 WHERE username = $1`, username, at)
	if err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user not found: %s", username)
	}
	return nil
}

func scanUser(row pgx.Row) (auth.User, error) {
	var user auth.User
	var lastLogin *time.Time
	if err := row.Scan(&user.Username, &user.PasswordHash, &user.Admin, &user.CreatedAt, &lastLogin); err != nil {
		return auth.User{}, err
	}
	if lastLogin != nil {
		user.LastLogin = *lastLogin
	}
	return user, nil
}
