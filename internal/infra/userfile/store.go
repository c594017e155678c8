// Package userfile はYAMLファイルをバックエンドとするユーザーストアを提供する。
// データベースを使わない構成でのフォールバック先として利用する
package userfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/samber/mo"
	"gopkg.in/yaml.v3"

	"github.com/jinford/qnachat/internal/core/auth"
)

// DefaultPath はユーザーファイルのデフォルトパス
const DefaultPath = "users.yaml"

type userRecord struct {
	Username     string    `yaml:"username"`
	PasswordHash string    `yaml:"password_hash"`
	Admin        bool      `yaml:"admin"`
	CreatedAt    time.Time `yaml:"created_at"`
	LastLogin    time.Time `yaml:"last_login,omitempty"`
}

type userFile struct {
	Users []userRecord `yaml:"users"`
}

// Store はYAMLファイルに永続化する auth.UserStore 実装。
// すべての操作はファイル全体の読み書きで行う
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore は指定パスのユーザーファイルを扱うStoreを作成する
func NewStore(path string) *Store {
	if path == "" {
		path = DefaultPath
	}
	return &Store{path: path}
}

// GetUser はユーザーを取得する。存在しなければ None
func (s *Store) GetUser(ctx context.Context, username string) (mo.Option[auth.User], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return mo.None[auth.User](), err
	}

	for _, r := range records {
		if r.Username == username {
			return mo.Some(toUser(r)), nil
		}
	}
	return mo.None[auth.User](), nil
}

// PutUser はユーザーを作成または更新する
func (s *Store) PutUser(ctx context.Context, user auth.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return err
	}

	replaced := false
	for i, r := range records {
		if r.Username == user.Username {
			records[i] = toRecord(user)
			replaced = true
			break
		}
	}
	if !replaced {
		records = append(records, toRecord(user))
	}

	return s.save(records)
}

// DeleteUser はユーザーを削除する。存在しなくてもエラーにしない
func (s *Store) DeleteUser(ctx context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return err
	}

	kept := records[:0]
	for _, r := range records {
		if r.Username != username {
			kept = append(kept, r)
		}
	}

	return s.save(kept)
}

// ListUsers は全ユーザーをユーザー名の昇順で返す
func (s *Store) ListUsers(ctx context.Context) ([]auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return nil, err
	}

	users := make([]auth.User, 0, len(records))
	for _, r := range records {
		users = append(users, toUser(r))
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].Username < users[j].Username
	})
	return users, nil
}

// UpdateLastLogin は最終ログイン時刻を更新する
func (s *Store) UpdateLastLogin(ctx context.Context, username string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return err
	}

	for i, r := range records {
		if r.Username == username {
			records[i].LastLogin = at
			return s.save(records)
		}
	}
	return fmt.Errorf("user not found: %s", username)
}

func (s *Store) load() ([]userRecord, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read user file: %w", err)
	}

	var file userFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse user file: %w", err)
	}
	return file.Users, nil
}

// save は一時ファイルへ書いてからrenameする。書き込み途中のファイルを読ませない
func (s *Store) save(records []userRecord) error {
	data, err := yaml.Marshal(userFile{Users: records})
	if err != nil {
		return fmt.Errorf("failed to marshal user file: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".users-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write user file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close user file: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace user file: %w", err)
	}
	return nil
}

func toUser(r userRecord) auth.User {
	return auth.User{
		Username:     r.Username,
		PasswordHash: r.PasswordHash,
		Admin:        r.Admin,
		CreatedAt:    r.CreatedAt,
		LastLogin:    r.LastLogin,
	}
}

func toRecord(u auth.User) userRecord {
	return userRecord{
		Username:     u.Username,
		PasswordHash: u.PasswordHash,
		Admin:        u.Admin,
		CreatedAt:    u.CreatedAt,
		LastLogin:    u.LastLogin,
	}
}

// インターフェース実装の確認
var _ auth.UserStore = (*Store)(nil)
