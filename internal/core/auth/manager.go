package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jinford/qnachat/internal/core/session"
)

var (
	// ErrInvalidCredentials はユーザー名またはパスワードが不正な場合のエラー
	ErrInvalidCredentials = errors.New("invalid username or password")

	// ErrLockedOut はログイン失敗が続いて一時的にロックされた場合のエラー
	ErrLockedOut = errors.New("too many failed login attempts")

	// ErrSessionInvalid はセッションが存在しないか期限切れの場合のエラー
	ErrSessionInvalid = errors.New("session is invalid or expired")

	// ErrUserExists は既に同名のユーザーが存在する場合のエラー
	ErrUserExists = errors.New("user already exists")
)

const (
	// DefaultSessionExpiry はセッションのデフォルト有効期間
	DefaultSessionExpiry = 30 * time.Minute
	// DefaultMaxLoginAttempts はロックアウトまでの失敗回数
	DefaultMaxLoginAttempts = 5
	// DefaultLoginCooldown はロックアウトの継続時間
	DefaultLoginCooldown = 15 * time.Minute
)

// Manager は認証・セッション管理のユースケースを提供する
type Manager struct {
	users       UserStore
	sessions    SessionStore
	registry    *session.Registry
	activity    ActivityLog
	expiry      time.Duration
	maxAttempts int
	cooldown    time.Duration
	logger      *slog.Logger

	mu       sync.Mutex
	attempts map[string]*attemptState
}

// attemptState はユーザー名ごとのログイン失敗状況
type attemptState struct {
	failures    int
	lockedUntil time.Time
}

type managerOptions struct {
	expiry      time.Duration
	maxAttempts int
	cooldown    time.Duration
	activity    ActivityLog
	logger      *slog.Logger
}

// ManagerOption は Manager のオプション設定
type ManagerOption func(*managerOptions)

// WithSessionExpiry はセッション有効期間を上書きする
func WithSessionExpiry(d time.Duration) ManagerOption {
	return func(o *managerOptions) {
		o.expiry = d
	}
}

// WithMaxLoginAttempts はロックアウトまでの失敗回数を上書きする
func WithMaxLoginAttempts(n int) ManagerOption {
	return func(o *managerOptions) {
		o.maxAttempts = n
	}
}

// WithLoginCooldown はロックアウト継続時間を上書きする
func WithLoginCooldown(d time.Duration) ManagerOption {
	return func(o *managerOptions) {
		o.cooldown = d
	}
}

// WithActivityLog は操作記録を設定する
func WithActivityLog(log ActivityLog) ManagerOption {
	return func(o *managerOptions) {
		o.activity = log
	}
}

// WithAuthLogger は Manager にロガーを設定する
func WithAuthLogger(logger *slog.Logger) ManagerOption {
	return func(o *managerOptions) {
		o.logger = logger
	}
}

// NewManager は新しい Manager を作成する
func NewManager(users UserStore, sessions SessionStore, registry *session.Registry, opts ...ManagerOption) *Manager {
	options := managerOptions{
		expiry:      DefaultSessionExpiry,
		maxAttempts: DefaultMaxLoginAttempts,
		cooldown:    DefaultLoginCooldown,
		activity:    NopActivityLog{},
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}
	if options.activity == nil {
		options.activity = NopActivityLog{}
	}

	return &Manager{
		users:       users,
		sessions:    sessions,
		registry:    registry,
		activity:    options.activity,
		expiry:      options.expiry,
		maxAttempts: options.maxAttempts,
		cooldown:    options.cooldown,
		logger:      options.logger,
		attempts:    make(map[string]*attemptState),
	}
}

// Authenticate は認証を行い、成功すれば新しい実行時セッションを開始する
func (m *Manager) Authenticate(ctx context.Context, username, password string) (*session.Session, error) {
	if err := m.checkLockout(username); err != nil {
		return nil, err
	}

	found, err := m.users.GetUser(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}

	user, ok := found.Get()
	if !ok || !user.VerifyPassword(password) {
		m.recordFailure(username)
		return nil, ErrInvalidCredentials
	}

	m.clearFailures(username)

	if err := m.users.UpdateLastLogin(ctx, username, time.Now()); err != nil {
		m.logger.Warn("failed to update last login", "username", username, "error", err)
	}

	sess := session.New(user.Username, user.Admin, m.expiry)

	if err := m.sessions.PutSession(ctx, AuthSession{
		ID:        sess.ID,
		Username:  sess.Username,
		CreatedAt: sess.CreatedAt,
		ExpiresAt: sess.ExpiresAt,
	}); err != nil {
		m.logger.Warn("failed to persist session", "session", sess.ID, "error", err)
	}

	m.registry.Add(sess)
	m.logActivity(ctx, username, "login", "")

	return sess, nil
}

// Validate はセッションIDを検証し、有効なら実行時セッションを返す。
// レジストリにもストアにも見つからないセッションは無効として拒否する
func (m *Manager) Validate(ctx context.Context, id uuid.UUID) (*session.Session, error) {
	if sess, ok := m.registry.Get(id); ok {
		if sess.Expired() {
			m.registry.Remove(id)
			if err := m.sessions.DeleteSession(ctx, id); err != nil {
				m.logger.Warn("failed to delete expired session", "session", id, "error", err)
			}
			return nil, ErrSessionInvalid
		}
		return sess, nil
	}

	// プロセス再起動後などレジストリにない場合はストアを確認するが、
	// 実行時状態（インデックス・履歴）は失われているため復元はしない
	found, err := m.sessions.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to look up session: %w", err)
	}
	if _, ok := found.Get(); ok {
		if err := m.sessions.DeleteSession(ctx, id); err != nil {
			m.logger.Warn("failed to delete stale session", "session", id, "error", err)
		}
	}
	return nil, ErrSessionInvalid
}

// Logout はセッションを破棄する。実行中のクエリはキャンセルされる
func (m *Manager) Logout(ctx context.Context, id uuid.UUID) {
	if sess, ok := m.registry.Get(id); ok {
		m.logActivity(ctx, sess.Username, "logout", "")
	}
	m.registry.Remove(id)
	if err := m.sessions.DeleteSession(ctx, id); err != nil {
		m.logger.Warn("failed to delete session", "session", id, "error", err)
	}
}

// CreateUser は新しいユーザーを作成する
func (m *Manager) CreateUser(ctx context.Context, username, password string, admin bool) error {
	found, err := m.users.GetUser(ctx, username)
	if err != nil {
		return fmt.Errorf("failed to look up user: %w", err)
	}
	if found.IsPresent() {
		return ErrUserExists
	}

	user, err := NewUser(username, password, admin)
	if err != nil {
		return err
	}

	if err := m.users.PutUser(ctx, *user); err != nil {
		return fmt.Errorf("failed to store user: %w", err)
	}
	return nil
}

// DeleteUser はユーザーを削除する
func (m *Manager) DeleteUser(ctx context.Context, username string) error {
	if err := m.users.DeleteUser(ctx, username); err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return nil
}

// ListUsers は全ユーザーを返す
func (m *Manager) ListUsers(ctx context.Context) ([]User, error) {
	return m.users.ListUsers(ctx)
}

// EnsureAdmin はユーザーが1人もいない場合に初期管理者を作成する
func (m *Manager) EnsureAdmin(ctx context.Context, username, password string) error {
	users, err := m.users.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list users: %w", err)
	}
	if len(users) > 0 {
		return nil
	}

	if err := m.CreateUser(ctx, username, password, true); err != nil {
		return err
	}
	m.logger.Info("initial admin account created", "username", username)
	return nil
}

// CleanupExpired は期限切れセッションをストアとレジストリから取り除く。
// レジストリ側の破棄は実行中クエリのキャンセルも伴う
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	swept := m.registry.SweepExpired()

	removed, err := m.sessions.DeleteExpiredSessions(ctx)
	if err != nil {
		return swept, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	if removed > swept {
		return removed, nil
	}
	return swept, nil
}

// LogActivity はユーザー操作を記録する（ベストエフォート）
func (m *Manager) LogActivity(ctx context.Context, username, activity, details string) {
	m.logActivity(ctx, username, activity, details)
}

func (m *Manager) logActivity(ctx context.Context, username, activity, details string) {
	if err := m.activity.LogActivity(ctx, username, activity, details); err != nil {
		m.logger.Warn("failed to log activity",
			"username", username,
			"activity", activity,
			"error", err,
		)
	}
}

func (m *Manager) checkLockout(username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.attempts[username]
	if !ok {
		return nil
	}
	if time.Now().Before(state.lockedUntil) {
		return ErrLockedOut
	}
	if !state.lockedUntil.IsZero() && time.Now().After(state.lockedUntil) {
		// クールダウン明けはカウントをリセットする
		delete(m.attempts, username)
	}
	return nil
}

func (m *Manager) recordFailure(username string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.attempts[username]
	if !ok {
		state = &attemptState{}
		m.attempts[username] = state
	}
	state.failures++
	if state.failures >= m.maxAttempts {
		state.lockedUntil = time.Now().Add(m.cooldown)
	}
}

func (m *Manager) clearFailures(username string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attempts, username)
}
