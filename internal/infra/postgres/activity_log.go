package postgres

import (
	"context"
	"fmt"

	"github.com/jinford/qnachat/internal/core/auth"
)

// ActivityLog は auth.ActivityLog を実装する PostgreSQL リポジトリ
type ActivityLog struct {
	db DBTX
}

// NewActivityLog は新しい ActivityLog を作成する
func NewActivityLog(db DBTX) *ActivityLog {
	return &ActivityLog{db: db}
}

// コンパイル時の型チェック
var _ auth.ActivityLog = (*ActivityLog)(nil)

// LogActivity はユーザー操作を記録する
func (l *ActivityLog) LogActivity(ctx context.Context, username, activity, details string) error {
	_, err := l.db.Exec(ctx,
		`INSERT INTO activity_log (username, activity, details) VALUES ($1, $2, $3)`,
		username, activity, details)
	if err != nil {
		return fmt.Errorf("failed to log activity: %w", err)
	}
	return nil
}
