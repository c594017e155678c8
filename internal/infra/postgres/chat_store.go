package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/jinford/qnachat/internal/core/chat"
)

// ChatStore は chat.Store を実装する PostgreSQL リポジトリ
type ChatStore struct {
	db DBTX
}

// NewChatStore は新しい ChatStore を作成する
func NewChatStore(db DBTX) *ChatStore {
	return &ChatStore{db: db}
}

// コンパイル時の型チェック
var _ chat.Store = (*ChatStore)(nil)

// AppendExchange は完了した問答を追記する
func (s *ChatStore) AppendExchange(ctx context.Context, ex chat.Exchange) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO chat_history (id, username, session_id, message, answer, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ex.ID, ex.Username, ex.SessionID, ex.Message, ex.Answer, ex.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append exchange: %w", err)
	}
	return nil
}

// ListExchanges はセッションの問答履歴を完了順（古い順）で返す
func (s *ChatStore) ListExchanges(ctx context.Context, sessionID uuid.UUID, limit int) ([]chat.Exchange, error) {
	if limit <= 0 {
		limit = 100
	}

	// 直近limit件を取り出してから古い順に並べ直す
	rows, err := s.db.Query(ctx,
		`SELECT id, username, session_id, message, answer, created_at
		 FROM (
			SELECT id, username, session_id, message, answer, created_at
			FROM chat_history
			WHERE session_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		 ) recent
		 ORDER BY created_at ASC`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list exchanges: %w", err)
	}
	defer rows.Close()

	var exchanges []chat.Exchange
	for rows.Next() {
		var ex chat.Exchange
		if err := rows.Scan(&ex.ID, &ex.Username, &ex.SessionID, &ex.Message, &ex.Answer, &ex.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan exchange: %w", err)
		}
		exchanges = append(exchanges, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list exchanges: %w", err)
	}
	return exchanges, nil
}
