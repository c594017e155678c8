package chat

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Exchange は完了した1往復の問答を表す。作成後は不変
type Exchange struct {
	ID        uuid.UUID
	Username  string
	SessionID uuid.UUID
	Message   string
	Answer    string
	CreatedAt time.Time
}

// Store は問答履歴の永続化ポート。
// 永続化はベストエフォートであり、失敗してもユーザーへの回答配信を妨げない
type Store interface {
	// AppendExchange は完了した問答を追記する
	AppendExchange(ctx context.Context, ex Exchange) error

	// ListExchanges はセッションの問答履歴を完了順で返す
	ListExchanges(ctx context.Context, sessionID uuid.UUID, limit int) ([]Exchange, error)
}

// NopStore は何も永続化しないStore実装。
// 永続ストアを構成しない場合に使う
type NopStore struct{}

// AppendExchange は何もしない
func (NopStore) AppendExchange(ctx context.Context, ex Exchange) error {
	return nil
}

// ListExchanges は常に空を返す
func (NopStore) ListExchanges(ctx context.Context, sessionID uuid.UUID, limit int) ([]Exchange, error) {
	return nil, nil
}

var _ Store = NopStore{}
