package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jinford/qnachat/internal/core/chat"
	"github.com/jinford/qnachat/internal/core/ingestion"
)

var (
	// ErrQueryInProgress は既に実行中のクエリがある場合のエラー。
	// キューイングはせず、呼び出し側が完了後に再試行する
	ErrQueryInProgress = errors.New("query already in progress")

	// ErrIndexNotReady は利用可能なインデックスがない場合のエラー
	ErrIndexNotReady = errors.New("index not ready")
)

// IndexState はセッションインデックスのライフサイクル状態
type IndexState int

const (
	// IndexNone はインデックスが存在しない状態
	IndexNone IndexState = iota
	// IndexBuilding は初回インデックスを構築中の状態
	IndexBuilding
	// IndexReady はクエリを受け付けられる状態
	IndexReady
)

// queryState はセッションごとのクエリ実行状態。
// inFlight と completed は同時にtrueにならない
type queryState struct {
	inFlight  bool
	fragments []string
	completed bool
}

// Session はログイン中ユーザーの実行時状態を保持する。
// インデックスとクエリ状態はこのセッションが排他的に所有し、
// セッション間で共有されることはない
type Session struct {
	ID        uuid.UUID
	Username  string
	Admin     bool
	CreatedAt time.Time
	ExpiresAt time.Time

	mu         sync.Mutex
	indexState IndexState
	index      ingestion.VectorIndex
	query      queryState
	history    []chat.Exchange

	ctx    context.Context
	cancel context.CancelFunc
}

// New は新しいセッションを作成する
func New(username string, admin bool, expiry time.Duration) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	return &Session{
		ID:        uuid.New(),
		Username:  username,
		Admin:     admin,
		CreatedAt: now,
		ExpiresAt: now.Add(expiry),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Context はセッションの生存コンテキストを返す。
// ログアウト（Teardown）でキャンセルされ、実行中のクエリ転送を止める
func (s *Session) Context() context.Context {
	return s.ctx
}

// Teardown はセッションを破棄し、実行中のクエリをキャンセルする
func (s *Session) Teardown() {
	s.cancel()
}

// Expired はセッションの有効期限が切れているかを返す
func (s *Session) Expired() bool {
	return time.Now().After(s.ExpiresAt)
}

// BeginBuild はインデックス構築の開始を記録する。
// 既にReadyなインデックスがある場合はそれを維持したまま構築する。
// 実行中のクエリは開始時に捕捉した参照のまま旧インデックスを使い続ける
func (s *Session) BeginBuild() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexState == IndexNone {
		s.indexState = IndexBuilding
	}
}

// Publish は構築済みインデックスをこのセッションの有効インデックスとして
// アトミックに公開する。旧インデックスはこの瞬間に置き換えられる
func (s *Session) Publish(index ingestion.VectorIndex) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index = index
	s.indexState = IndexReady
}

// FailBuild は構築の失敗を記録する。
// 以前にReadyだったインデックスがあればそのまま有効であり続ける
func (s *Session) FailBuild() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexState == IndexBuilding {
		s.indexState = IndexNone
	}
}

// IndexReady はクエリを受け付けられる状態かどうかを返す
func (s *Session) IndexReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.indexState == IndexReady
}

// BeginQuery はクエリ実行権を獲得し、有効なインデックスへの参照を返す。
// ガード: Querying へは Idle からのみ、かつインデックスが Ready の場合のみ遷移できる
func (s *Session) BeginQuery() (ingestion.VectorIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.query.inFlight {
		return nil, ErrQueryInProgress
	}
	if s.indexState != IndexReady {
		return nil, ErrIndexNotReady
	}

	s.query = queryState{inFlight: true}
	return s.index, nil
}

// AppendFragment は実行中クエリの回答バッファへフラグメントを追記する。
// 書き手は実行中クエリのゴルーチン1つだけ
func (s *Session) AppendFragment(fragment string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.query.fragments = append(s.query.fragments, fragment)
}

// PartialAnswer は現時点の回答スナップショットを返す。
// 追記しか行われないため、2時点のスナップショットは常にプレフィックス関係になる
func (s *Session) PartialAnswer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sb []byte
	for _, f := range s.query.fragments {
		sb = append(sb, f...)
	}
	return string(sb)
}

// Fragments は回答フラグメント列のコピーを返す
func (s *Session) Fragments() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.query.fragments))
	copy(out, s.query.fragments)
	return out
}

// CompleteQuery はクエリの完了を記録し、次のクエリを受け付け可能にする
func (s *Session) CompleteQuery() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.query.inFlight = false
	s.query.completed = true
}

// QueryInFlight は実行中のクエリがあるかを返す
func (s *Session) QueryInFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.query.inFlight
}

// QueryCompleted は直近のクエリが完了済みかを返す
func (s *Session) QueryCompleted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.query.completed
}

// RecordExchange は完了した問答をセッションの表示用履歴に追記する
func (s *Session) RecordExchange(ex chat.Exchange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, ex)
}

// History はこのセッションの問答履歴を完了順で返す
func (s *Session) History() []chat.Exchange {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chat.Exchange, len(s.history))
	copy(out, s.history)
	return out
}
