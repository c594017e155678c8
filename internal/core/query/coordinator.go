package query

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jinford/qnachat/internal/core/chat"
	"github.com/jinford/qnachat/internal/core/ingestion"
	"github.com/jinford/qnachat/internal/core/session"
)

const (
	// DefaultTopK は取得するチャンク数のデフォルト値
	DefaultTopK = 20

	// NoIndexMessage はインデックス未構築時にユーザーへ返す案内文
	NoIndexMessage = "Please load documents first."
)

// Coordinator はセッションの有効インデックスに対する
// 検索拡張クエリの実行を調停する
type Coordinator struct {
	embedder  ingestion.Embedder
	generator Generator
	completer Completer
	store     chat.Store
	topK      int
	logger    *slog.Logger
}

type coordinatorOptions struct {
	completer Completer
	topK      int
	logger    *slog.Logger
}

// CoordinatorOption は Coordinator のオプション設定
type CoordinatorOption func(*coordinatorOptions)

// WithTopK は取得チャンク数を上書きする
func WithTopK(k int) CoordinatorOption {
	return func(o *coordinatorOptions) {
		o.topK = k
	}
}

// WithCoordinatorLogger は Coordinator にロガーを設定する
func WithCoordinatorLogger(logger *slog.Logger) CoordinatorOption {
	return func(o *coordinatorOptions) {
		o.logger = logger
	}
}

// WithCompleter は一括生成器を設定する。AnswerOnce で使う
func WithCompleter(completer Completer) CoordinatorOption {
	return func(o *coordinatorOptions) {
		o.completer = completer
	}
}

// NewCoordinator は新しい Coordinator を作成する
func NewCoordinator(
	embedder ingestion.Embedder,
	generator Generator,
	store chat.Store,
	opts ...CoordinatorOption,
) *Coordinator {
	options := coordinatorOptions{
		topK:   DefaultTopK,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.topK <= 0 {
		options.topK = DefaultTopK
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}

	return &Coordinator{
		embedder:  embedder,
		generator: generator,
		completer: options.completer,
		store:     store,
		topK:      options.topK,
		logger:    options.logger,
	}
}

// Answer はユーザーメッセージに対する回答ストリームを開始する。
// インデックス未構築なら案内文1つの完了済みストリームを返す。
// 既にクエリが実行中なら session.ErrQueryInProgress を返す。
// 回答の生成・転送・永続化はセッションごとに1つの背面ゴルーチンで行う
func (c *Coordinator) Answer(ctx context.Context, sess *session.Session, message string) (*Stream, error) {
	if strings.TrimSpace(message) == "" {
		return nil, fmt.Errorf("message is required")
	}

	index, err := sess.BeginQuery()
	if err != nil {
		if errors.Is(err, session.ErrIndexNotReady) {
			return newTerminalStream(NoIndexMessage), nil
		}
		return nil, err
	}

	st := newStream()
	go c.run(sess, index, message, st)
	return st, nil
}

// AnswerOnce はユーザーメッセージに対する回答を一括生成で返す。
// ガードは Answer と同じだが、呼び出し元のゴルーチンで完結する。
// インデックス未構築なら案内文をそのまま返す
func (c *Coordinator) AnswerOnce(ctx context.Context, sess *session.Session, message string) (string, error) {
	if c.completer == nil {
		return "", fmt.Errorf("completer is not configured")
	}
	if strings.TrimSpace(message) == "" {
		return "", fmt.Errorf("message is required")
	}

	index, err := sess.BeginQuery()
	if err != nil {
		if errors.Is(err, session.ErrIndexNotReady) {
			return NoIndexMessage, nil
		}
		return "", err
	}
	defer sess.CompleteQuery()

	results, err := c.retrieve(ctx, index, message)
	if err != nil {
		return "", err
	}

	answer, err := c.completer.GenerateCompletion(ctx, BuildPrompt(message, results))
	if err != nil {
		return "", fmt.Errorf("generation failed: %w", err)
	}

	sess.AppendFragment(answer)

	ex := chat.Exchange{
		ID:        uuid.New(),
		Username:  sess.Username,
		SessionID: sess.ID,
		Message:   message,
		Answer:    answer,
		CreatedAt: time.Now(),
	}
	sess.RecordExchange(ex)

	if err := c.store.AppendExchange(ctx, ex); err != nil {
		c.logger.Error("failed to persist chat exchange",
			"session", sess.ID,
			"username", sess.Username,
			"error", err,
		)
	}

	return answer, nil
}

// run は1クエリ分の取得・生成・転送・永続化を実行する。
// セッション全体のロックは外部I/Oの待機中には保持しない
func (c *Coordinator) run(sess *session.Session, index ingestion.VectorIndex, message string, st *Stream) {
	ctx := sess.Context()
	defer close(st.fragments)

	results, err := c.retrieve(ctx, index, message)
	if err != nil {
		c.logger.Error("retrieval failed", "session", sess.ID, "error", err)
		c.finishWithError(sess, st, err)
		return
	}

	prompt := BuildPrompt(message, results)

	fragments, err := c.generator.GenerateStream(ctx, prompt)
	if err != nil {
		c.logger.Error("failed to start generation", "session", sess.ID, "error", err)
		c.finishWithError(sess, st, err)
		return
	}
	defer fragments.Close()

	for {
		frag, err := fragments.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			// 途中失敗: エラーを最終フラグメントとして届け、何も永続化しない
			c.logger.Error("generation failed mid-stream", "session", sess.ID, "error", err)
			c.finishWithError(sess, st, err)
			return
		}

		if ctx.Err() != nil {
			// セッション破棄: 転送を止め、この実行の結果は捨てる
			c.logger.Info("query abandoned by session teardown", "session", sess.ID)
			sess.CompleteQuery()
			st.complete.Store(true)
			return
		}

		sess.AppendFragment(frag)
		c.forward(ctx, st, frag)
	}

	answer := strings.Join(sess.Fragments(), "")

	if ctx.Err() == nil {
		ex := chat.Exchange{
			ID:        uuid.New(),
			Username:  sess.Username,
			SessionID: sess.ID,
			Message:   message,
			Answer:    answer,
			CreatedAt: time.Now(),
		}
		sess.RecordExchange(ex)

		// 永続化はベストエフォート。失敗しても回答配信は成立している
		if err := c.store.AppendExchange(ctx, ex); err != nil {
			c.logger.Error("failed to persist chat exchange",
				"session", sess.ID,
				"username", sess.Username,
				"error", err,
			)
		}
	}

	sess.CompleteQuery()
	st.complete.Store(true)
}

// retrieve はメッセージをEmbeddingしてインデックスから上位チャンクを取得する
func (c *Coordinator) retrieve(ctx context.Context, index ingestion.VectorIndex, message string) ([]ingestion.ScoredChunk, error) {
	vector, err := c.embedder.Embed(ctx, message)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	results, err := index.Search(ctx, vector, c.topK)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	// スコア降順、同点はチャンク連番の昇順
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Chunk.Ordinal < results[j].Chunk.Ordinal
	})

	return results, nil
}

// finishWithError は失敗した実行をエラーフラグメントで終端する。
// in_flight を残したままにしないこと
func (c *Coordinator) finishWithError(sess *session.Session, st *Stream, err error) {
	frag := fmt.Sprintf("Error generating response: %v", err)
	sess.AppendFragment(frag)
	c.forward(sess.Context(), st, frag)
	sess.CompleteQuery()
	st.complete.Store(true)
}

// forward はフラグメントを消費側チャネルへ送る。
// 消費側が中止済みなら黙って捨てる（バッファには追記済み）
func (c *Coordinator) forward(ctx context.Context, st *Stream, fragment string) {
	select {
	case st.fragments <- fragment:
	case <-st.cancelled:
	case <-ctx.Done():
	}
}
