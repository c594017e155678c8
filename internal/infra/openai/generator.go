package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/ssestream"
	"github.com/openai/openai-go/v3/shared"

	"github.com/jinford/qnachat/internal/core/query"
)

const (
	// DefaultChatModel はデフォルトで使用するOpenAIモデル
	DefaultChatModel = "gpt-4o-mini"

	// DefaultTimeout は非ストリーミングAPI呼び出しのデフォルトタイムアウト
	DefaultTimeout = 60 * time.Second

	// DefaultTemperature は回答生成のデフォルト温度
	DefaultTemperature = 0.2

	// MaxRetries はレート制限エラー時の最大リトライ回数
	MaxRetries = 3

	// BaseBackoff はExponential Backoffの基底時間
	BaseBackoff = 2 * time.Second

	// MaxBackoff はExponential Backoffの最大待機時間
	MaxBackoff = 32 * time.Second
)

var (
	// ErrAPIKeyNotSet はAPIキーが設定されていない場合のエラー
	ErrAPIKeyNotSet = errors.New("OpenAI API key not set: please set OPENAI_API_KEY environment variable")

	// ErrMaxRetriesExceeded は最大リトライ回数を超過した場合のエラー
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)

// Generator は OpenAI Chat Completions API を使用して回答を生成する
type Generator struct {
	client      openai.Client
	model       string
	temperature float64
	timeout     time.Duration
}

type generatorOptions struct {
	model       string
	temperature float64
	timeout     time.Duration
}

// GeneratorOption は Generator のオプション設定
type GeneratorOption func(*generatorOptions)

// WithChatModel はモデル名を上書きする
func WithChatModel(model string) GeneratorOption {
	return func(o *generatorOptions) {
		o.model = model
	}
}

// WithTemperature は生成温度を上書きする
func WithTemperature(temperature float64) GeneratorOption {
	return func(o *generatorOptions) {
		o.temperature = temperature
	}
}

// WithTimeout は非ストリーミング呼び出しのタイムアウトを上書きする
func WithTimeout(timeout time.Duration) GeneratorOption {
	return func(o *generatorOptions) {
		o.timeout = timeout
	}
}

// NewGenerator は新しい Generator を作成する
func NewGenerator(apiKey string, opts ...GeneratorOption) (*Generator, error) {
	if apiKey == "" {
		return nil, ErrAPIKeyNotSet
	}

	options := generatorOptions{
		model:       DefaultChatModel,
		temperature: DefaultTemperature,
		timeout:     DefaultTimeout,
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &Generator{
		client:      openai.NewClient(option.WithAPIKey(apiKey)),
		model:       options.model,
		temperature: options.temperature,
		timeout:     options.timeout,
	}, nil
}

// ModelName はモデル名を返す
func (g *Generator) ModelName() string {
	return g.model
}

// GenerateStream はプロンプトに対する回答をストリーミングで生成する。
// 返されたストリームは呼び出し側が Close する
func (g *Generator) GenerateStream(ctx context.Context, prompt string) (query.FragmentStream, error) {
	stream := g.client.Chat.Completions.NewStreaming(ctx, g.chatParams(prompt))
	if err := stream.Err(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("failed to open completion stream: %w", err)
	}

	return &fragmentStream{stream: stream}, nil
}

// GenerateCompletion はプロンプトに対する回答を一括で生成する。
// レート制限エラーはExponential Backoffでリトライする
func (g *Generator) GenerateCompletion(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var lastErr error

	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if attempt > 0 {
			backoffDuration := time.Duration(math.Pow(2, float64(attempt-1))) * BaseBackoff
			if backoffDuration > MaxBackoff {
				backoffDuration = MaxBackoff
			}

			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoffDuration):
			}
		}

		completion, err := g.client.Chat.Completions.New(ctx, g.chatParams(prompt))
		if err != nil {
			lastErr = err

			if isRateLimitError(err) {
				continue
			}

			return "", fmt.Errorf("OpenAI API call failed: %w", err)
		}

		if len(completion.Choices) == 0 {
			return "", fmt.Errorf("no completion choices returned")
		}

		return completion.Choices[0].Message.Content, nil
	}

	return "", fmt.Errorf("%w: %v", ErrMaxRetriesExceeded, lastErr)
}

func (g *Generator) chatParams(prompt string) openai.ChatCompletionNewParams {
	return openai.ChatCompletionNewParams{
		Model: shared.ChatModel(g.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(g.temperature),
	}
}

// fragmentStream はSSEストリームを回答断片の列に変換する
type fragmentStream struct {
	stream *ssestream.Stream[openai.ChatCompletionChunk]
}

// Next は次の非空断片を返す。ストリーム終端では io.EOF を返す
func (s *fragmentStream) Next() (string, error) {
	for s.stream.Next() {
		chunk := s.stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		return delta, nil
	}

	if err := s.stream.Err(); err != nil {
		return "", fmt.Errorf("completion stream failed: %w", err)
	}
	return "", io.EOF
}

// Close はストリームを閉じる
func (s *fragmentStream) Close() error {
	return s.stream.Close()
}

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}

	return false
}

// インターフェース実装の確認
var _ query.Generator = (*Generator)(nil)
var _ query.Completer = (*Generator)(nil)
var _ query.FragmentStream = (*fragmentStream)(nil)
