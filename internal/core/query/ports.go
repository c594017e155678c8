package query

import "context"

// Generator は回答生成能力のポート
type Generator interface {
	// GenerateStream はプロンプトに対する回答をフラグメント列として生成する
	GenerateStream(ctx context.Context, prompt string) (FragmentStream, error)
}

// FragmentStream は生成された回答の遅延フラグメント列。
// Next は次のフラグメントを返し、正常終端では io.EOF を返す。
// それ以外のエラーは生成の途中失敗を意味する
type FragmentStream interface {
	Next() (string, error)
	Close() error
}

// Completer は回答を一括生成するポート。
// ストリーミングが不要なワンショット問い合わせで使う
type Completer interface {
	GenerateCompletion(ctx context.Context, prompt string) (string, error)
}
