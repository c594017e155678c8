package chunk

import "errors"

var (
	// ErrEmptyInput は分割対象のテキストが空の場合のエラー
	ErrEmptyInput = errors.New("empty input text")
)
