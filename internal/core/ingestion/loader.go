package ingestion

import (
	"log/slog"
	"strings"
	"time"

	"github.com/go-enry/go-enry/v2"
	"github.com/google/uuid"
)

// Loader はアップロードされたファイルをDocumentに変換する
type Loader struct {
	logger *slog.Logger
}

// NewLoader は新しい Loader を作成する
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load はアップロードされたファイル群をDocumentに変換する。
// バイナリファイルと空ファイルはスキップし、1件も残らなければ ErrNoDocuments
func (l *Loader) Load(owner string, uploads []FileUpload) ([]*Document, error) {
	if len(uploads) == 0 {
		return nil, ErrNoDocuments
	}

	now := time.Now()
	documents := make([]*Document, 0, len(uploads))
	for _, up := range uploads {
		if enry.IsBinary(up.Data) {
			l.logger.Warn("skipping binary upload", "filename", up.Name)
			continue
		}

		text := string(up.Data)
		if strings.TrimSpace(text) == "" {
			l.logger.Warn("skipping empty upload", "filename", up.Name)
			continue
		}

		documents = append(documents, &Document{
			ID:         uuid.New(),
			Filename:   up.Name,
			Owner:      owner,
			UploadedAt: now,
			Text:       text,
		})
	}

	if len(documents) == 0 {
		return nil, ErrNoDocuments
	}

	return documents, nil
}
