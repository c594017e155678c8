package ingestion

import "errors"

var (
	// ErrNoDocuments は処理対象のドキュメントが1件もない場合のエラー
	ErrNoDocuments = errors.New("no documents to process")

	// ErrEmbedding はEmbedding生成に失敗した場合のエラー。
	// 1チャンクでも失敗したらビルド全体を中断する
	ErrEmbedding = errors.New("embedding failed")

	// ErrIngest はベクトルインデックスへの投入に失敗した場合のエラー。
	// 部分的に投入されたインデックスは公開されない
	ErrIngest = errors.New("index ingest failed")
)
