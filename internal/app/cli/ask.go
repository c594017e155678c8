package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/jinford/qnachat/internal/core/ingestion"
	"github.com/jinford/qnachat/internal/core/session"
)

// AskAction はドキュメントに対するワンショットの質問応答アクション。
// 指定ファイルをその場でインデックス化し、回答をストリーミング表示する
func AskAction(ctx context.Context, cmd *cli.Command) error {
	question := cmd.Args().First()
	if question == "" {
		return fmt.Errorf("質問文を指定してください")
	}

	paths := cmd.StringSlice("file")
	if len(paths) == 0 {
		return fmt.Errorf("--file で少なくとも1つのドキュメントを指定してください")
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"), cmd.String("log-level"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	c := appCtx.Container
	log := appCtx.Logger()

	uploads := make([]ingestion.FileUpload, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("ファイルの読み込みに失敗: %w", err)
		}
		uploads = append(uploads, ingestion.FileUpload{
			Name: filepath.Base(path),
			Data: data,
		})
	}

	// CLI専用の使い捨てセッションで問い合わせる
	sess := session.New("cli", false, time.Hour)
	defer sess.Teardown()

	log.Info("building index", "files", len(uploads))

	sess.BeginBuild()
	result, err := c.IndexService.Build(ctx, sess.Username, uploads)
	if err != nil {
		sess.FailBuild()
		return fmt.Errorf("インデックス構築に失敗: %w", err)
	}
	sess.Publish(result.Index)

	log.Info("index ready", "documents", result.Documents, "chunks", result.Chunks)

	// --no-stream は一括生成（レート制限時のリトライ付き）で回答する
	if cmd.Bool("no-stream") {
		answer, err := c.Coordinator.AnswerOnce(ctx, sess, question)
		if err != nil {
			return fmt.Errorf("質問応答に失敗: %w", err)
		}
		fmt.Println(answer)
		return nil
	}

	st, err := c.Coordinator.Answer(ctx, sess, question)
	if err != nil {
		return fmt.Errorf("質問応答に失敗: %w", err)
	}
	defer st.Cancel()

	for {
		fragment, ok := st.Next(ctx)
		if !ok {
			break
		}
		fmt.Print(fragment)
	}
	fmt.Println()

	return nil
}
