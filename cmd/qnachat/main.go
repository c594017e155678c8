package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	appcli "github.com/jinford/qnachat/internal/app/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	commonFlags := []cli.Flag{
		&cli.StringFlag{
			Name:  "env",
			Usage: "環境変数ファイルパス",
			Value: ".env",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "ログレベル (debug, info, warn, error)",
			Value: "info",
		},
	}

	app := &cli.Command{
		Name:  "qnachat",
		Usage: "アップロードしたドキュメントに基づく質問応答チャットシステム",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "HTTP APIサーバを起動",
				Flags:  commonFlags,
				Action: appcli.ServeAction,
			},
			{
				Name:      "ask",
				Usage:     "ドキュメントに対するワンショット質問応答",
				ArgsUsage: "<質問文>",
				Flags: append([]cli.Flag{
					&cli.StringSliceFlag{
						Name:  "file",
						Usage: "対象ドキュメントのパス（複数指定可）",
					},
					&cli.BoolFlag{
						Name:  "no-stream",
						Usage: "回答をストリーミングせず一括で表示",
					},
				}, commonFlags...),
				Action: appcli.AskAction,
			},
			{
				Name:  "user",
				Usage: "ユーザー管理コマンド",
				Commands: []*cli.Command{
					{
						Name:  "create",
						Usage: "ユーザーを作成",
						Flags: append([]cli.Flag{
							&cli.StringFlag{
								Name:     "username",
								Usage:    "ユーザー名",
								Required: true,
							},
							&cli.StringFlag{
								Name:     "password",
								Usage:    "パスワード",
								Required: true,
							},
							&cli.BoolFlag{
								Name:  "admin",
								Usage: "管理者権限を付与",
							},
						}, commonFlags...),
						Action: appcli.UserCreateAction,
					},
					{
						Name:   "list",
						Usage:  "ユーザー一覧を表示",
						Flags:  commonFlags,
						Action: appcli.UserListAction,
					},
					{
						Name:  "delete",
						Usage: "ユーザーを削除",
						Flags: append([]cli.Flag{
							&cli.StringFlag{
								Name:     "username",
								Usage:    "ユーザー名",
								Required: true,
							},
						}, commonFlags...),
						Action: appcli.UserDeleteAction,
					},
				},
			},
			{
				Name:  "session",
				Usage: "セッション管理コマンド",
				Commands: []*cli.Command{
					{
						Name:   "cleanup",
						Usage:  "期限切れセッションを削除",
						Flags:  commonFlags,
						Action: appcli.SessionCleanupAction,
					},
				},
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
