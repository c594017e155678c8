package cli

import (
	"context"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/jinford/qnachat/internal/infra/postgres"
	"github.com/jinford/qnachat/internal/interface/httpapi"
)

// cleanupInterval は期限切れセッションの掃除間隔
const cleanupInterval = 5 * time.Minute

// staleIndexAge はこの期間アクセスのないインデックス世代を削除対象とする
const staleIndexAge = 24 * time.Hour

// ServeAction はHTTP APIサーバを起動するアクション
func ServeAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"), cmd.String("log-level"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	c := appCtx.Container
	log := appCtx.Logger()

	// 初期管理者のブートストラップ（ユーザーが1人もいない場合のみ）
	adminCfg := c.Config.Auth
	if adminCfg.AdminPassword != "" {
		if err := c.AuthManager.EnsureAdmin(ctx, adminCfg.AdminUsername, adminCfg.AdminPassword); err != nil {
			return err
		}
	}

	// 期限切れセッションと古いインデックス世代の定期的な掃除
	go runCleanupLoop(ctx, appCtx)

	server := httpapi.NewServer(c, log)
	if err := server.ListenAndServe(ctx, c.Config.HTTPAddr); err != nil {
		return err
	}

	log.Info("server stopped")
	return nil
}

func runCleanupLoop(ctx context.Context, appCtx *AppContext) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c := appCtx.Container
			log := appCtx.Logger()

			removed, err := c.AuthManager.CleanupExpired(ctx)
			if err != nil {
				log.Warn("session cleanup failed", "error", err)
			} else if removed > 0 {
				log.Info("cleaned up expired sessions", "count", removed)
			}

			if factory, ok := c.IndexFactory.(*postgres.IndexFactory); ok {
				deleted, err := factory.DeleteStale(ctx, staleIndexAge)
				if err != nil {
					log.Warn("stale index cleanup failed", "error", err)
				} else if deleted > 0 {
					log.Info("deleted stale index chunks", "count", deleted)
				}
			}
		}
	}
}
