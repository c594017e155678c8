package cli

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/jinford/qnachat/internal/platform/database"
)

// UserCreateAction はユーザーを作成するアクション
func UserCreateAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"), cmd.String("log-level"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	username := cmd.String("username")
	password := cmd.String("password")
	admin := cmd.Bool("admin")

	if err := appCtx.Container.AuthManager.CreateUser(ctx, username, password, admin); err != nil {
		return fmt.Errorf("ユーザー作成に失敗: %w", err)
	}

	fmt.Printf("created user %s (admin=%v)\n", username, admin)
	return nil
}

// UserListAction はユーザー一覧を表示するアクション
func UserListAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"), cmd.String("log-level"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	users, err := appCtx.Container.AuthManager.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("ユーザー一覧の取得に失敗: %w", err)
	}

	if len(users) == 0 {
		fmt.Println("no users")
		return nil
	}

	for _, u := range users {
		role := "user"
		if u.Admin {
			role = "admin"
		}
		lastLogin := "never"
		if !u.LastLogin.IsZero() {
			lastLogin = u.LastLogin.Format("2006-01-02 15:04:05")
		}
		fmt.Printf("%-20s %-6s created=%s last_login=%s\n",
			u.Username, role, u.CreatedAt.Format("2006-01-02"), lastLogin)
	}
	return nil
}

// UserDeleteAction はユーザーを削除するアクション
func UserDeleteAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"), cmd.String("log-level"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	username := cmd.String("username")
	c := appCtx.Container

	// postgresバックエンドでは削除と操作ログを1トランザクションで処理する
	if c.TxProvider != nil {
		_, err := database.Transact(ctx, c.TxProvider, func(a *database.Adapter) (struct{}, error) {
			if err := a.Users.DeleteUser(ctx, username); err != nil {
				return struct{}{}, err
			}
			return struct{}{}, a.Activity.LogActivity(ctx, "cli", "user_deleted", username)
		})
		if err != nil {
			return fmt.Errorf("ユーザー削除に失敗: %w", err)
		}
	} else if err := c.AuthManager.DeleteUser(ctx, username); err != nil {
		return fmt.Errorf("ユーザー削除に失敗: %w", err)
	}

	fmt.Printf("deleted user %s\n", username)
	return nil
}

// SessionCleanupAction は期限切れセッションを削除するアクション
func SessionCleanupAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"), cmd.String("log-level"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	removed, err := appCtx.Container.AuthManager.CleanupExpired(ctx)
	if err != nil {
		return fmt.Errorf("セッション掃除に失敗: %w", err)
	}

	fmt.Printf("removed %d expired sessions\n", removed)
	return nil
}
