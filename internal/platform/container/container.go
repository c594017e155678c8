// Package container はアプリケーションの依存関係の組み立てを担う
package container

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jinford/qnachat/internal/core/auth"
	"github.com/jinford/qnachat/internal/core/chat"
	"github.com/jinford/qnachat/internal/core/chunk"
	"github.com/jinford/qnachat/internal/core/ingestion"
	"github.com/jinford/qnachat/internal/core/query"
	"github.com/jinford/qnachat/internal/core/session"
	"github.com/jinford/qnachat/internal/infra/memory"
	"github.com/jinford/qnachat/internal/infra/openai"
	"github.com/jinford/qnachat/internal/infra/postgres"
	"github.com/jinford/qnachat/internal/infra/userfile"
	"github.com/jinford/qnachat/internal/platform/database"
	"github.com/jinford/qnachat/pkg/config"
)

// ServiceContainer はアプリケーションサービスと依存関係を保持する
type ServiceContainer struct {
	Config       *config.Config
	IndexService *ingestion.IndexService
	Coordinator  *query.Coordinator
	AuthManager  *auth.Manager
	Registry     *session.Registry
	ChatStore    chat.Store

	// TxProvider はpostgresバックエンドの場合のみ非nil
	TxProvider *database.TransactionProvider

	// IndexFactory はpostgresバックエンドでは世代の後始末にも使う
	IndexFactory ingestion.IndexFactory

	logger   *slog.Logger
	database *database.DB
}

type containerOptions struct {
	logger       *slog.Logger
	embedder     ingestion.Embedder
	generator    query.Generator
	completer    query.Completer
	userStore    auth.UserStore
	sessionStore auth.SessionStore
	chatStore    chat.Store
	activityLog  auth.ActivityLog
	indexFactory ingestion.IndexFactory
}

// ContainerOption は ServiceContainer 構築時のオプション
type ContainerOption func(*containerOptions)

// WithContainerLogger はロガーを差し替える
func WithContainerLogger(logger *slog.Logger) ContainerOption {
	return func(opts *containerOptions) {
		opts.logger = logger
	}
}

// WithContainerEmbedder はカスタム Embedder を注入する
func WithContainerEmbedder(embedder ingestion.Embedder) ContainerOption {
	return func(opts *containerOptions) {
		opts.embedder = embedder
	}
}

// WithContainerGenerator は回答生成器を差し替える
func WithContainerGenerator(generator query.Generator) ContainerOption {
	return func(opts *containerOptions) {
		opts.generator = generator
	}
}

// WithContainerCompleter は一括生成器を差し替える
func WithContainerCompleter(completer query.Completer) ContainerOption {
	return func(opts *containerOptions) {
		opts.completer = completer
	}
}

// WithContainerUserStore はユーザーストアを差し替える
func WithContainerUserStore(store auth.UserStore) ContainerOption {
	return func(opts *containerOptions) {
		opts.userStore = store
	}
}

// WithContainerSessionStore はセッションストアを差し替える
func WithContainerSessionStore(store auth.SessionStore) ContainerOption {
	return func(opts *containerOptions) {
		opts.sessionStore = store
	}
}

// WithContainerChatStore は問答履歴ストアを差し替える
func WithContainerChatStore(store chat.Store) ContainerOption {
	return func(opts *containerOptions) {
		opts.chatStore = store
	}
}

// WithContainerActivityLog は操作ログを差し替える
func WithContainerActivityLog(log auth.ActivityLog) ContainerOption {
	return func(opts *containerOptions) {
		opts.activityLog = log
	}
}

// WithContainerIndexFactory はインデックスファクトリを差し替える
func WithContainerIndexFactory(factory ingestion.IndexFactory) ContainerOption {
	return func(opts *containerOptions) {
		opts.indexFactory = factory
	}
}

// NewContainer は設定からコンテナを生成する
func NewContainer(ctx context.Context, cfg *config.Config, opts ...ContainerOption) (*ServiceContainer, error) {
	options := containerOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}

	// Embedder (OpenAI)
	embedder := options.embedder
	if embedder == nil {
		embedder = openai.NewEmbedder(
			cfg.OpenAI.APIKey,
			openai.WithEmbeddingModel(cfg.OpenAI.EmbeddingModel),
			openai.WithEmbeddingDimension(cfg.OpenAI.EmbeddingDimension),
		)
	}

	// Generator (OpenAI)
	generator := options.generator
	completer := options.completer
	if generator == nil {
		openaiGen, err := openai.NewGenerator(
			cfg.OpenAI.APIKey,
			openai.WithChatModel(cfg.OpenAI.ChatModel),
			openai.WithTemperature(cfg.OpenAI.Temperature),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize generator: %w", err)
		}
		generator = openaiGen
		if completer == nil {
			completer = openaiGen
		}
	}

	// 永続化レイヤ（バックエンドに応じて切り替え）
	var (
		db           *database.DB
		txProvider   *database.TransactionProvider
		userStore    = options.userStore
		sessionStore = options.sessionStore
		chatStore    = options.chatStore
		activityLog  = options.activityLog
		indexFactory = options.indexFactory
	)

	switch cfg.VectorBackend {
	case config.VectorBackendPostgres:
		var err error
		db, err = database.New(ctx, database.ConnectionParams{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		if err := postgres.EnsureSchema(ctx, db.Pool, embedder.Dimension()); err != nil {
			db.Close()
			return nil, err
		}

		txProvider = database.NewTransactionProvider(db.Pool)
		if userStore == nil {
			userStore = postgres.NewUserStore(db.Pool)
		}
		if sessionStore == nil {
			sessionStore = postgres.NewSessionStore(db.Pool)
		}
		if chatStore == nil {
			chatStore = postgres.NewChatStore(db.Pool)
		}
		if activityLog == nil {
			activityLog = postgres.NewActivityLog(db.Pool)
		}
		if indexFactory == nil {
			indexFactory = postgres.NewIndexFactory(db.Pool)
		}

	default: // memory
		if userStore == nil {
			userStore = userfile.NewStore(cfg.UsersFile)
		}
		if sessionStore == nil {
			// 永続化先がないため再起動後のセッションは常に無効
			sessionStore = auth.RejectAllSessionStore{}
		}
		if chatStore == nil {
			chatStore = chat.NopStore{}
		}
		if activityLog == nil {
			activityLog = auth.NopActivityLog{}
		}
		if indexFactory == nil {
			indexFactory = memory.NewFactory()
		}
	}

	// Splitter (tiktoken)
	splitter, err := chunk.NewSplitter(
		chunk.WithChunkSize(cfg.Retrieval.ChunkSize),
		chunk.WithChunkOverlap(cfg.Retrieval.ChunkOverlap),
	)
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, fmt.Errorf("failed to initialize splitter: %w", err)
	}

	loader := ingestion.NewLoader(options.logger)

	indexService := ingestion.NewIndexService(
		loader,
		splitter,
		embedder,
		indexFactory,
		ingestion.WithIndexLogger(options.logger),
	)

	registry := session.NewRegistry()

	authManager := auth.NewManager(
		userStore,
		sessionStore,
		registry,
		auth.WithSessionExpiry(time.Duration(cfg.Auth.SessionExpiryMinutes)*time.Minute),
		auth.WithMaxLoginAttempts(cfg.Auth.MaxLoginAttempts),
		auth.WithLoginCooldown(time.Duration(cfg.Auth.CooldownMinutes)*time.Minute),
		auth.WithActivityLog(activityLog),
		auth.WithAuthLogger(options.logger),
	)

	coordinator := query.NewCoordinator(
		embedder,
		generator,
		chatStore,
		query.WithCompleter(completer),
		query.WithTopK(cfg.Retrieval.TopK),
		query.WithCoordinatorLogger(options.logger),
	)

	return &ServiceContainer{
		Config:       cfg,
		IndexService: indexService,
		Coordinator:  coordinator,
		AuthManager:  authManager,
		Registry:     registry,
		ChatStore:    chatStore,
		TxProvider:   txProvider,
		IndexFactory: indexFactory,
		logger:       options.logger,
		database:     db,
	}, nil
}

// Logger はコンテナのロガーを返す
func (c *ServiceContainer) Logger() *slog.Logger {
	if c == nil || c.logger == nil {
		return slog.Default()
	}
	return c.logger
}

// Close は内部リソースを解放する
func (c *ServiceContainer) Close() {
	if c != nil && c.database != nil {
		c.database.Close()
	}
}
