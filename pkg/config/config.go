package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持します
type Config struct {
	// Database設定
	Database DatabaseConfig

	// OpenAI設定（Embeddings + 回答生成）
	OpenAI OpenAIConfig

	// チャンク化・検索設定
	Retrieval RetrievalConfig

	// 認証設定
	Auth AuthConfig

	// ベクトルインデックスのバックエンド（"memory" または "postgres"）
	VectorBackend string

	// HTTPサーバのリッスンアドレス
	HTTPAddr string

	// ファイルベースのユーザーストアのパス（DBを使わない場合）
	UsersFile string
}

// DatabaseConfig はデータベース接続設定
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// OpenAIConfig はOpenAI API設定
type OpenAIConfig struct {
	APIKey             string
	EmbeddingModel     string
	EmbeddingDimension int
	ChatModel          string
	Temperature        float64
}

// RetrievalConfig はチャンク化と近傍検索の設定
type RetrievalConfig struct {
	ChunkSize    int // チャンクあたりのトークン数
	ChunkOverlap int // 隣接チャンク間の重複トークン数
	TopK         int // 検索で取り出すチャンク数
}

// AuthConfig は認証・セッション設定
type AuthConfig struct {
	SessionExpiryMinutes int
	MaxLoginAttempts     int
	CooldownMinutes      int
	AdminUsername        string
	AdminPassword        string
}

// VectorBackend の既知の値
const (
	VectorBackendMemory   = "memory"
	VectorBackendPostgres = "postgres"
)

// Load は環境変数または.envファイルから設定を読み込みます
func Load(envFilePath string) (*Config, error) {
	// .envファイルが存在する場合は読み込む
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			// ファイルが存在しない場合はエラーとしない（環境変数のみで動作可能）
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load .env file: %w", err)
			}
		}
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "qnachat"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "qnachat"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		OpenAI: OpenAIConfig{
			APIKey:             getEnv("OPENAI_API_KEY", ""),
			EmbeddingModel:     getEnv("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small"),
			EmbeddingDimension: getEnvAsInt("OPENAI_EMBEDDING_DIMENSION", 1536),
			ChatModel:          getEnv("OPENAI_CHAT_MODEL", "gpt-4o-mini"),
			Temperature:        getEnvAsFloat("OPENAI_TEMPERATURE", 0.2),
		},
		Retrieval: RetrievalConfig{
			ChunkSize:    getEnvAsInt("CHUNK_SIZE", 500),
			ChunkOverlap: getEnvAsInt("CHUNK_OVERLAP", 50),
			TopK:         getEnvAsInt("RETRIEVAL_TOP_K", 20),
		},
		Auth: AuthConfig{
			SessionExpiryMinutes: getEnvAsInt("SESSION_EXPIRY_MINUTES", 30),
			MaxLoginAttempts:     getEnvAsInt("MAX_LOGIN_ATTEMPTS", 5),
			CooldownMinutes:      getEnvAsInt("LOGIN_COOLDOWN_MINUTES", 15),
			AdminUsername:        getEnv("ADMIN_USERNAME", "admin"),
			AdminPassword:        getEnv("ADMIN_PASSWORD", ""),
		},
		VectorBackend: getEnv("VECTOR_BACKEND", VectorBackendMemory),
		HTTPAddr:      getEnv("HTTP_ADDR", ":8080"),
		UsersFile:     getEnv("USERS_FILE", "users.yaml"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.VectorBackend {
	case VectorBackendMemory, VectorBackendPostgres:
	default:
		return fmt.Errorf("invalid VECTOR_BACKEND: %q (must be %q or %q)",
			c.VectorBackend, VectorBackendMemory, VectorBackendPostgres)
	}

	if c.Retrieval.ChunkSize <= 0 {
		return fmt.Errorf("CHUNK_SIZE must be positive: %d", c.Retrieval.ChunkSize)
	}
	if c.Retrieval.ChunkOverlap < 0 || c.Retrieval.ChunkOverlap >= c.Retrieval.ChunkSize {
		return fmt.Errorf("CHUNK_OVERLAP must be in [0, CHUNK_SIZE): %d", c.Retrieval.ChunkOverlap)
	}
	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("RETRIEVAL_TOP_K must be positive: %d", c.Retrieval.TopK)
	}
	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt は環境変数を整数として取得します
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat は環境変数を浮動小数点数として取得します
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}
