package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	API      APIConfig
	CORS     CORSConfig
	Media    MediaConfig
	Push     PushConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port string
	Env  string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret      string
	ExpiryHours int
	// DevTokens enables POST /auth/token; identity is otherwise external.
	DevTokens bool
}

type APIConfig struct {
	RateLimitMessagesPerSec int
	RateLimitBurst          int
}

type CORSConfig struct {
	AllowedOrigins []string
}

type MediaConfig struct {
	Dir            string
	PublicBaseURL  string
	MaxUploadBytes int64
}

type PushConfig struct {
	NtfyBaseURL    string
	TimeoutSeconds int
}

type LogConfig struct {
	Level  string
	Format string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	port := getEnv("PORT", "8080")
	origins := strings.Split(getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"), ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}

	cfg := &Config{
		Server: ServerConfig{
			Port: port,
			Env:  getEnv("ENV", "development"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "alicas"),
			Password: getEnv("DB_PASSWORD", "alicas_password"),
			DBName:   getEnv("DB_NAME", "alicas_db"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-this-secret-key"),
			ExpiryHours: getEnvInt("JWT_EXPIRY_HOURS", 168),
			DevTokens:   getEnvBool("DEV_TOKENS", false),
		},
		API: APIConfig{
			RateLimitMessagesPerSec: getEnvInt("RATE_LIMIT_MESSAGES_PER_SECOND", 10),
			RateLimitBurst:          getEnvInt("RATE_LIMIT_BURST", 10),
		},
		CORS: CORSConfig{
			AllowedOrigins: origins,
		},
		Media: MediaConfig{
			Dir:            getEnv("MEDIA_DIR", "./data/media"),
			PublicBaseURL:  strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:"+port), "/"),
			MaxUploadBytes: int64(getEnvInt("MEDIA_MAX_UPLOAD_MB", 20)) << 20,
		},
		Push: PushConfig{
			NtfyBaseURL:    getEnv("NTFY_BASE_URL", ""),
			TimeoutSeconds: getEnvInt("NTFY_TIMEOUT_SECONDS", 10),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", ""),
		},
	}

	// Validate required fields
	if cfg.Server.Env == "production" {
		if cfg.JWT.Secret == "change-this-secret-key" {
			return nil, fmt.Errorf("JWT_SECRET must be set in production")
		}
		if cfg.JWT.DevTokens {
			return nil, fmt.Errorf("DEV_TOKENS cannot be enabled in production")
		}
	}
	if cfg.Media.MaxUploadBytes <= 0 {
		return nil, fmt.Errorf("MEDIA_MAX_UPLOAD_MB must be positive")
	}

	return cfg, nil
}

// GetDSN returns the database connection string
func (c *Config) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.DBName,
		c.Database.SSLMode,
	)
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.Redis.Host, c.Redis.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return value
}
