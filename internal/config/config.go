package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"securechat/internal/security"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds process settings. Values come from, in increasing priority:
// built-in defaults, the TOML file named by CHAT_CONFIG_FILE, the environment
// (including a .env file in the working directory).
type Config struct {
	AppName string `toml:"app_name"`
	Env     string `toml:"env"`
	Host    string `toml:"host"`
	Port    int    `toml:"port"`

	DBDriver    string `toml:"db_driver"`
	DatabaseURL string `toml:"database_url"`
	SQLitePath  string `toml:"sqlite_path"`

	JWTSecret          string `toml:"jwt_secret"`
	AccessTokenMinutes int    `toml:"access_token_minutes"`
	EncryptKey         string `toml:"encryption_key"`

	KDFTime        uint32 `toml:"kdf_time"`
	KDFMemoryKiB   uint32 `toml:"kdf_memory_kib"`
	KDFThreads     uint8  `toml:"kdf_threads"`
	RSABits        int    `toml:"rsa_bits"`
	KeyPairDays    int    `toml:"key_pair_days"`
	BcryptCost     int    `toml:"bcrypt_cost"`
	TypingWindowMS int    `toml:"typing_window_ms"`

	SocketEventsPerSecond float64 `toml:"socket_events_per_second"`
	SocketBurst           int     `toml:"socket_burst"`

	UploadDir      string `toml:"upload_dir"`
	MaxUploadBytes int64  `toml:"max_upload_bytes"`

	CORSOrigins []string `toml:"cors_origins"`
	LogLevel    string   `toml:"log_level"`
}

func defaults() *Config {
	kdf := security.DefaultKDFParams()
	return &Config{
		AppName:               "securechat",
		Env:                   "development",
		Host:                  "0.0.0.0",
		Port:                  8000,
		DBDriver:              DriverSQLite,
		SQLitePath:            "securechat.db",
		AccessTokenMinutes:    60 * 24,
		KDFTime:               kdf.Time,
		KDFMemoryKiB:          kdf.MemoryKiB,
		KDFThreads:            kdf.Threads,
		RSABits:               security.DefaultRSABits,
		KeyPairDays:           365,
		BcryptCost:            12,
		TypingWindowMS:        3000,
		SocketEventsPerSecond: 20,
		SocketBurst:           40,
		UploadDir:             "uploads",
		MaxUploadBytes:        10 << 20,
		CORSOrigins:           []string{"http://localhost:3000", "http://localhost:5173"},
		LogLevel:              "info",
	}
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := defaults()
	if path := os.Getenv("CHAT_CONFIG_FILE"); path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg.AppName = getEnv("APP_NAME", cfg.AppName)
	cfg.Env = getEnv("APP_ENV", cfg.Env)
	cfg.Host = getEnv("HTTP_HOST", cfg.Host)
	cfg.Port = getEnvAsInt("HTTP_PORT", cfg.Port)

	cfg.DBDriver = strings.ToLower(getEnv("DB_DRIVER", cfg.DBDriver))
	cfg.SQLitePath = getEnv("SQLITE_PATH", cfg.SQLitePath)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	if cfg.DBDriver == DriverPostgres && cfg.DatabaseURL == "" {
		cfg.DatabaseURL = postgresURLFromEnv()
	}

	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)
	cfg.AccessTokenMinutes = getEnvAsInt("ACCESS_TOKEN_EXPIRE_MINUTES", cfg.AccessTokenMinutes)
	cfg.EncryptKey = getEnv("ENCRYPTION_KEY", cfg.EncryptKey)

	cfg.KDFTime = uint32(getEnvAsInt("KDF_TIME", int(cfg.KDFTime)))
	cfg.KDFMemoryKiB = uint32(getEnvAsInt("KDF_MEMORY_KIB", int(cfg.KDFMemoryKiB)))
	cfg.KDFThreads = uint8(getEnvAsInt("KDF_THREADS", int(cfg.KDFThreads)))
	cfg.RSABits = getEnvAsInt("RSA_BITS", cfg.RSABits)
	cfg.KeyPairDays = getEnvAsInt("KEY_PAIR_DAYS", cfg.KeyPairDays)
	cfg.BcryptCost = getEnvAsInt("BCRYPT_COST", cfg.BcryptCost)
	cfg.TypingWindowMS = getEnvAsInt("TYPING_WINDOW_MS", cfg.TypingWindowMS)

	cfg.SocketEventsPerSecond = getEnvAsFloat("SOCKET_EVENTS_PER_SECOND", cfg.SocketEventsPerSecond)
	cfg.SocketBurst = getEnvAsInt("SOCKET_BURST", cfg.SocketBurst)
	cfg.UploadDir = getEnv("UPLOAD_DIR", cfg.UploadDir)
	cfg.MaxUploadBytes = int64(getEnvAsInt("MAX_UPLOAD_BYTES", int(cfg.MaxUploadBytes)))
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)

	if cors := getEnv("CORS_ORIGINS", ""); cors != "" {
		parts := strings.Split(cors, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		cfg.CORSOrigins = parts
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required secrets and value ranges.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.EncryptKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required")
	}
	switch c.DBDriver {
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}
	if c.RSABits < 2048 {
		return fmt.Errorf("RSA_BITS must be at least 2048, got %d", c.RSABits)
	}
	if c.KDFTime == 0 || c.KDFMemoryKiB == 0 || c.KDFThreads == 0 {
		return fmt.Errorf("KDF parameters must be positive")
	}
	if c.KeyPairDays <= 0 {
		return fmt.Errorf("KEY_PAIR_DAYS must be positive")
	}
	if c.TypingWindowMS <= 0 {
		return fmt.Errorf("TYPING_WINDOW_MS must be positive")
	}
	return nil
}

func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *Config) KDFParams() security.KDFParams {
	return security.KDFParams{Time: c.KDFTime, MemoryKiB: c.KDFMemoryKiB, Threads: c.KDFThreads}
}

func (c *Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenMinutes) * time.Minute
}

func (c *Config) KeyPairLifetime() time.Duration {
	return time.Duration(c.KeyPairDays) * 24 * time.Hour
}

func (c *Config) TypingWindow() time.Duration {
	return time.Duration(c.TypingWindowMS) * time.Millisecond
}

func postgresURLFromEnv() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(getEnv("POSTGRES_USER", "postgres"), getEnv("POSTGRES_PASSWORD", "postgres")),
		Host:     fmt.Sprintf("%s:%s", getEnv("POSTGRES_HOST", "localhost"), getEnv("POSTGRES_PORT", "5432")),
		Path:     getEnv("POSTGRES_DB", "securechat"),
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvAsInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvAsFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
