package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                   string
	DatabaseDriver         string
	DatabaseURL            string
	MigrateOnStart         bool
	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	InvoiceCacheTTLSeconds int
	InvoiceLockTimeoutMS   int
	AllowNegativeStock     bool
	AuthSecret             string
	AccessTokenTTLMinutes  int
	BootstrapShopName      string
	BootstrapAdminPassword string
}

// Load reads a .env file when one exists, then the process environment.
// Variables already set in the environment win over the file.
func Load() Config {
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	cfg := Config{
		Port:                   getEnv("PORT", "8080"),
		DatabaseDriver:         strings.ToLower(getEnv("DATABASE_DRIVER", "postgres")),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		MigrateOnStart:         getBool("MIGRATE_ON_START", false),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		RedisPassword:          os.Getenv("REDIS_PASSWORD"),
		RedisDB:                redisDB,
		InvoiceCacheTTLSeconds: getPositiveInt("INVOICE_CACHE_TTL_SECONDS", 600),
		InvoiceLockTimeoutMS:   getPositiveInt("INVOICE_LOCK_TIMEOUT_MS", 5000),
		AllowNegativeStock:     getBool("ALLOW_NEGATIVE_STOCK", true),
		AuthSecret:             strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:  getPositiveInt("ACCESS_TOKEN_TTL_MINUTES", 480),
		BootstrapShopName:      strings.TrimSpace(os.Getenv("BOOTSTRAP_SHOP_NAME")),
		BootstrapAdminPassword: os.Getenv("BOOTSTRAP_ADMIN_PASSWORD"),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) InvoiceLockTimeout() time.Duration {
	return time.Duration(c.InvoiceLockTimeoutMS) * time.Millisecond
}

func (c Config) InvoiceCacheTTL() time.Duration {
	return time.Duration(c.InvoiceCacheTTLSeconds) * time.Second
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getPositiveInt(key string, fallback int) int {
	val, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || val < 1 {
		return fallback
	}
	return val
}

func getBool(key string, fallback bool) bool {
	val, err := strconv.ParseBool(getEnv(key, strconv.FormatBool(fallback)))
	if err != nil {
		return fallback
	}
	return val
}
