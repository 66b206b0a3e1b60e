package config

import (
	"log"
	"os"
	"strconv"
	"strings"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Account
	UserID         string
	InitialBalance float64

	// Feed
	FeedMode string // "sim" or "binance"
	Symbols  string // comma-separated, e.g. "BTCUSDT,ETHUSDT"

	// Infrastructure
	RedisAddr     string // empty disables the ticker cache
	RedisPassword string
	SQLitePath    string
	MetricsAddr   string
	APIAddr       string

	// Sentiment inputs for the composite scorer. Opaque numbers: the
	// simulator never fetches them itself. Updatable at runtime via
	// PUT /api/v1/sentiment.
	FearGreed float64 // 0..100, 50 = neutral
	NewsScore float64 // -1..1, 0 = neutral

	// Notifications
	TelegramBotToken string
	TelegramChatID   string
	WebhookURL       string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		UserID:         getEnv("SIM_USER_ID", "local"),
		InitialBalance: getEnvFloat("INITIAL_BALANCE", 10000),

		FeedMode: getEnv("FEED_MODE", "sim"),
		Symbols:  getEnv("SYMBOLS", "BTCUSDT,ETHUSDT"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		SQLitePath:    getEnv("SQLITE_PATH", "data/perpsim.db"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		APIAddr:       getEnv("API_ADDR", ":8080"),

		FearGreed: getEnvFloatSigned("FEAR_GREED", 50),
		NewsScore: getEnvFloatSigned("NEWS_SCORE", 0),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
		WebhookURL:       getEnv("WEBHOOK_URL", ""),
	}
}

// ParseSymbols splits the Symbols string into a clean list.
func (c *Config) ParseSymbols() []string {
	parts := strings.Split(c.Symbols, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		log.Printf("[config] invalid value for %s: %q, using default %v", key, v, fallback)
		return fallback
	}
	return f
}

// getEnvFloatSigned is getEnvFloat for values where zero and negatives
// are meaningful (sentiment scores).
func getEnvFloatSigned(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("[config] invalid value for %s: %q, using default %v", key, v, fallback)
		return fallback
	}
	return f
}
