package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"possettle/backend/internal/money"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	EventsChannel         string
	TaxRatePercent        decimal.Decimal
	AllowNegativeStock    bool
	InvoicePrefix         string
	InvoiceSeqDigits      int
	InvoiceLockTTLSeconds int
	AuthSecret            string
	AccessTokenTTLMinutes int
	OTLPEndpoint          string
	ServiceName           string
}

// Load reads the environment, after merging a .env file when one exists.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("[config] WARN: .env not loaded: %v", err)
	}

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}
	digits, err := strconv.Atoi(getEnv("INVOICE_SEQ_DIGITS", "4"))
	if err != nil || digits < 1 || digits > 12 {
		digits = 4
	}
	lockTTL, err := strconv.Atoi(getEnv("INVOICE_LOCK_TTL_SECONDS", "10"))
	if err != nil || lockTTL < 1 {
		lockTTL = 10
	}
	allowNegative, err := strconv.ParseBool(getEnv("ALLOW_NEGATIVE_STOCK", "false"))
	if err != nil {
		allowNegative = false
	}
	taxRate, err := money.ParseRate(os.Getenv("TAX_RATE_PERCENT"))
	if err != nil {
		return Config{}, fmt.Errorf("TAX_RATE_PERCENT: %w", err)
	}

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		EventsChannel:         getEnv("EVENTS_CHANNEL", "pos:events"),
		TaxRatePercent:        taxRate,
		AllowNegativeStock:    allowNegative,
		InvoicePrefix:         getEnv("INVOICE_PREFIX", "INV"),
		InvoiceSeqDigits:      digits,
		InvoiceLockTTLSeconds: lockTTL,
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ServiceName:           getEnv("SERVICE_NAME", "possettle"),
	}

	return cfg, nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
