package config

import (
	"os"
	"strconv"
)

type CreditsConfig struct {
	SeedBalance           int64
	MinorUnitsPerCredit   int64
	AllowNegativeOnRefund bool
	HistoryDefaultLimit   int
	HistoryMaxLimit       int
	WebhookSecret         string
}

func LoadCreditsConfig() *CreditsConfig {
	return &CreditsConfig{
		SeedBalance:           getEnvAsInt64("CREDITS_SEED_BALANCE", 50),
		MinorUnitsPerCredit:   getEnvAsInt64("CREDITS_MINOR_UNITS_PER_CREDIT", 5),
		AllowNegativeOnRefund: getEnvAsBool("CREDITS_ALLOW_NEGATIVE_ON_REFUND", false),
		HistoryDefaultLimit:   getEnvAsInt("CREDITS_HISTORY_DEFAULT_LIMIT", 20),
		HistoryMaxLimit:       getEnvAsInt("CREDITS_HISTORY_MAX_LIMIT", 100),
		WebhookSecret:         getEnv("PAYMENT_WEBHOOK_SECRET", ""),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.ParseInt(val, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if boolVal, err := strconv.ParseBool(val); err == nil {
			return boolVal
		}
	}
	return defaultVal
}
