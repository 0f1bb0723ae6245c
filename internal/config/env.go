package config

import "strings"

// Environment variables that override secrets in the file when set and non-empty.
const (
	EnvTelegramToken = "KIDBOT_TELEGRAM_TOKEN"
	EnvStorageDSN    = "KIDBOT_STORAGE_DSN"
	EnvRedisPassword = "KIDBOT_REDIS_PASSWORD"
	EnvHTTPToken     = "KIDBOT_HTTP_TOKEN"
)

// ApplyEnv copies secrets from the environment into cfg. lookup is usually os.LookupEnv.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if cfg == nil || lookup == nil {
		return
	}
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(&cfg.Telegram.Token, EnvTelegramToken)
	set(&cfg.Storage.DSN, EnvStorageDSN)
	set(&cfg.Storage.Redis.Password, EnvRedisPassword)
	set(&cfg.HTTP.Token, EnvHTTPToken)
}
