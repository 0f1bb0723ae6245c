package storage

import (
	"errors"
	"strings"

	logx "kidbot/pkg/logx"
)

// Open initializes the configured store. An empty driver selects the memory store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "memory", "none":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql", "pg":
		return openPostgres(cfg, log)
	case "redis":
		return openRedis(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// Drivers lists the accepted driver names.
func Drivers() []string {
	return []string{"memory", "sqlite", "postgres", "redis"}
}
