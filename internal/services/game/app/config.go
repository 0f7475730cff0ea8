package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/loremaster/internal/services/game/domain/saga"
	"github.com/louisbranch/loremaster/internal/services/game/storage"
)

// Event log backends.
const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
)

// Config controls engine storage and background loops. Tags are read with
// the LOREMASTER_ prefix by the command layer.
type Config struct {
	EventLogPath    string `env:"EVENT_LOG_PATH" envDefault:"data/events.json"`
	EventLogBackend string `env:"EVENT_LOG_BACKEND" envDefault:"json"`
	EventWindow     int    `env:"EVENT_WINDOW" envDefault:"1000"`
	// AuditDBPath enables the SQLite audit store; empty keeps decisions in
	// memory.
	AuditDBPath string `env:"AUDIT_DB_PATH"`

	SagaTemplateDir   string        `env:"SAGA_TEMPLATE_DIR"`
	SagaMaxArchived   int           `env:"SAGA_MAX_ARCHIVED" envDefault:"1000"`
	SagaMaxAge        time.Duration `env:"SAGA_MAX_AGE" envDefault:"24h"`
	SagaPruneInterval time.Duration `env:"SAGA_PRUNE_INTERVAL" envDefault:"1m"`

	HealthInterval time.Duration `env:"HEALTH_INTERVAL" envDefault:"5s"`
}

// DefaultConfig mirrors the env defaults for callers that build a Config in
// code.
func DefaultConfig() Config {
	return Config{
		EventLogPath:      "data/events.json",
		EventLogBackend:   BackendJSON,
		EventWindow:       storage.DefaultWindow,
		SagaMaxArchived:   saga.DefaultRetention.MaxArchived,
		SagaMaxAge:        saga.DefaultRetention.MaxAge,
		SagaPruneInterval: time.Minute,
		HealthInterval:    5 * time.Second,
	}
}

// Validate normalizes the backend name and rejects unusable values.
func (c *Config) Validate() error {
	c.EventLogBackend = strings.ToLower(strings.TrimSpace(c.EventLogBackend))
	if c.EventLogBackend == "" {
		c.EventLogBackend = BackendJSON
	}
	switch c.EventLogBackend {
	case BackendJSON, BackendSQLite:
	default:
		return fmt.Errorf("unsupported event log backend %q", c.EventLogBackend)
	}
	if strings.TrimSpace(c.EventLogPath) == "" {
		return fmt.Errorf("event log path is required")
	}
	if c.EventWindow < 0 {
		return fmt.Errorf("event window must not be negative")
	}
	if c.SagaMaxArchived < 0 || c.SagaMaxAge < 0 {
		return fmt.Errorf("saga retention must not be negative")
	}
	return nil
}

func (c Config) retention() saga.Retention {
	return saga.Retention{MaxArchived: c.SagaMaxArchived, MaxAge: c.SagaMaxAge}
}
