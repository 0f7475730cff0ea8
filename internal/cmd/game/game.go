// Package game parses game command flags and starts the engine runtime.
package game

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"strconv"

	entrypoint "github.com/louisbranch/loremaster/internal/platform/cmd"
	platformgrpc "github.com/louisbranch/loremaster/internal/platform/grpc"
	"github.com/louisbranch/loremaster/internal/platform/otel"
	"github.com/louisbranch/loremaster/internal/platform/timeouts"
	server "github.com/louisbranch/loremaster/internal/services/game/app"
)

// Config holds game command configuration.
type Config struct {
	Port int    `env:"GAME_PORT" envDefault:"8082"`
	Addr string `env:"GAME_ADDR"`

	Engine    server.Config
	Telemetry otel.Config

	// HealthCheck probes a running server instead of starting one.
	HealthCheck bool
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The game server port")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "The game server listen address (overrides -port)")
	fs.StringVar(&cfg.Engine.EventLogPath, "event-log", cfg.Engine.EventLogPath, "Path of the persisted event window")
	fs.StringVar(&cfg.Engine.EventLogBackend, "backend", cfg.Engine.EventLogBackend, "Event log backend: json or sqlite")
	fs.StringVar(&cfg.Engine.SagaTemplateDir, "saga-templates", cfg.Engine.SagaTemplateDir, "Directory of additional saga template YAML files")
	fs.BoolVar(&cfg.HealthCheck, "healthcheck", false, "Check the health of a running server and exit")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the game engine server, or probes one when HealthCheck is set.
func Run(ctx context.Context, cfg Config) error {
	if cfg.HealthCheck {
		return checkHealth(ctx, cfg)
	}
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceGame, cfg.Telemetry, func(context.Context) error {
		if cfg.Addr != "" {
			return server.RunWithAddr(ctx, cfg.Engine, cfg.Addr)
		}
		return server.Run(ctx, cfg.Engine, cfg.Port)
	})
}

func checkHealth(ctx context.Context, cfg Config) error {
	addr := dialAddr(cfg)
	conn, err := platformgrpc.DialWithHealth(ctx, nil, addr, server.JournalHealthService, timeouts.Shutdown, nil)
	if err != nil {
		return fmt.Errorf("health check %s: %w", addr, err)
	}
	log.Printf("%s is serving", addr)
	return conn.Close()
}

func dialAddr(cfg Config) string {
	if cfg.Addr == "" {
		return net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.Port))
	}
	host, port, err := net.SplitHostPort(cfg.Addr)
	if err != nil || host != "" {
		return cfg.Addr
	}
	return net.JoinHostPort("127.0.0.1", port)
}
