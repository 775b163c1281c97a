package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"bingorelay/internal/app"
	"bingorelay/internal/config"
)

var version = "dev"

func main() {
	cliApp := &cli.App{
		Name:    "bingorelay",
		Usage:   "real-time fan-out relay for bingo game sessions",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "host",
				Value:   "0.0.0.0",
				Usage:   "listen address",
				EnvVars: []string{"HOST"},
			},
			&cli.IntFlag{
				Name:    "port",
				Value:   8080,
				Usage:   "listen port",
				EnvVars: []string{"PORT"},
			},
			&cli.StringFlag{
				Name:    "env",
				Value:   "development",
				Usage:   "environment name",
				EnvVars: []string{"RELAY_ENV"},
			},
			&cli.StringFlag{
				Name:    "allowed-origins",
				Value:   "http://localhost:5173",
				Usage:   "comma-separated browser origin allow-list",
				EnvVars: []string{"ALLOWED_ORIGINS"},
			},
			&cli.StringFlag{
				Name:    "authority-url",
				Value:   "http://localhost:5173",
				Usage:   "base URL of the session authority",
				EnvVars: []string{"API_URL"},
			},
			&cli.IntFlag{
				Name:    "max-connections-per-ip",
				Value:   10,
				Usage:   "concurrent connection cap per client IP",
				EnvVars: []string{"MAX_CONNECTIONS_PER_IP"},
			},
			&cli.IntFlag{
				Name:    "rate-limit",
				Value:   60,
				Usage:   "messages per minute allowed per client IP",
				EnvVars: []string{"RATE_LIMIT_MESSAGES_PER_MINUTE"},
			},
			&cli.DurationFlag{
				Name:    "heartbeat-interval",
				Value:   30 * time.Second,
				Usage:   "liveness probe interval",
				EnvVars: []string{"HEARTBEAT_INTERVAL"},
			},
			&cli.DurationFlag{
				Name:    "heartbeat-timeout",
				Value:   60 * time.Second,
				Usage:   "worst-case dead-peer detection latency",
				EnvVars: []string{"HEARTBEAT_TIMEOUT"},
			},
			&cli.DurationFlag{
				Name:    "session-cache-ttl",
				Value:   time.Minute,
				Usage:   "how long authority snapshots stay trusted",
				EnvVars: []string{"SESSION_CACHE_TTL"},
			},
		},
		Action: run,
	}

	if err := cliApp.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg := config.Default()
	cfg.Host = c.String("host")
	cfg.Port = c.Int("port")
	cfg.Environment = c.String("env")
	cfg.AllowedOrigins = config.ParseOrigins(c.String("allowed-origins"))
	cfg.AuthorityURL = c.String("authority-url")
	cfg.MaxConnectionsPerIP = c.Int("max-connections-per-ip")
	cfg.RateLimitPerMinute = c.Int("rate-limit")
	cfg.HeartbeatInterval = c.Duration("heartbeat-interval")
	cfg.HeartbeatTimeout = c.Duration("heartbeat-timeout")
	cfg.SessionCacheTTL = c.Duration("session-cache-ttl")

	logger := newLogger(cfg.Environment)

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(cfg, logger)
	if err != nil {
		return err
	}
	return application.Run(ctx)
}

func newLogger(environment string) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().
		Timestamp().
		Str("service", "bingorelay").
		Str("version", version).
		Logger()
	if environment == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	return logger
}
