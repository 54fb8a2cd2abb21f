package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/markb/boardsync/internal/db"
	"github.com/markb/boardsync/internal/log"
	"github.com/markb/boardsync/internal/observability"
	"github.com/markb/boardsync/internal/realtime"
	"github.com/markb/boardsync/internal/server"
)

const envPrefix = "BOARDSYNC_"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the boardsync server",
	Long:  `Starts the HTTP server with the realtime websocket hub and its publish endpoints.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath, _ := cmd.Flags().GetString("db")
		port, _ := cmd.Flags().GetInt("port")
		host, _ := cmd.Flags().GetString("host")

		if err := log.Init(buildLogConfig(cmd)); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}

		jwtSecret := os.Getenv(envPrefix + "JWT_SECRET")
		if jwtSecret == "" {
			return fmt.Errorf("%sJWT_SECRET is not set (run 'boardsync keys generate')", envPrefix)
		}

		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			return fmt.Errorf("database not found at %s. Run 'boardsync init' first", dbPath)
		}

		database, err := db.New(dbPath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer database.Close()

		// Run migrations in case schema is outdated
		if err := database.RunMigrations(); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		otelCfg := buildTelemetryConfig(cmd)
		tel, cleanup, err := observability.Init(ctx, otelCfg)
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		defer cleanup()

		rtCfg, err := buildRealtimeConfig(cmd)
		if err != nil {
			return err
		}

		srv, err := server.NewWithConfig(database, server.ServerConfig{
			JWTSecret:      jwtSecret,
			Realtime:       rtCfg,
			Telemetry:      tel,
			AllowedOrigins: stringSetting(cmd, "cors-origins", "CORS_ORIGINS", nil),
		})
		if err != nil {
			return err
		}

		addr := fmt.Sprintf("%s:%d", host, port)
		fmt.Printf("Starting boardsync on %s\n", addr)
		fmt.Printf("  Websocket: ws://%s/realtime/v1/websocket\n", addr)
		fmt.Printf("  Publish:   http://%s/realtime/v1/publish\n", addr)
		fmt.Printf("  Telemetry: %s\n", otelCfg.Exporter)

		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe(addr) }()

		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
		}

		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

// buildRealtimeConfig creates a realtime.Config from flags and environment.
// Priority: CLI flags > environment variables > defaults
func buildRealtimeConfig(cmd *cobra.Command) (realtime.Config, error) {
	cfg := realtime.DefaultConfig()
	var err error

	durations := []struct {
		flag, env string
		dst       *time.Duration
	}{
		{"heartbeat-interval", "HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval},
		{"resume-window", "RESUME_WINDOW", &cfg.ResumeWindow},
		{"access-timeout", "ACCESS_TIMEOUT", &cfg.AccessTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = durationSetting(cmd, d.flag, d.env, *d.dst); err != nil {
			return cfg, err
		}
	}

	ints := []struct {
		flag, env string
		dst       *int
	}{
		{"fanout-limit", "FANOUT_LIMIT", &cfg.FanoutLimit},
		{"queue-size", "QUEUE_SIZE", &cfg.QueueSize},
	}
	for _, i := range ints {
		if *i.dst, err = intSetting(cmd, i.flag, i.env, *i.dst); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// buildLogConfig creates a log.Config from environment variables and CLI flags.
func buildLogConfig(cmd *cobra.Command) *log.Config {
	cfg := log.DefaultConfig()

	if v := os.Getenv(envPrefix + "LOG_MODE"); v != "" {
		cfg.Mode = v
	}
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		cfg.Level = v
	}
	if v := os.Getenv(envPrefix + "LOG_FORMAT"); v != "" {
		cfg.Format = v
	}
	if v := os.Getenv(envPrefix + "LOG_FILE"); v != "" {
		cfg.FilePath = v
	}

	if v, _ := cmd.Flags().GetString("log-mode"); v != "" {
		cfg.Mode = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Level = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		cfg.Format = v
	}
	if v, _ := cmd.Flags().GetString("log-file"); v != "" {
		cfg.FilePath = v
	}
	if n, err := intSetting(cmd, "log-buffer-lines", "LOG_BUFFER_LINES", cfg.BufferLines); err == nil {
		cfg.BufferLines = n
	}
	return cfg
}

// buildTelemetryConfig creates an observability.Config from environment
// variables and CLI flags.
func buildTelemetryConfig(cmd *cobra.Command) *observability.Config {
	cfg := observability.NewConfig()

	if v := os.Getenv(envPrefix + "OTEL_EXPORTER"); v != "" {
		cfg.Exporter = v
	}
	if v := os.Getenv(envPrefix + "OTEL_ENDPOINT"); v != "" {
		cfg.Endpoint = v
	}
	if v := os.Getenv(envPrefix + "OTEL_SERVICE_NAME"); v != "" {
		cfg.ServiceName = v
	}
	if v := os.Getenv(envPrefix + "OTEL_SAMPLE_RATE"); v != "" {
		if rate, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.SampleRate = rate
		}
	}
	if v := os.Getenv(envPrefix + "OTEL_TRACES_ENABLED"); v != "" {
		cfg.TracesEnabled = v == "true" || v == "1"
	}

	if v, _ := cmd.Flags().GetString("otel-exporter"); v != "" {
		cfg.Exporter = v
	}
	if v, _ := cmd.Flags().GetString("otel-endpoint"); v != "" {
		cfg.Endpoint = v
	}
	if v, _ := cmd.Flags().GetString("otel-service-name"); v != "" {
		cfg.ServiceName = v
	}
	if cmd.Flags().Changed("otel-sample-rate") {
		cfg.SampleRate, _ = cmd.Flags().GetFloat64("otel-sample-rate")
	}
	if cmd.Flags().Changed("otel-traces") {
		cfg.TracesEnabled, _ = cmd.Flags().GetBool("otel-traces")
	}
	if cmd.Flags().Changed("otel-metrics") {
		cfg.MetricsEnabled, _ = cmd.Flags().GetBool("otel-metrics")
	}
	return cfg
}

func durationSetting(cmd *cobra.Command, flag, env string, def time.Duration) (time.Duration, error) {
	if cmd.Flags().Changed(flag) {
		return cmd.Flags().GetDuration(flag)
	}
	if v := os.Getenv(envPrefix + env); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return def, fmt.Errorf("invalid %s%s: %w", envPrefix, env, err)
		}
		return d, nil
	}
	return def, nil
}

func intSetting(cmd *cobra.Command, flag, env string, def int) (int, error) {
	if cmd.Flags().Changed(flag) {
		return cmd.Flags().GetInt(flag)
	}
	if v := os.Getenv(envPrefix + env); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return def, fmt.Errorf("invalid %s%s: %w", envPrefix, env, err)
		}
		return n, nil
	}
	return def, nil
}

func stringSetting(cmd *cobra.Command, flag, env string, def []string) []string {
	if cmd.Flags().Changed(flag) {
		v, _ := cmd.Flags().GetStringSlice(flag)
		return v
	}
	if v := os.Getenv(envPrefix + env); v != "" {
		return strings.Split(v, ",")
	}
	return def
}

func init() {
	rootCmd.AddCommand(serveCmd)
	addServeFlags(serveCmd)
}

func addServeFlags(cmd *cobra.Command) {
	cmd.Flags().String("db", "data.db", "Path to database file")
	cmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	cmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	cmd.Flags().StringSlice("cors-origins", nil, "Allowed CORS origins (default: any)")

	cmd.Flags().Duration("heartbeat-interval", 0, "Liveness sweep period (default 30s)")
	cmd.Flags().Duration("resume-window", 0, "How long a closed connection's channels stay resumable (default 2m)")
	cmd.Flags().Duration("access-timeout", 0, "Timeout for a single access check (default 5s)")
	cmd.Flags().Int("fanout-limit", 0, "Concurrent access checks per broadcast (default 64)")
	cmd.Flags().Int("queue-size", 0, "Publish queue capacity (default 1024)")

	cmd.Flags().String("log-mode", "", "Logging mode: console or file (default: console)")
	cmd.Flags().String("log-level", "", "Log level: debug, info, warn, error (default: info)")
	cmd.Flags().String("log-format", "", "Console log format: text or json (default: text)")
	cmd.Flags().String("log-file", "", "Log file path for file mode")
	cmd.Flags().Int("log-buffer-lines", 0, "Log lines kept for /realtime/v1/logs, 0 disables (default 500)")

	cmd.Flags().String("otel-exporter", "", "Telemetry exporter: none, stdout or otlp (default: none)")
	cmd.Flags().String("otel-endpoint", "", "OTLP collector endpoint (default: localhost:4317)")
	cmd.Flags().String("otel-service-name", "", "Service name reported to telemetry")
	cmd.Flags().Float64("otel-sample-rate", 0.1, "Trace sampling rate between 0 and 1")
	cmd.Flags().Bool("otel-traces", false, "Export traces")
	cmd.Flags().Bool("otel-metrics", true, "Export metrics")
}
