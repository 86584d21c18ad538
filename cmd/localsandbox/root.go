package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajaxzhan/localsandbox/internal/config"
	"github.com/ajaxzhan/localsandbox/internal/logging"
	"github.com/ajaxzhan/localsandbox/internal/metrics"
	"github.com/ajaxzhan/localsandbox/internal/notify"
)

var (
	logLevel      string
	logFormat     string
	metricsAddr   string
	redisAddr     string
	redisPassword string
	dockerfiles   string

	// cfg is loaded before any subcommand runs.
	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:   "localsandbox",
	Short: "Run coding agents in local Docker sandboxes",
	Long: `localsandbox runs commands inside disposable Docker workspaces, one per
sandbox, using the image published or built for the requested agent.

Settings come from LOCALSANDBOX_* environment variables; flags override them.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logging.Sync()
	},
}

// Execute runs the root command.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: text or json")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis-addr", "", "Publish sandbox events to this Redis server")
	rootCmd.PersistentFlags().StringVar(&redisPassword, "redis-password", "", "Redis password")
	rootCmd.PersistentFlags().StringVar(&dockerfiles, "dockerfiles", "", "Directory holding Dockerfile.<agent> build definitions")
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

func setup(cmd *cobra.Command, args []string) error {
	var opts []config.Option
	if logLevel != "" {
		opts = append(opts, config.WithOverride(config.KeyLogLevel, logLevel))
	}
	if logFormat != "" {
		opts = append(opts, config.WithOverride(config.KeyLogFormat, logFormat))
	}
	if dockerfiles != "" {
		opts = append(opts, config.WithDockerfilesDir(dockerfiles))
	}

	loaded, err := config.Load(opts...)
	if err != nil {
		return err
	}
	cfg = loaded

	if err := logging.Init(&logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		return err
	}

	if metricsAddr != "" {
		serveMetrics(cmd.Context(), metricsAddr)
	}
	return nil
}

func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logging.L().Info("metrics listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.L().Error("metrics server failed", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

// eventSink connects to Redis when --redis-addr is set. It returns nil otherwise.
func eventSink(ctx context.Context) (*notify.RedisSink, error) {
	if redisAddr == "" {
		return nil, nil
	}
	return notify.DialRedis(ctx, redisAddr, redisPassword, logging.L())
}
