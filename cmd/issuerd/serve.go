package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/draftlab/issuer/internal/keys"
	"github.com/draftlab/issuer/internal/kv"
	"github.com/draftlab/issuer/internal/kv/redisstore"
	"github.com/draftlab/issuer/issuer"
	"github.com/draftlab/issuer/pluginmgr"
	"github.com/draftlab/issuer/subject"
)

func serveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the authorization server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "issuerd.yaml", "path to the YAML config file")
	return cmd
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Logger.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Logger.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// accessLog builds a request-logging middleware using logrus, the HTTP
// access-log library dex itself has historically wired up alongside slog
// application logging.
func accessLog(logger *logrus.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start).String(),
		}).Info("request")
	})
}

func newStorage(cfg *Config, logger *slog.Logger) (kv.Store, error) {
	switch cfg.Storage.Type {
	case "", "memory":
		return kv.NewMemory(logger), nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Storage.Redis.Addr})
		return redisstore.New(client, cfg.Storage.Redis.KeyPrefix), nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}
}

func runServe(ctx context.Context, cfg *Config) error {
	logger := newLogger(cfg)
	accessLogger := logrus.New()

	store, err := newStorage(cfg, logger)
	if err != nil {
		return err
	}
	keyMgr := keys.New(store, logger)
	registry := prometheus.NewRegistry()

	schema := subject.NewSchema(map[string]subject.Validator{
		"code":      subject.SchemaOf[map[string]any](),
		"magiclink": subject.SchemaOf[map[string]any](),
		"password":  subject.SchemaOf[map[string]any](),
		"passkey":   subject.SchemaOf[map[string]any](),
		"totp":      subject.SchemaOf[map[string]any](),
		"oauth2":    subject.SchemaOf[map[string]any](),
	})

	iss, err := issuer.New(issuer.Config{
		Issuer:              cfg.Issuer,
		BasePath:            cfg.Web.BasePath,
		Storage:             store,
		Keys:                keyMgr,
		Logger:              logger,
		Subjects:            schema,
		Plugins:             pluginmgr.New(logger),
		TTLAccess:           cfg.Tokens.AccessTTL,
		TTLRefresh:          cfg.Tokens.RefreshTTL,
		TTLRefreshReuse:     cfg.Tokens.RefreshReuseWindow,
		TTLRefreshRetention: cfg.Tokens.RefreshRetention,
		Registry:            registry,
	})
	if err != nil {
		return fmt.Errorf("build issuer: %w", err)
	}

	httpServer := &http.Server{
		Addr:    cfg.Web.ListenAddr,
		Handler: accessLog(accessLogger, iss),
	}
	metricsServer := &http.Server{
		Addr:    cfg.Metrics.ListenAddr,
		Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}

	rotationCtx, cancelRotation := context.WithCancel(ctx)
	defer cancelRotation()

	var g run.Group
	{
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		g.Add(func() error {
			select {
			case s := <-sig:
				logger.Info("received signal", "signal", s.String())
			case <-ctx.Done():
			}
			return nil
		}, func(error) {
			close(sig)
		})
	}
	{
		g.Add(func() error {
			logger.Info("starting http server", "addr", httpServer.Addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}, func(error) {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(shutdownCtx)
		})
	}
	{
		g.Add(func() error {
			logger.Info("starting metrics server", "addr", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}, func(error) {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		})
	}
	{
		done := make(chan struct{})
		g.Add(func() error {
			keyMgr.StartRotation(rotationCtx, cfg.KeyRotation.Every, cfg.KeyRotation.ValidFor)
			close(done)
			return nil
		}, func(error) {
			cancelRotation()
			<-done
		})
	}

	return g.Run()
}
