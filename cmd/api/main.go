package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"billing-core/internal/auth"
	"billing-core/internal/config"
	"billing-core/internal/migrations"
	"billing-core/internal/scheduler"
	"billing-core/pkg/logger"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	v := viper.New()
	root := &cobra.Command{
		Use:           "api",
		Short:         "Usage, payment and call billing service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "optional config file (env vars take precedence)")
	_ = v.BindPFlag("config_file", root.PersistentFlags().Lookup("config"))

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background jobs",
		RunE:  func(cmd *cobra.Command, _ []string) error { return runServe(cmd.Context(), v) },
	}
	root.RunE = serve.RunE

	migrate := &cobra.Command{Use: "migrate", Short: "Manage the database schema"}
	migrate.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withMigrator(cmd.Context(), v, func(m *migrations.Migrator, _ *zap.Logger) error { return m.Up() })
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the applied schema version",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withMigrator(cmd.Context(), v, func(m *migrations.Migrator, log *zap.Logger) error {
					ver, dirty, err := m.Version()
					if err != nil {
						return err
					}
					log.Info("schema version", zap.Uint("version", ver), zap.Bool("dirty", dirty))
					return nil
				})
			},
		},
	)

	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Run every maintenance job once and exit",
		RunE:  func(cmd *cobra.Command, _ []string) error { return runSweep(cmd.Context(), v) },
	}

	ver := &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run:   func(cmd *cobra.Command, _ []string) { fmt.Fprintln(cmd.OutOrStdout(), version) },
	}

	root.AddCommand(serve, migrate, sweep, ver)
	return root
}

// bootstrap loads configuration and builds the root logger.
func bootstrap(v *viper.Viper) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("config load failed: %w", err)
	}
	log, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(log)
	return cfg, log.With(zap.String("app", cfg.App.Name)), nil
}

func runServe(ctx context.Context, v *viper.Viper) error {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, log, err := bootstrap(v)
	if err != nil {
		return err
	}
	defer func() { _ = logger.ShutdownFlush(log) }()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", zap.Error(err))
		return err
	}

	a, err := newApp(rootCtx, cfg, log)
	if err != nil {
		log.Error("dependency init failed", zap.Error(err))
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("resource close failed", zap.Error(err))
		}
	}()

	var sched *scheduler.Scheduler
	if cfg.Jobs.Enabled {
		sched = scheduler.New(a.jobs, log)
		if err := sched.Start(); err != nil {
			log.Error("scheduler start failed", zap.Error(err))
			return err
		}
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	registerRoutes(r, a, auth.RequireAccessToken(authManager))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("api listening", zap.String("addr", srv.Addr), zap.String("store", cfg.DB.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", zap.Error(err))
	}
	if sched != nil {
		sched.Stop(shutdownCtx)
	}

	select {
	case err := <-serveErr:
		return err
	default:
		return nil
	}
}

func runSweep(ctx context.Context, v *viper.Viper) error {
	cfg, log, err := bootstrap(v)
	if err != nil {
		return err
	}
	defer func() { _ = logger.ShutdownFlush(log) }()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	rep, runErr := a.jobs.RunOnce(ctx)
	out, err := json.Marshal(rep)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return runErr
}

func withMigrator(ctx context.Context, v *viper.Viper, fn func(*migrations.Migrator, *zap.Logger) error) error {
	cfg, log, err := bootstrap(v)
	if err != nil {
		return err
	}
	defer func() { _ = logger.ShutdownFlush(log) }()
	if cfg.DB.Driver != config.StoreDriverPostgres {
		return fmt.Errorf("migrations need STORE_DRIVER=%s", config.StoreDriverPostgres)
	}

	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	m, err := migrations.New(db, log)
	if err != nil {
		_ = db.Close()
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			log.Warn("migrator close failed", zap.Error(err))
		}
	}()
	return fn(m, log)
}
