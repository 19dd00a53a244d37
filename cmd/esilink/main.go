package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/amoylab/esilink/internal/auth"
	"github.com/amoylab/esilink/internal/common/config"
	"github.com/amoylab/esilink/internal/common/errorx"
	"github.com/amoylab/esilink/internal/database"
	"github.com/amoylab/esilink/internal/esi"
	"github.com/amoylab/esilink/internal/handler"
	"github.com/amoylab/esilink/internal/session"
	"github.com/amoylab/esilink/internal/sso"
	"github.com/amoylab/esilink/internal/storage"
	"github.com/amoylab/esilink/internal/tick"
	"github.com/amoylab/esilink/pkg/logger"
	"github.com/amoylab/esilink/pkg/metrics"
	"github.com/amoylab/esilink/pkg/trace"
	"github.com/amoylab/esilink/pkg/version"
)

const shutdownTimeout = 10 * time.Second

var (
	configPath string
	seedFile   string

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of esilink",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("esilink version %s\n", version.String())
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and live server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return migrate(cmd.Context())
		},
	}

	seedCmd = &cobra.Command{
		Use:   "seed",
		Short: "Load station, region and system reference data",
		RunE: func(cmd *cobra.Command, args []string) error {
			return seed(cmd.Context())
		},
	}

	rootCmd = &cobra.Command{
		Use:   "esilink",
		Short: "EVE character live state gateway",
		Long:  `esilink links EVE characters to browser sessions and keeps their location and online state fresh`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "conf", "", "path to configuration file")
	seedCmd.Flags().StringVar(&seedFile, "file", "", "path to a reference data JSON export")
	_ = seedCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(versionCmd, serveCmd, migrateCmd, seedCmd)
}

func getConfigPath() string {
	// 1. Check command line flag
	if configPath != "" {
		return configPath
	}

	// 2. Check environment variable
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		return envPath
	}

	// 3. Default to the bundled sample
	return "configs/esilink.yaml"
}

func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadConfig(getConfigPath())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	lg, err := logger.NewLogger(&cfg.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return cfg, lg, nil
}

func migrate(ctx context.Context) error {
	cfg, lg, err := loadConfig()
	if err != nil {
		return err
	}
	defer lg.Sync()

	db, err := database.Open(&cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		return err
	}
	lg.Info("Database schema is up to date", zap.String("type", cfg.Database.Type))
	return nil
}

func seed(ctx context.Context) error {
	cfg, lg, err := loadConfig()
	if err != nil {
		return err
	}
	defer lg.Sync()

	data, err := database.LoadReferenceData(seedFile)
	if err != nil {
		return err
	}
	db, err := database.NewDatabase(ctx, &cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.Seed(ctx, db, data); err != nil {
		return err
	}
	lg.Info("Reference data loaded",
		zap.String("file", seedFile),
		zap.Int("regions", len(data.Regions)),
		zap.Int("systems", len(data.Systems)),
		zap.Int("stations", len(data.Stations)))
	return nil
}

func serve() error {
	cfg, lg, err := loadConfig()
	if err != nil {
		return err
	}
	defer lg.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lg.Info("Starting esilink", zap.String("version", version.String()), zap.String("config", getConfigPath()))

	shutdownTracing, err := trace.InitTracing(ctx, &cfg.Tracing, lg)
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics)
	}

	db, err := database.NewDatabase(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	hub, err := session.NewHub(ctx, lg, &cfg.Live)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to initialize live hub: %w", err)
	}
	registry := session.NewRegistry(lg, hub, session.WithMetrics(m))

	httpClient := &http.Client{
		Transport: trace.HTTPTransport(http.DefaultTransport),
		Timeout:   cfg.ESI.CallTimeout,
	}
	oauthCfg := sso.NewOAuth2Config(cfg.SSO)

	gateway := esi.NewFactory(cfg.ESI, db, esi.NewOAuth2Refresher(oauthCfg, httpClient), httpClient, lg, esi.WithMetrics(m))
	guard := auth.NewGuard(db, lg)
	engine := tick.NewEngine(registry, guard, tick.NewGatewayFetcher(gateway), cfg.Tick, lg, tick.WithMetrics(m))

	states, err := sso.NewStateSigner(cfg.SSO.StateSecret, cfg.SSO.StateTTL)
	if err != nil {
		return fmt.Errorf("failed to create state signer: %w", err)
	}
	if cfg.SSO.StateSecret == "" {
		lg.Warn("sso.state_secret is empty; pending logins will not survive a restart")
	}
	assets, err := storage.NewDiskStorage(lg, cfg.Storage.ImagesDir)
	if err != nil {
		return fmt.Errorf("failed to initialize image storage: %w", err)
	}
	errs := errorx.NewErrorHandler(lg)

	eve := handler.NewEVE(handler.EVEDeps{
		DB:       db,
		Guard:    guard,
		Registry: registry,
		Engine:   engine,
		Gateway:  gateway,
		Provider: sso.NewProvider(oauthCfg, cfg.SSO.VerifyURL, httpClient, lg),
		States:   states,
		Linker:   sso.NewLinker(db, assets, registry, httpClient, cfg, lg),
		Errors:   errs,
	}, lg)
	live := handler.NewLive(registry, engine, guard, m, cfg.Server.CORSOrigin, lg)

	sweeper := session.NewSweeper(registry, lg, cfg.Session)
	sweeper.Start(ctx)

	if cfg.Logger.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := handler.NewRouter(handler.RouterOptions{
		Config:  cfg,
		EVE:     eve,
		Live:    live,
		DB:      db,
		Metrics: m,
		Errors:  errs,
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}
	serveErr := make(chan error, 1)
	go func() {
		lg.Info("Server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		lg.Info("Shutting down")
	case err := <-serveErr:
		if err != nil {
			lg.Error("Server stopped unexpectedly", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Error("failed to shutdown server", zap.Error(err))
	}
	sweeper.Stop()
	engine.StopAll()
	registry.Close()
	if err := hub.Close(); err != nil {
		lg.Error("failed to close live hub", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		lg.Error("failed to shutdown tracing", zap.Error(err))
	}
	if err := db.Close(); err != nil {
		lg.Error("failed to close database", zap.Error(err))
	}
	lg.Info("Server stopped")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}
