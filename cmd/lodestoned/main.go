package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lodeworks/lodestone/internal/auth"
	"github.com/lodeworks/lodestone/internal/config"
	"github.com/lodeworks/lodestone/internal/importer"
	"github.com/lodeworks/lodestone/internal/ingest"
	"github.com/lodeworks/lodestone/internal/leadership"
	"github.com/lodeworks/lodestone/internal/logging"
	"github.com/lodeworks/lodestone/internal/normalize"
	"github.com/lodeworks/lodestone/internal/outbox"
	"github.com/lodeworks/lodestone/internal/rpc"
	"github.com/lodeworks/lodestone/internal/server"
	"github.com/lodeworks/lodestone/internal/storage"
	"github.com/lodeworks/lodestone/internal/storage/filestore"
	"github.com/lodeworks/lodestone/internal/storage/selector"
	"github.com/lodeworks/lodestone/internal/storage/sqlitedriver"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lodestoned",
		Short: "Lodestone local-first storage daemon",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("data-dir", defaults.GetString("data.dir"), "Data directory")
	cmd.PersistentFlags().String("driver", defaults.GetString("data.driver"), "Force a storage driver (sqlite or filestore)")
	cmd.PersistentFlags().Int("import-concurrency", defaults.GetInt("import.concurrency"), "Concurrent import job ceiling")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Admin token signing secret (overrides env)")
	cmd.PersistentFlags().String("admin-key", "", "Shared admin key (overrides env)")
	cmd.PersistentFlags().String("sync-target-url", defaults.GetString("sync.target_url"), "Remote sync endpoint for outbox delivery")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "data.dir", "data-dir")
	bindFlag(cmd, "data.driver", "driver")
	bindFlag(cmd, "import.concurrency", "import-concurrency")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.admin_key", "admin-key")
	bindFlag(cmd, "sync.target_url", "sync-target-url")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runDaemon(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if err := os.MkdirAll(appConfig.DataDir, 0o755); err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	coordinator := leadership.New(leadership.Config{
		LockPath: appConfig.LockPath(),
		Logger:   logging.Named(logger, "leadership"),
	})

	primary, err := sqlitedriver.New(sqlitedriver.Config{
		Path:   appConfig.DatabasePath(),
		Logger: logging.Named(logger, "sqlite"),
	})
	if err != nil {
		return err
	}
	fallback, err := filestore.New(filestore.Config{
		Path:   appConfig.SnapshotPath(),
		Logger: logging.Named(logger, "filestore"),
	})
	if err != nil {
		return err
	}

	driver, health, err := selectDriver(signalCtx, appConfig, primary, fallback, coordinator, logger)
	if err != nil {
		return err
	}
	defer driver.Close()

	normalizer := normalize.New()
	manager, err := importer.NewManager(importer.ManagerConfig{
		Driver:     driver,
		Normalizer: normalizer,
		Ingestors: map[storage.SourceType]ingest.Ingestor{
			storage.SourceTypeURL:     ingest.NewURLIngestor(ingest.URLIngestorConfig{}).Ingest,
			storage.SourceTypeFile:    ingest.NewFileIngestor().Ingest,
			storage.SourceTypeRSS:     ingest.NewFeedIngestor(ingest.FeedIngestorConfig{}).Ingest,
			storage.SourceTypeYouTube: ingest.NewTranscriptIngestor(ingest.TranscriptIngestorConfig{}).Ingest,
		},
		Concurrency: appConfig.ImportConcurrency,
		MaxRetries:  appConfig.ImportMaxRetries,
		BaseDelay:   appConfig.ImportBaseDelay,
		Logger:      logging.Named(logger, "importer"),
	})
	if err != nil {
		return err
	}

	var flusher *outbox.Flusher
	if appConfig.SyncTargetURL != "" {
		flusher, err = outbox.NewFlusher(outbox.FlusherConfig{
			Driver:   driver,
			Target:   outbox.NewHTTPTarget(appConfig.SyncTargetURL, nil),
			Interval: appConfig.OutboxInterval,
			IsLeader: coordinator.IsLeader,
			Logger:   logging.Named(logger, "outbox"),
		})
		if err != nil {
			return err
		}
	}

	// Background work is gated on leadership so concurrent daemons sharing
	// the data directory never process the same job or outbox item twice.
	coordinator.AcquireLeadership(signalCtx, func(leader bool) {
		logger.Info("leadership changed", zap.Bool("leader", leader))
		if !leader {
			return
		}
		if err := manager.Resume(signalCtx); err != nil {
			logger.Error("import queue resume failed", zap.Error(err))
		}
		manager.Start(signalCtx)
		if flusher != nil {
			flusher.Start(signalCtx)
		}
	})
	defer coordinator.Release()
	defer manager.Stop()
	if flusher != nil {
		defer flusher.Stop()
	}

	socketPath := filepath.Join(appConfig.DataDir, "engine.sock")
	rpcErr := make(chan error, 1)
	go func() {
		rpcErr <- serveRPC(signalCtx, socketPath, driver, manager, logging.Named(logger, "rpc"))
	}()

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.AuthSigningKey),
		AdminKey:      appConfig.AdminKey,
		Issuer:        "lodestone",
		Audience:      "lodestone-admin",
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Driver:       driver,
		TokenManager: tokenManager,
		Importer:     manager,
		Health:       health,
		Logger:       logging.Named(logger, "http"),
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("daemon starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	case err := <-rpcErr:
		return err
	}
}

// selectDriver initializes either the forced backend or the full
// primary-with-fallback selection.
func selectDriver(
	ctx context.Context,
	appConfig config.AppConfig,
	primary *sqlitedriver.Driver,
	fallback *filestore.Driver,
	coordinator *leadership.Coordinator,
	logger *zap.Logger,
) (storage.Driver, func(ctx context.Context) storage.HealthReport, error) {
	switch appConfig.DriverOverride {
	case "sqlite":
		if _, err := primary.Init(ctx); err != nil {
			return nil, nil, err
		}
		return primary, primary.HealthCheck, nil
	case "filestore":
		if _, err := fallback.Init(ctx); err != nil {
			return nil, nil, err
		}
		return fallback, fallback.HealthCheck, nil
	}

	preferences, err := selector.NewPreferences(appConfig.PreferencePath(), time.Now)
	if err != nil {
		return nil, nil, err
	}
	sel, err := selector.New(selector.Config{
		Primary:     primary,
		Fallback:    fallback,
		Preferences: preferences,
		StickyTTL:   appConfig.StickyTTL,
		Leader:      coordinator.IsLeader,
		Logger:      logging.Named(logger, "selector"),
	})
	if err != nil {
		return nil, nil, err
	}
	outcome, err := sel.Init(ctx)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("storage ready",
		zap.String("driver", string(outcome.DriverKind)),
		zap.Int("schema_version", outcome.SchemaVersion),
		zap.String("fallback_reason", outcome.FallbackReason))
	driver, err := sel.Driver()
	if err != nil {
		return nil, nil, err
	}
	return driver, sel.HealthCheck, nil
}

// serveRPC answers engine calls on a unix socket, forwarding job events to
// each connected peer.
func serveRPC(ctx context.Context, socketPath string, driver storage.Driver, manager *importer.Manager, logger *zap.Logger) error {
	_ = os.Remove(socketPath)
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go func(conn net.Conn) {
			defer conn.Close()
			engine := rpc.NewServer(conn, logger)
			rpc.RegisterEngine(engine, driver, manager)

			connCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			events, unsubscribe := manager.Events().Subscribe(connCtx)
			defer unsubscribe()
			go func() {
				for event := range events {
					if err := engine.PushEvent(event); err != nil {
						return
					}
				}
			}()

			if err := engine.Serve(connCtx); err != nil && ctx.Err() == nil {
				logger.Debug("rpc connection closed", zap.Error(err))
			}
		}(conn)
	}
}
