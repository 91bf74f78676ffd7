package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/fernandinhomartins40/urbansend/internal/api"
	"github.com/fernandinhomartins40/urbansend/internal/cache"
	"github.com/fernandinhomartins40/urbansend/internal/config"
	"github.com/fernandinhomartins40/urbansend/internal/delivery"
	"github.com/fernandinhomartins40/urbansend/internal/dkim"
	"github.com/fernandinhomartins40/urbansend/internal/engine"
	"github.com/fernandinhomartins40/urbansend/internal/logging"
	"github.com/fernandinhomartins40/urbansend/internal/queue"
	"github.com/fernandinhomartins40/urbansend/internal/reputation"
	"github.com/fernandinhomartins40/urbansend/internal/store"
	"github.com/fernandinhomartins40/urbansend/internal/suppression"
	"github.com/fernandinhomartins40/urbansend/internal/tenant"
)

var (
	configPath string
	version    = "dev"
	commit     = "unknown"
	date       = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "urbansend",
		Short: "UrbanSend - multi-tenant transactional email delivery engine",
		Long: `UrbanSend delivers transactional email directly to recipient MX hosts
with per-domain DKIM signing, tenant-isolated queues, bounce handling,
suppression lists and reputation-based throttling.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(suppressionCmd)
	rootCmd.AddCommand(reputationCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the delivery engine",
	Long:  "Start the delivery workers and the ops API server",
	RunE:  runServer,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("UrbanSend %s\n", cmd.Root().Version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

func init() {
	serverCmd.Flags().String("listen", "", "ops API listen address (overrides config)")
	serverCmd.Flags().String("hostname", "", "server hostname (overrides config)")

	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Println("Configuration is valid")
			return nil
		},
	})
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if hostname, _ := cmd.Flags().GetString("hostname"); hostname != "" {
		cfg.Server.Hostname = hostname
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Server.Listen = listen
	}

	logCloser, err := logging.Setup(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer logCloser.Close()
	logger := slog.Default().With("component", "main")

	db, err := store.New(store.Config{Driver: cfg.Store.Driver, DSN: cfg.Store.DSN})
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	if err := db.Connect(); err != nil {
		return fmt.Errorf("failed to connect to store: %w", err)
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.Database,
	})
	defer rdb.Close()
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
	}

	hotCache, err := cache.New(cache.Config{Type: cfg.Cache.Type, Addr: cfg.Cache.Addr})
	if err != nil {
		return fmt.Errorf("failed to create cache: %w", err)
	}
	if err := hotCache.Connect(); err != nil {
		return fmt.Errorf("failed to connect to cache: %w", err)
	}
	defer hotCache.Close()

	resolver := delivery.NewResolver(delivery.ResolverConfig{
		CacheTTL:   time.Duration(cfg.Delivery.MXCacheTTL) * time.Second,
		CacheSize:  cfg.Delivery.MXCacheSize,
		DNSTimeout: time.Duration(cfg.Delivery.DNSTimeout) * time.Second,
		DNSRetries: cfg.Delivery.DNSRetries,
	})
	client := delivery.NewSMTPClient(delivery.Config{
		Hostname:       cfg.Server.Hostname,
		Port:           cfg.Delivery.Port,
		ConnectTimeout: time.Duration(cfg.Delivery.ConnectTimeout) * time.Second,
		SessionTimeout: time.Duration(cfg.Delivery.SessionTimeout) * time.Second,
		TLSEnabled:     cfg.Delivery.TLSEnabled,
	}, resolver)

	qm := queue.NewManager(rdb)
	supp := suppression.NewService(db, hotCache)
	rep := reputation.NewService(rdb, db, reputation.Config{
		WindowDays:       cfg.Reputation.WindowDays,
		WarningRate:      cfg.Reputation.WarningRate,
		PoorRate:         cfg.Reputation.PoorRate,
		CriticalRate:     cfg.Reputation.CriticalRate,
		PoorThrottle:     cfg.Reputation.PoorThrottle,
		CriticalThrottle: cfg.Reputation.CriticalThrottle,
	})
	signer := dkim.NewSigner(db, dkim.Config{
		Selector:       cfg.DKIM.Selector,
		FallbackDomain: cfg.DKIM.FallbackDomain,
		KeyBits:        cfg.DKIM.KeyBits,
	})
	tenants := tenant.NewCachingProvider(
		tenant.NewStoreProvider(db),
		time.Duration(cfg.Tenant.ContextTTL)*time.Second,
	)

	schedule := make([]time.Duration, len(cfg.Queue.RetrySchedule))
	for i, s := range cfg.Queue.RetrySchedule {
		schedule[i] = time.Duration(s) * time.Second
	}
	eng := engine.New(engine.Config{
		Workers:       cfg.Queue.Workers,
		MaxAttempts:   cfg.Queue.MaxAttempts,
		RetrySchedule: schedule,
		DrainInterval: time.Duration(cfg.Queue.DrainInterval) * time.Second,
	}, engine.Deps{
		Store:   db,
		Queue:   qm,
		Redis:   rdb,
		Tenants: tenants,
		Signer:  signer,
		Client:  client,
		VERP: &delivery.VERP{
			BounceDomain: cfg.Server.BounceDomain,
			Secret:       []byte(cfg.Server.BounceSecret),
		},
		Suppression: supp,
		Reputation:  rep,
	})

	apiServer := api.NewServer(api.Config{ListenAddr: cfg.Server.Listen}, api.Deps{
		Engine:      eng,
		Queue:       qm,
		Suppression: supp,
		Reputation:  rep,
		Resolver:    resolver,
		Store:       db,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errs := make(chan error, 2)

	go func() {
		if err := eng.Run(ctx); err != nil {
			errs <- fmt.Errorf("delivery engine: %w", err)
		}
	}()
	go func() {
		if err := apiServer.Start(); err != nil {
			errs <- fmt.Errorf("API server: %w", err)
		}
	}()

	logger.Info("UrbanSend started",
		"hostname", cfg.Server.Hostname,
		"listen", cfg.Server.Listen,
		"workers", cfg.Queue.Workers,
		"store", cfg.Store.Driver)

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-signalChan:
		logger.Info("Shutting down", "signal", sig.String())
	case err := <-errs:
		logger.Error("Fatal component error", "error", err)
		cancel()
		return err
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Error("API shutdown error", "error", err)
	}
	return nil
}
