package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coursedesk/triage/config"
	"github.com/coursedesk/triage/db"
	"github.com/coursedesk/triage/logger"
	"github.com/coursedesk/triage/pkg/retry"
	"github.com/coursedesk/triage/server/escalator"
	"github.com/coursedesk/triage/server/httpapi"
	"github.com/coursedesk/triage/storage"
	"github.com/coursedesk/triage/triage"
)

// Version information. Set at build time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("triaged %s (built %s)\n", Version, BuildTime)
		os.Exit(0)
	}

	cfg := config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(*configPath, &cfg); err != nil {
		if os.IsNotExist(err) && !isFlagSet("config") {
			// No config file and none requested; run on defaults.
		} else {
			fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
			os.Exit(1)
		}
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	logger.Info("[TRIAGED] starting", "version", Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Info("[TRIAGED] received signal, shutting down", "signal", sig)
		cancel()
	}()

	database, err := connectDatabase(ctx, &cfg.Database)
	if err != nil {
		logger.Fatalf("[TRIAGED] failed to connect to database: %v", err)
	}
	defer database.Close()
	database.StartPoolMetrics(ctx)

	var archive triage.Archiver
	if cfg.Archive.Enabled {
		s3, err := storage.New(cfg.Archive.Endpoint, cfg.Archive.AccessKey,
			cfg.Archive.SecretKey, cfg.Archive.Bucket, !cfg.Archive.DisableTLS, cfg.Archive.Debug)
		if err != nil {
			logger.Fatalf("[TRIAGED] failed to initialize archive storage: %v", err)
		}
		archive = s3
	}

	engine := triage.NewEngine(database, triage.NewFeed(), archive)

	var worker *escalator.Worker
	if cfg.Escalator.Enabled {
		interval, err := cfg.Escalator.GetInterval()
		if err != nil {
			logger.Fatalf("[TRIAGED] invalid escalator interval: %v", err)
		}
		timeout, err := cfg.Escalator.GetTimeout()
		if err != nil {
			logger.Fatalf("[TRIAGED] invalid escalator timeout: %v", err)
		}
		var notifier escalator.Notifier = escalator.LogNotifier{}
		if cfg.Escalator.WebhookURL != "" {
			notifier = escalator.NewWebhookNotifier(cfg.Escalator.WebhookURL, timeout)
		}
		worker = escalator.New(database, notifier, interval, cfg.Escalator.GetBatchSize())
		worker.Start(ctx)
	}

	errChan := make(chan error, 1)
	if cfg.HTTPAPI.Start {
		go httpapi.Start(ctx, engine, httpapi.ServerOptions{
			Addr:         cfg.HTTPAPI.Addr,
			APIKey:       cfg.HTTPAPI.APIKey,
			AllowedHosts: cfg.HTTPAPI.AllowedHosts,
			TLS:          cfg.HTTPAPI.TLS,
			TLSCertFile:  cfg.HTTPAPI.TLSCertFile,
			TLSKeyFile:   cfg.HTTPAPI.TLSKeyFile,
		}, errChan)
	}

	select {
	case <-ctx.Done():
	case err := <-errChan:
		logger.Error("[TRIAGED] fatal server error", "error", err)
		cancel()
	}

	if worker != nil {
		worker.Stop()
	}
	logger.Info("[TRIAGED] shutdown complete")
	logger.Sync()
}

// connectDatabase establishes the database connection, retrying with
// exponential backoff so a restart can ride out a database that is still
// coming up.
func connectDatabase(ctx context.Context, dbConfig *config.DatabaseConfig) (*db.Database, error) {
	var database *db.Database
	err := retry.WithRetry(ctx, func() error {
		var err error
		database, err = db.NewDatabaseFromConfig(ctx, dbConfig)
		if err != nil {
			logger.Warnf("[TRIAGED] database not ready, retrying: %v", err)
		}
		return err
	}, retry.BackoffConfig{
		InitialInterval: 2 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		MaxRetries:      5,
	})
	return database, err
}

func isFlagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
