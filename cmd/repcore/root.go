package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/edgeflare/repcore/pkg/changesource/pgreplication"
	"github.com/edgeflare/repcore/pkg/config"
	"github.com/edgeflare/repcore/pkg/initsync"
	"github.com/edgeflare/repcore/pkg/metrics"
	"github.com/edgeflare/repcore/pkg/replica"
	"github.com/edgeflare/repcore/pkg/replstate"
	"github.com/edgeflare/repcore/pkg/syncer"
	"github.com/edgeflare/repcore/pkg/tablespec"
	"github.com/edgeflare/repcore/pkg/watermark"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "repcore",
	Short: "repcore mirrors a PostgreSQL database into a local SQLite replica",
	Long: `repcore maintains a local SQLite replica of an upstream PostgreSQL
database via logical replication, and a watermark-ordered change log other
processes can tail to learn what changed.`,
	RunE: run,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/repcore.yaml)")
	f.String("replica.path", "", "path to the local SQLite replica file")
	f.String("replica.mode", "serving", "replica transaction mode: serving or backup")
	f.String("postgres.connString", "", "PostgreSQL logical replication connection string")
	f.String("postgres.publication", "repcore_pub", "publication name to ensure and subscribe to")
	f.String("postgres.slot", "repcore_slot", "replication slot name to ensure")
	f.StringSlice("postgres.tables", nil, "tables to add to the publication when creating it")
	f.String("sync.subscriberID", "", "identity presented to the change source (default: random)")
	f.String("metrics.listenAddr", ":9100", "Prometheus metrics listen address")
	f.String("logLevel", "info", "log level: debug, info, warn, error")

	viper.BindPFlags(f)
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Replica.Path == "" {
		return fmt.Errorf("replica.path is required")
	}
	if cfg.Postgres.ConnString == "" {
		return fmt.Errorf("postgres.connString is required")
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	replicaMode := replica.Serving
	if cfg.Replica.Mode == "backup" {
		replicaMode = replica.Backup
	}
	db, err := replica.Open(cfg.Replica.Path, replicaMode)
	if err != nil {
		return fmt.Errorf("open replica: %w", err)
	}
	defer db.Close()

	specs := tablespec.New()
	source := pgreplication.New(pgreplication.Config{
		ConnString:  cfg.Postgres.ConnString,
		Publication: cfg.Postgres.Publication,
		Slot:        cfg.Postgres.Slot,
		Tables:      cfg.Postgres.Tables,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := replstate.GetConfig(ctx, db.DB); errors.Is(err, replstate.ErrNotInitialized) {
		logger.Info("fresh replica, running initial sync")
		boot, err := initsync.Run(ctx, db, specs, source, logger, cfg.Sync.SubscriberID, cfg.Replica.ReplicaMode(), []string{cfg.Postgres.Publication})
		if err != nil {
			return fmt.Errorf("initial sync: %w", err)
		}
		logger.Info("initial sync complete", zap.String("bootWatermark", string(boot)))
	} else if err != nil {
		return fmt.Errorf("read replication config: %w", err)
	}

	var wg sync.WaitGroup
	metrics.StartPrometheusServer(ctx, &wg, &metrics.PromServerOpts{Addr: cfg.Metrics.ListenAddr, Path: cfg.Metrics.Path})

	notify := func(w watermark.Watermark) {
		logger.Debug("version ready", zap.String("watermark", string(w)))
	}
	s := syncer.New(db, specs, source, logger, cfg.Sync.SubscriberID, cfg.Replica.ReplicaMode(), []string{cfg.Postgres.Publication}, notify)

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("received termination signal, shutting down")
		s.Stop(nil)
		cancel()
	case err := <-runErr:
		cancel()
		wg.Wait()
		return err
	}

	<-runErr
	wg.Wait()
	return nil
}

// buildLogger constructs a production zap.Logger at the configured level,
// the way the teacher's own pglogrepl entrypoint builds its logger.
func buildLogger(level string) (*zap.Logger, error) {
	var lvl zap.AtomicLevel
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	return cfg.Build()
}

func main() {
	Execute()
}
