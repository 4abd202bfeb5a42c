package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/chainwatch/indexer/config"
	"github.com/chainwatch/indexer/ingest"
	"github.com/chainwatch/indexer/kv"
	"github.com/chainwatch/indexer/rpcprovider"
)

var runConfigPath string

func init() {
	runCmd.Flags().StringVar(&runConfigPath, "config", "", "path to YAML config file")
	_ = runCmd.MarkFlagRequired("config")
	runCmd.Flags().Bool("read-only", false, "disable all durable writes")
	runCmd.Flags().Bool("new-db", false, "skip read-through on a from-scratch sync")
	runCmd.Flags().Bool("warm-db", false, "serve reads from the hot cache only")
	runCmd.Flags().Bool("cleanup", false, "evict staged block files after successful processing")
	runCmd.Flags().Bool("silent", false, "suppress periodic retry log lines")
	runCmd.Flags().Int("concurrency", 0, "override the configured fetch concurrency")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "start the live listener against a YAML config",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runIngestion(cmd)
	},
}

func runIngestion(cmd *cobra.Command) error {
	ctx := cmd.Context()

	cfg, err := config.Load(runConfigPath)
	if err != nil {
		return errors.Wrap(err, "chainindexd run")
	}
	applyRunOverrides(cmd, cfg)

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return errors.Wrap(err, "chainindexd run: connect mongo")
	}
	defer func() { _ = client.Disconnect(ctx) }()

	store := kv.NewMongoStore(client.Database(cfg.Mongo.Database), collectionModes(cfg), kv.Flags{
		ReadOnly: cfg.ReadOnly, NewDb: cfg.NewDb, WarmDb: cfg.WarmDb,
	}, logger)
	if err := store.Ping(ctx); err != nil {
		return errors.Wrap(err, "chainindexd run: ping mongo")
	}

	staging, err := ingest.NewStaging(cfg.StagingDir)
	if err != nil {
		return errors.Wrap(err, "chainindexd run: staging dir")
	}

	engine := ingest.NewEngine(store, staging, logger, ingest.Flags{
		ReadOnly: cfg.ReadOnly, NewDb: cfg.NewDb, WarmDb: cfg.WarmDb, Cleanup: cfg.Cleanup, Silent: cfg.Silent,
	}, cfg.Concurrency)

	reject := make(chan error, len(cfg.Chains))
	dispatchers := make([]*ingest.Dispatcher, 0, len(cfg.Chains))

	for _, ch := range cfg.Chains {
		provider, err := rpcprovider.Dial(ctx, ch.RPC)
		if err != nil {
			return errors.Wrapf(err, "chainindexd run: dial chain %d", ch.ChainID)
		}

		chainID := ingest.ChainID(ch.ChainID)
		if err := engine.AcquireChainLock(ctx, chainID, ingest.BlockNumber(ch.StartBlock)); err != nil {
			return errors.Wrapf(err, "chainindexd run: acquire lock for chain %d", ch.ChainID)
		}

		listener := ingest.NewListener(chainID, provider, engine, func(c ingest.ChainID, err error) {
			reject <- fmt.Errorf("chain %d: %w", c, err)
		})
		if err := listener.Start(ctx); err != nil {
			return errors.Wrapf(err, "chainindexd run: start listener for chain %d", ch.ChainID)
		}

		dispatcher := ingest.NewDispatcher(engine, chainID, provider, cfg.Timeout)
		dispatchers = append(dispatchers, dispatcher)
		go dispatcher.Run(ctx)

		logger.Info("chainindexd: chain online", "chain", ch.ChainID, "rpc", ch.RPC, "startBlock", ch.StartBlock)
	}

	select {
	case <-ctx.Done():
		logger.Info("chainindexd: shutting down")
	case err := <-reject:
		logger.Error("chainindexd: fatal provider error, shutting down", "err", err)
	}

	for _, d := range dispatchers {
		d.Stop()
	}
	return nil
}

func applyRunOverrides(cmd *cobra.Command, cfg *config.Config) {
	if v, _ := cmd.Flags().GetBool("read-only"); v {
		cfg.ReadOnly = true
	}
	if v, _ := cmd.Flags().GetBool("new-db"); v {
		cfg.NewDb = true
	}
	if v, _ := cmd.Flags().GetBool("warm-db"); v {
		cfg.WarmDb = true
	}
	if v, _ := cmd.Flags().GetBool("cleanup"); v {
		cfg.Cleanup = true
	}
	if v, _ := cmd.Flags().GetBool("silent"); v {
		cfg.Silent = true
	}
	if v, _ := cmd.Flags().GetInt("concurrency"); v > 0 {
		cfg.Concurrency = v
	}
}

func collectionModes(cfg *config.Config) map[string]kv.Mode {
	modes := make(map[string]kv.Mode, len(cfg.Collections))
	for _, c := range cfg.Collections {
		mode := kv.Mutable
		if c.Mode == "immutable" {
			mode = kv.Immutable
		}
		modes[c.Name] = mode
	}
	return modes
}
