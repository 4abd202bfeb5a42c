package main

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/chainwatch/indexer/config"
	"github.com/chainwatch/indexer/ingest"
	"github.com/chainwatch/indexer/kv"
)

var migrateConfigPath string

func init() {
	migrateCmd.Flags().StringVar(&migrateConfigPath, "config", "", "path to YAML config file")
	_ = migrateCmd.MarkFlagRequired("config")
	rootCmd.AddCommand(migrateCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "apply pending migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrate(cmd.Context())
	},
}

// registeredMigrations is where a deployment wires its own
// block-scheduled entity transforms. Empty by default: chainindexd
// ships the migration runner, not any migrations of its own.
var registeredMigrations []ingest.Migration

func runMigrate(ctx context.Context) error {
	cfg, err := config.Load(migrateConfigPath)
	if err != nil {
		return errors.Wrap(err, "chainindexd migrate")
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return errors.Wrap(err, "chainindexd migrate: connect mongo")
	}
	defer func() { _ = client.Disconnect(ctx) }()

	store := kv.NewMongoStore(client.Database(cfg.Mongo.Database), collectionModes(cfg), kv.Flags{}, logger)

	idx, err := ingest.NewMigrationsIndex(registeredMigrations)
	if err != nil {
		return errors.Wrap(err, "chainindexd migrate: build migrations index")
	}

	applied := 0
	for _, ch := range cfg.Chains {
		chainID := ingest.ChainID(ch.ChainID)
		latest := chainLatestBlock(ctx, store, ch.ChainID)

		for _, m := range idx.All() {
			if m.ChainID != chainID || m.BlockNumber > latest || idx.Applied(m.Name) {
				continue
			}
			entities := map[string][]kv.Entity{}
			if m.Entity != "" {
				if e, err := store.Get(ctx, m.Entity); err == nil {
					entities[m.Entity] = kv.AllOf(e)
				}
			}
			if err := idx.Apply(ctx, store, m.ChainID, m.BlockNumber, entities); err != nil {
				return errors.Wrapf(err, "chainindexd migrate: apply %q", m.Name)
			}
			applied++
		}
	}

	logger.Info("chainindexd: migrations applied", "count", applied)
	return nil
}

func chainLatestBlock(ctx context.Context, store kv.Store, chainID uint64) ingest.BlockNumber {
	key := kv.JoinKey(kv.MetaCollection, fmt.Sprintf("lock-%d", chainID))
	meta, err := store.Get(ctx, key)
	if err != nil {
		return 0
	}
	// Values read back from Mongo decode as int64; cached ones keep uint64.
	switch v := meta["latestBlock"].(type) {
	case uint64:
		return ingest.BlockNumber(v)
	case int64:
		return ingest.BlockNumber(v)
	case int32:
		return ingest.BlockNumber(v)
	}
	return 0
}
