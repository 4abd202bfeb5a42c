package main

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/chainwatch/indexer/config"
	"github.com/chainwatch/indexer/kv"
)

var statusConfigPath string

func init() {
	statusCmd.Flags().StringVar(&statusConfigPath, "config", "", "path to YAML config file")
	_ = statusCmd.MarkFlagRequired("config")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "report each configured chain's ingestion cursor",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd.Context())
	},
}

func runStatus(ctx context.Context) error {
	cfg, err := config.Load(statusConfigPath)
	if err != nil {
		return errors.Wrap(err, "chainindexd status")
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return errors.Wrap(err, "chainindexd status: connect mongo")
	}
	defer func() { _ = client.Disconnect(ctx) }()

	store := kv.NewMongoStore(client.Database(cfg.Mongo.Database), collectionModes(cfg), kv.Flags{}, logger)
	if err := store.Ping(ctx); err != nil {
		return errors.Wrap(err, "chainindexd status: ping mongo")
	}

	for _, ch := range cfg.Chains {
		key := kv.JoinKey(kv.MetaCollection, fmt.Sprintf("lock-%d", ch.ChainID))
		meta, err := store.Get(ctx, key)
		if err != nil {
			if stderrors.Is(err, kv.ErrNotFound) {
				fmt.Printf("chain %d: no recorded cursor\n", ch.ChainID)
				continue
			}
			return errors.Wrapf(err, "chainindexd status: chain %d", ch.ChainID)
		}
		fmt.Printf("chain %d: locked=%v latestBlock=%v\n", ch.ChainID, meta["locked"], meta["latestBlock"])
	}
	return nil
}
