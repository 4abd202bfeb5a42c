// Command chainindexd is the process entrypoint for the ingestion
// engine: it loads a YAML config, wires a store adapter and one
// listener/dispatcher pair per configured chain, and runs until
// interrupted or a chain reports a fatal provider error.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/erigontech/erigon-lib/log/v3"
	"github.com/spf13/cobra"
)

var logger = log.New()

var rootCmd = &cobra.Command{
	Use:   "chainindexd",
	Short: "EVM chain ingestion daemon",
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logger.Error("chainindexd: fatal", "err", err)
		os.Exit(1)
	}
}
