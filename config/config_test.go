package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
mongo:
  uri: mongodb://localhost:27017
  database: chainwatch
chains:
  - chainId: 1
    rpc: wss://mainnet.example/ws
    startBlock: 18000000
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 4, cfg.Concurrency)
	require.Equal(t, "./staging", cfg.StagingDir)
	require.Len(t, cfg.Chains, 1)
}

func TestLoadRejectsMissingMongoURI(t *testing.T) {
	path := writeConfig(t, `
mongo:
  database: chainwatch
chains:
  - chainId: 1
    rpc: wss://mainnet.example/ws
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsDuplicateChainID(t *testing.T) {
	path := writeConfig(t, `
mongo:
  uri: mongodb://localhost:27017
  database: chainwatch
chains:
  - chainId: 1
    rpc: wss://a.example/ws
  - chainId: 1
    rpc: wss://b.example/ws
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsInvalidCollectionMode(t *testing.T) {
	path := writeConfig(t, `
mongo:
  uri: mongodb://localhost:27017
  database: chainwatch
chains:
  - chainId: 1
    rpc: wss://a.example/ws
collections:
  - name: transfers
    mode: sideways
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsNoChains(t *testing.T) {
	path := writeConfig(t, `
mongo:
  uri: mongodb://localhost:27017
  database: chainwatch
chains: []
`)
	_, err := Load(path)
	require.Error(t, err)
}
