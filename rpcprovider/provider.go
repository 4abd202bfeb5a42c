// Package rpcprovider adapts go-ethereum's ethclient to the narrow
// EVM JSON-RPC surface the ingestion core needs: subscribe to new
// block numbers, fetch a block with its transactions, fetch a
// transaction or its receipt by hash, and report the chain id.
package rpcprovider

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	gethcommon "github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// Provider is the narrow external collaborator contract: the core
// only ever calls these methods, never reaches into a concrete client
// type.
type Provider interface {
	// ChainID returns the chain id the provider is connected to.
	ChainID(ctx context.Context) (uint64, error)

	// SubscribeNewHead mirrors on("block", fn): the returned
	// subscription delivers new headers as they're produced.
	SubscribeNewHead(ctx context.Context, ch chan<- *gethtypes.Header) (ethereum.Subscription, error)

	// BlockByNumber fetches a block with full transaction objects.
	BlockByNumber(ctx context.Context, number uint64) (*gethtypes.Block, error)

	// TransactionByHash mirrors eth_getTransactionByHash.
	TransactionByHash(ctx context.Context, hash gethcommon.Hash) (tx *gethtypes.Transaction, pending bool, err error)

	// TransactionReceipt mirrors eth_getTransactionReceipt.
	TransactionReceipt(ctx context.Context, hash gethcommon.Hash) (*gethtypes.Receipt, error)
}

// Client wraps an *ethclient.Client to satisfy Provider.
type Client struct {
	eth *ethclient.Client
	rpc *rpc.Client
}

// Dial connects to an EVM JSON-RPC endpoint.
func Dial(ctx context.Context, rawurl string) (*Client, error) {
	rc, err := rpc.DialContext(ctx, rawurl)
	if err != nil {
		return nil, err
	}
	return &Client{eth: ethclient.NewClient(rc), rpc: rc}, nil
}

// NewClient wraps an already-dialled rpc.Client.
func NewClient(rc *rpc.Client) *Client {
	return &Client{eth: ethclient.NewClient(rc), rpc: rc}
}

func (c *Client) ChainID(ctx context.Context) (uint64, error) {
	id, err := c.eth.ChainID(ctx)
	if err != nil {
		return 0, err
	}
	return id.Uint64(), nil
}

func (c *Client) SubscribeNewHead(ctx context.Context, ch chan<- *gethtypes.Header) (ethereum.Subscription, error) {
	return c.eth.SubscribeNewHead(ctx, ch)
}

func (c *Client) BlockByNumber(ctx context.Context, number uint64) (*gethtypes.Block, error) {
	return c.eth.BlockByNumber(ctx, new(big.Int).SetUint64(number))
}

func (c *Client) TransactionByHash(ctx context.Context, hash gethcommon.Hash) (*gethtypes.Transaction, bool, error) {
	return c.eth.TransactionByHash(ctx, hash)
}

func (c *Client) TransactionReceipt(ctx context.Context, hash gethcommon.Hash) (*gethtypes.Receipt, error) {
	return c.eth.TransactionReceipt(ctx, hash)
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}
