package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// Client talks to the contract-bearing parachain over its EVM JSON-RPC
// surface. Every call is bounded by the configured timeout; expiry is an
// expected transient fault, never fatal.
type Client struct {
	rpc     *rpc.Client
	eth     *ethclient.Client
	url     string
	timeout time.Duration
}

// DialPara connects to one parachain endpoint.
func DialPara(ctx context.Context, url string, timeout time.Duration) (*Client, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial parachain rpc %s: %w", url, err)
	}
	return &Client{rpc: c, eth: ethclient.NewClient(c), url: url, timeout: timeout}, nil
}

// Close tears down the underlying connection.
func (c *Client) Close() {
	if c != nil && c.rpc != nil {
		c.rpc.Close()
	}
}

// URL reports the endpoint this client is connected to.
func (c *Client) URL() string { return c.url }

func (c *Client) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

// FinalizedHead returns the height of the latest finalized block.
func (c *Client) FinalizedHead(ctx context.Context) (uint64, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	header, err := c.eth.HeaderByNumber(ctx, big.NewInt(rpc.FinalizedBlockNumber.Int64()))
	if err != nil {
		return 0, fmt.Errorf("finalized head: %w", err)
	}
	return header.Number.Uint64(), nil
}

// BlockNumber resolves a block hash to its height.
func (c *Client) BlockNumber(ctx context.Context, hash common.Hash) (uint64, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	header, err := c.eth.HeaderByHash(ctx, hash)
	if err != nil {
		return 0, fmt.Errorf("block number for %s: %w", hash, err)
	}
	return header.Number.Uint64(), nil
}

// InstallLogFilter creates a provider-side log filter and returns its handle.
// Handles are range-scoped and perishable; callers own their lifecycle.
func (c *Client) InstallLogFilter(ctx context.Context, address common.Address, topics []common.Hash, from, to uint64) (string, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	arg := map[string]any{
		"address":   address,
		"fromBlock": hexutil.EncodeUint64(from),
		"toBlock":   hexutil.EncodeUint64(to),
		"topics":    [][]common.Hash{topics},
	}
	var id string
	if err := c.rpc.CallContext(ctx, &id, "eth_newFilter", arg); err != nil {
		return "", fmt.Errorf("install filter: %w", err)
	}
	return id, nil
}

// FilterLogs fetches all entries matching a previously installed filter.
func (c *Client) FilterLogs(ctx context.Context, id string) ([]types.Log, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	var logs []types.Log
	if err := c.rpc.CallContext(ctx, &logs, "eth_getFilterLogs", id); err != nil {
		return nil, fmt.Errorf("filter logs: %w", err)
	}
	return logs, nil
}

// UninstallFilter releases a provider-side filter handle.
func (c *Client) UninstallFilter(ctx context.Context, id string) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	var ok bool
	if err := c.rpc.CallContext(ctx, &ok, "eth_uninstallFilter", id); err != nil {
		return fmt.Errorf("uninstall filter %s: %w", id, err)
	}
	return nil
}

// TransactionReceipt fetches the receipt for a transaction hash.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	receipt, err := c.eth.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("transaction receipt %s: %w", hash, err)
	}
	return receipt, nil
}

// CallContract executes a read-only contract call at the given block
// (nil means latest).
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	out, err := c.eth.CallContract(ctx, msg, block)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", msg.To, err)
	}
	return out, nil
}

// CodeAt returns the deployed bytecode at an address.
func (c *Client) CodeAt(ctx context.Context, address common.Address, block *big.Int) ([]byte, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	code, err := c.eth.CodeAt(ctx, address, block)
	if err != nil {
		return nil, fmt.Errorf("code at %s: %w", address, err)
	}
	return code, nil
}

// BalanceAt returns the native balance of an account.
func (c *Client) BalanceAt(ctx context.Context, address common.Address, block *big.Int) (*big.Int, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	balance, err := c.eth.BalanceAt(ctx, address, block)
	if err != nil {
		return nil, fmt.Errorf("balance of %s: %w", address, err)
	}
	return balance, nil
}
