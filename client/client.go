// Package client wraps an Ethereum JSON-RPC endpoint behind the
// data-fetch interface the sync engine consumes. Every call is rate
// limited, bounded by a timeout, and classified into transient or fatal
// failure.
package client

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/chainsync-io/chainsync/source"
)

// Config holds client configuration.
type Config struct {
	Endpoint string
	Timeout  time.Duration
	// MaxRPS caps requests per second; zero disables limiting.
	MaxRPS float64
	Logger *zap.Logger
}

// Client wraps an Ethereum JSON-RPC client with rate limiting and error
// classification.
type Client struct {
	ethClient *ethclient.Client
	rpcClient *rpc.Client
	endpoint  string
	timeout   time.Duration
	limiter   *rate.Limiter
	logger    *zap.Logger
}

// New dials the endpoint and verifies the connection.
func New(ctx context.Context, cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dialCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	rpcClient, err := rpc.DialContext(dialCtx, cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC endpoint: %w", classify(err))
	}

	var limiter *rate.Limiter
	if cfg.MaxRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.MaxRPS), int(cfg.MaxRPS)+1)
	}

	c := &Client{
		ethClient: ethclient.NewClient(rpcClient),
		rpcClient: rpcClient,
		endpoint:  cfg.Endpoint,
		timeout:   cfg.Timeout,
		limiter:   limiter,
		logger:    logger,
	}

	if _, err := c.GetChainID(ctx); err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("failed to ping RPC endpoint: %w", err)
	}

	logger.Info("connected to RPC endpoint", zap.String("endpoint", cfg.Endpoint))
	return c, nil
}

// Close closes the underlying connection.
func (c *Client) Close() {
	if c.ethClient != nil {
		c.ethClient.Close()
	}
}

// acquire applies the rate limit and per-call timeout.
func (c *Client) acquire(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, nil, err
		}
	}
	if c.timeout > 0 {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		return callCtx, cancel, nil
	}
	return ctx, func() {}, nil
}

// GetChainID returns the chain id of the connected endpoint.
func (c *Client) GetChainID(ctx context.Context) (uint64, error) {
	callCtx, cancel, err := c.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()

	id, err := c.ethClient.ChainID(callCtx)
	if err != nil {
		return 0, fmt.Errorf("failed to get chain id: %w", classify(err))
	}
	return id.Uint64(), nil
}

// GetHead returns the current head block header.
func (c *Client) GetHead(ctx context.Context) (*types.Header, error) {
	callCtx, cancel, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	header, err := c.ethClient.HeaderByNumber(callCtx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get head: %w", classify(err))
	}
	return header, nil
}

// GetHeaderByNumber fetches a block header by number.
func (c *Client) GetHeaderByNumber(ctx context.Context, number uint64) (*types.Header, error) {
	callCtx, cancel, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	header, err := c.ethClient.HeaderByNumber(callCtx, new(big.Int).SetUint64(number))
	if err != nil {
		return nil, fmt.Errorf("failed to get header %d: %w", number, classify(err))
	}
	return header, nil
}

// GetBlockByNumber fetches a full block, transactions included.
func (c *Client) GetBlockByNumber(ctx context.Context, number uint64) (*types.Block, error) {
	callCtx, cancel, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	block, err := c.ethClient.BlockByNumber(callCtx, new(big.Int).SetUint64(number))
	if err != nil {
		return nil, fmt.Errorf("failed to get block %d: %w", number, classify(err))
	}
	return block, nil
}

// GetLogs fetches logs matching the filter query.
func (c *Client) GetLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	callCtx, cancel, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	logs, err := c.ethClient.FilterLogs(callCtx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to get logs: %w", classify(err))
	}
	return logs, nil
}

// rpcTrace is the wire form of a trace_block entry.
type rpcTrace struct {
	Action struct {
		From     common.Address  `json:"from"`
		To       *common.Address `json:"to"`
		CallType string          `json:"callType"`
		Input    hexutil.Bytes   `json:"input"`
		Value    *hexutil.Big    `json:"value"`
	} `json:"action"`
	BlockNumber         uint64 `json:"blockNumber"`
	TransactionPosition uint64 `json:"transactionPosition"`
	Type                string `json:"type"`
}

// GetTraces fetches call traces for a block via trace_block.
func (c *Client) GetTraces(ctx context.Context, number uint64) ([]source.Trace, error) {
	callCtx, cancel, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	var raw []rpcTrace
	if err := c.rpcClient.CallContext(callCtx, &raw, "trace_block", hexutil.EncodeUint64(number)); err != nil {
		return nil, fmt.Errorf("failed to get traces for block %d: %w", number, classify(err))
	}

	traces := make([]source.Trace, 0, len(raw))
	for i, t := range raw {
		if t.Type != "call" && t.Type != "" {
			continue
		}
		tr := source.Trace{
			BlockNumber:      t.BlockNumber,
			TransactionIndex: t.TransactionPosition,
			TraceIndex:       uint64(i),
			From:             t.Action.From,
			To:               t.Action.To,
			CallType:         t.Action.CallType,
			Input:            t.Action.Input,
		}
		if t.Action.Value != nil {
			tr.Value = t.Action.Value.ToInt()
		}
		traces = append(traces, tr)
	}
	return traces, nil
}

// BatchGetHeaders fetches multiple headers in one batch request.
func (c *Client) BatchGetHeaders(ctx context.Context, numbers []uint64) ([]*types.Header, error) {
	if len(numbers) == 0 {
		return nil, nil
	}

	callCtx, cancel, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	headers := make([]*types.Header, len(numbers))
	batch := make([]rpc.BatchElem, len(numbers))
	for i, num := range numbers {
		batch[i] = rpc.BatchElem{
			Method: "eth_getBlockByNumber",
			Args:   []interface{}{hexutil.EncodeUint64(num), false},
			Result: &headers[i],
		}
	}

	if err := c.rpcClient.BatchCallContext(callCtx, batch); err != nil {
		return nil, fmt.Errorf("batch header call failed: %w", classify(err))
	}

	for i, elem := range batch {
		if elem.Error != nil {
			c.logger.Error("failed to fetch header in batch",
				zap.Uint64("block_number", numbers[i]),
				zap.Error(elem.Error))
			return nil, fmt.Errorf("failed to fetch header %d: %w", numbers[i], classify(elem.Error))
		}
	}
	return headers, nil
}
