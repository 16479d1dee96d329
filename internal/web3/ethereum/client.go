package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"GigaCrew-Agent/internal/web3"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name           string
	RPCURL         string
	ChainID        int64
	EscrowAddress  string
	ConfirmTimeout time.Duration
	Notes          string
}

// Client implements the web3.Client interface for EVM compatible chains.
type Client struct {
	name           string
	notes          string
	rpcClient      *gethrpc.Client
	eth            *ethclient.Client
	backend        Backend
	chainID        *big.Int
	escrow         common.Address
	confirmTimeout time.Duration
	mu             sync.Mutex
}

var _ web3.Client = (*Client)(nil)

// NewClient dials the configured RPC endpoint and resolves the chain id when
// it is not configured.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	if !common.IsHexAddress(cfg.EscrowAddress) {
		return nil, fmt.Errorf("托管合约地址无效: %q", cfg.EscrowAddress)
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID <= 0 {
		chainID, err = eth.ChainID(ctx)
		if err != nil {
			rpcClient.Close()
			return nil, fmt.Errorf("获取链 ID 失败: %w", err)
		}
	}

	return &Client{
		name:           cfg.Name,
		notes:          cfg.Notes,
		rpcClient:      rpcClient,
		eth:            eth,
		backend:        eth,
		chainID:        chainID,
		escrow:         common.HexToAddress(cfg.EscrowAddress),
		confirmTimeout: cfg.ConfirmTimeout,
	}, nil
}

// NewClientWithBackend wraps an existing backend, used by tests and tools
// that manage their own connection.
func NewClientWithBackend(name string, backend Backend, chainID *big.Int, escrow common.Address) *Client {
	return &Client{
		name:    name,
		backend: backend,
		chainID: new(big.Int).Set(chainID),
		escrow:  escrow,
		notes:   "custom backend",
	}
}

// Name returns the chain name from the configuration.
func (c *Client) Name() string { return c.name }

// Ledger binds the escrow contract to the given key.
func (c *Client) Ledger(key *ecdsa.PrivateKey) (web3.Ledger, error) {
	if c == nil || c.backend == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	return NewEscrowLedger(c.backend, c.escrow, c.chainID, key, c.confirmTimeout)
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	} else if c.rpcClient != nil {
		c.rpcClient.Close()
	}
	c.rpcClient = nil
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	if c == nil || c.backend == nil {
		return web3.ChainSnapshot{}, errors.New("未初始化的以太坊客户端")
	}
	blockNumber, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return web3.ChainSnapshot{
		ChainID:     toHexBig(c.chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}, nil
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}
