package provider

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"GigaCrew-Agent/internal/config"
	"GigaCrew-Agent/internal/web3"
	"GigaCrew-Agent/internal/web3/ethereum"
)

// Registry manages a set of chain clients keyed by human readable names. Each
// client exposes the escrow contract configured for its chain.
type Registry struct {
	defaultChain string
	clients      map[string]web3.Client
}

// NewRegistry loads chain definitions and instantiates concrete clients.
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	confirmTimeout := time.Duration(cfg.ConfirmTimeoutSeconds) * time.Second
	clients := make(map[string]web3.Client)
	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		switch chainType {
		case "evm":
			escrow := chain.EscrowAddress
			if escrow == "" {
				escrow = cfg.EscrowAddress
			}
			client, err := ethereum.NewClient(ctx, ethereum.Config{
				Name:           name,
				RPCURL:         chain.RPCURL,
				ChainID:        chain.ChainID,
				EscrowAddress:  escrow,
				ConfirmTimeout: confirmTimeout,
				Notes:          chain.Description,
			})
			if err != nil {
				closeClients(clients)
				return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
			}
			clients[name] = client
		default:
			closeClients(clients)
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
	}

	if len(clients) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		client, err := ethereum.NewClient(ctx, ethereum.Config{
			Name:           "default",
			RPCURL:         cfg.RPCURL,
			ChainID:        cfg.ChainID,
			EscrowAddress:  cfg.EscrowAddress,
			ConfirmTimeout: confirmTimeout,
		})
		if err != nil {
			return nil, err
		}
		clients["default"] = client
		if cfg.DefaultChain == "" {
			cfg.DefaultChain = "default"
		}
	}

	if len(clients) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}

	defaultChain := cfg.DefaultChain
	if defaultChain == "" {
		names := make([]string, 0, len(clients))
		for name := range clients {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultChain = names[0]
	}
	if _, ok := clients[defaultChain]; !ok {
		closeClients(clients)
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}

	return &Registry{defaultChain: defaultChain, clients: clients}, nil
}

// DefaultClient returns the client configured as default chain.
func (r *Registry) DefaultClient() (web3.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	client, ok := r.clients[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return client, nil
}

// Client returns the chain client identified by name.
func (r *Registry) Client(name string) (web3.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultLedger binds the default chain's escrow contract to key.
func (r *Registry) DefaultLedger(key *ecdsa.PrivateKey) (web3.Ledger, error) {
	client, err := r.DefaultClient()
	if err != nil {
		return nil, err
	}
	return client.Ledger(key)
}

func closeClients(clients map[string]web3.Client) {
	for _, client := range clients {
		client.Close()
	}
}
