package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"NUMA-Market/internal/config"
	"NUMA-Market/internal/web3"
	"NUMA-Market/internal/web3/ethereum"
)

// Dialer builds a token client for one chain definition.
type Dialer func(ctx context.Context, name string, chain web3.ChainDefinition) (web3.TokenClient, error)

// Registry manages a set of token clients keyed by chain name.
type Registry struct {
	defaultChain string
	clients      map[string]web3.TokenClient
}

// NewRegistry loads chain definitions and dials every configured chain.
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}
	return Build(ctx, defs, cfg.DefaultChain, DialEVM)
}

// DialEVM connects an ERC-20 client, reading the treasury key from the
// environment variable the definition names.
func DialEVM(ctx context.Context, name string, chain web3.ChainDefinition) (web3.TokenClient, error) {
	keyEnv := strings.TrimSpace(chain.TreasuryKeyEnv)
	if keyEnv == "" {
		return nil, fmt.Errorf("链 %s 未配置 treasury_key_env", name)
	}
	key := os.Getenv(keyEnv)
	if key == "" {
		return nil, fmt.Errorf("环境变量 %s 未设置", keyEnv)
	}
	return ethereum.Dial(ctx, ethereum.Config{
		Name:         name,
		RPCURL:       chain.RPCURL,
		ChainID:      chain.ChainID,
		TokenAddress: chain.TokenAddress,
		TreasuryKey:  key,
		GasLimit:     chain.GasLimit,
		PollInterval: chain.PollInterval,
	})
}

// Build instantiates clients for the definitions with dial.
func Build(ctx context.Context, defs web3.ChainDefinitions, defaultChain string, dial Dialer) (*Registry, error) {
	clients := make(map[string]web3.TokenClient)
	closeAll := func() {
		for _, c := range clients {
			c.Close()
		}
	}
	for _, name := range sortedNames(defs.Chains) {
		chain := defs.Chains[name]
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		if chainType != "evm" {
			closeAll()
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
		client, err := dial(ctx, name, chain)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		clients[name] = client
	}

	if len(clients) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}
	if defaultChain == "" {
		defaultChain = sortedNames(defs.Chains)[0]
	}
	if _, ok := clients[defaultChain]; !ok {
		closeAll()
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}
	return &Registry{defaultChain: defaultChain, clients: clients}, nil
}

// DefaultClient returns the client configured as default chain.
func (r *Registry) DefaultClient() (web3.TokenClient, error) {
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
func (r *Registry) Client(name string) (web3.TokenClient, bool) {
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

func sortedNames(chains map[string]web3.ChainDefinition) []string {
	names := make([]string, 0, len(chains))
	for name := range chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
