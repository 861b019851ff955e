package provider

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"NUMA-Market/internal/web3"

	"github.com/ethereum/go-ethereum/common"
)

type stubClient struct {
	name   string
	closed bool
}

func (s *stubClient) Name() string { return s.name }
func (s *stubClient) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1), nil }
func (s *stubClient) Treasury() common.Address { return common.Address{} }
func (s *stubClient) Close() { s.closed = true }
func (s *stubClient) TokenBalance(context.Context, common.Address) (*big.Int, error) {
	return new(big.Int), nil
}
func (s *stubClient) Transfer(context.Context, common.Address, *big.Int) (web3.TransferResult, error) {
	return web3.TransferResult{}, nil
}
func (s *stubClient) TransferStatus(context.Context, common.Hash) (web3.TransferResult, error) {
	return web3.TransferResult{}, nil
}

const chainsYAML = `
chains:
  sepolia:
    rpc_url: https://rpc.sepolia.example
    chain_id: 11155111
    token_address: "0x00000000000000000000000000000000000000aa"
    treasury_key_env: NUMA_TREASURY_KEY
    poll_interval: 3s
  local:
    type: evm
    rpc_url: http://127.0.0.1:8545
    token_address: "0x00000000000000000000000000000000000000bb"
`

func TestBuildRegistry(t *testing.T) {
	defs, err := web3.ParseChainDefinitions([]byte(chainsYAML))
	if err != nil {
		t.Fatalf("parse chains: %v", err)
	}
	if got := defs.Chains["sepolia"].PollInterval.Seconds(); got != 3 {
		t.Fatalf("unexpected poll interval %v", got)
	}

	dialled := map[string]*stubClient{}
	dial := func(_ context.Context, name string, _ web3.ChainDefinition) (web3.TokenClient, error) {
		c := &stubClient{name: name}
		dialled[name] = c
		return c, nil
	}

	registry, err := Build(context.Background(), defs, "", dial)
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	if chains := registry.Chains(); len(chains) != 2 || chains[0] != "local" || chains[1] != "sepolia" {
		t.Fatalf("unexpected chains %v", chains)
	}
	def, err := registry.DefaultClient()
	if err != nil || def.Name() != "local" {
		t.Fatalf("expected first chain as default, got %v (%v)", def, err)
	}
	if _, ok := registry.Client("sepolia"); !ok {
		t.Fatal("expected sepolia client")
	}

	registry.Close()
	if !dialled["local"].closed || !dialled["sepolia"].closed {
		t.Fatal("expected all clients closed")
	}
}

func TestBuildRegistryFailures(t *testing.T) {
	defs, _ := web3.ParseChainDefinitions([]byte(chainsYAML))
	ok := func(_ context.Context, name string, _ web3.ChainDefinition) (web3.TokenClient, error) {
		return &stubClient{name: name}, nil
	}

	if _, err := Build(context.Background(), defs, "mainnet", ok); err == nil {
		t.Fatal("expected unknown default chain to fail")
	}
	if _, err := Build(context.Background(), web3.ChainDefinitions{}, "", ok); err == nil {
		t.Fatal("expected empty definitions to fail")
	}

	failing := func(context.Context, string, web3.ChainDefinition) (web3.TokenClient, error) {
		return nil, errors.New("dial refused")
	}
	if _, err := Build(context.Background(), defs, "", failing); err == nil {
		t.Fatal("expected dial failure to propagate")
	}

	if _, err := web3.ParseChainDefinitions([]byte("chains:\n  bad:\n    token_address: nope\n")); err == nil {
		t.Fatal("expected invalid token address to fail")
	}
	if _, err := DialEVM(context.Background(), "local", defs.Chains["local"]); err == nil {
		t.Fatal("expected missing treasury key env to fail")
	}
}
