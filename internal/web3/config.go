package web3

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chain.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a chain the marketplace settles on.
type ChainDefinition struct {
	Type        string `yaml:"type"`
	RPCURL      string `yaml:"rpc_url"`
	ChainID     int64  `yaml:"chain_id"`
	Description string `yaml:"description"`
	// TokenAddress is the ERC-20 contract payments are made in.
	TokenAddress string `yaml:"token_address"`
	// TreasuryKeyEnv names the environment variable holding the hex private
	// key of the paying treasury.
	TreasuryKeyEnv string        `yaml:"treasury_key_env"`
	GasLimit       uint64        `yaml:"gas_limit"`
	PollInterval   time.Duration `yaml:"poll_interval"`
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}
	return ParseChainDefinitions(content)
}

// ParseChainDefinitions decodes chain metadata from YAML content.
func ParseChainDefinitions(content []byte) (ChainDefinitions, error) {
	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	for name, chain := range defs.Chains {
		if chain.TokenAddress != "" {
			if _, ok := ParseAddress(chain.TokenAddress); !ok {
				return ChainDefinitions{}, fmt.Errorf("链 %s 的代币地址无效: %s", name, chain.TokenAddress)
			}
		}
	}
	return defs, nil
}
