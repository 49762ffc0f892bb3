package web3

import (
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chain.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single chain endpoint and the exchange
// contracts deployed on it.
type ChainDefinition struct {
	Type        string `yaml:"type"`
	ChainID     int64  `yaml:"chain_id"`
	RPCURL      string `yaml:"rpc_url"`
	WSURL       string `yaml:"ws_url"`
	Description string `yaml:"description"`
	SwapRouter  string `yaml:"swap_router"`
	Quoter      string `yaml:"quoter"`
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

	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	return defs, nil
}

// Token describes an ERC20 token known to the deployment.
type Token struct {
	Symbol   string         `yaml:"-"`
	Address  common.Address `yaml:"-"`
	Decimals uint8          `yaml:"decimals"`
	Stable   bool           `yaml:"stable"`
}

type tokenYAML struct {
	Address  string `yaml:"address"`
	Decimals uint8  `yaml:"decimals"`
	Stable   bool   `yaml:"stable"`
}

// TokenSet indexes tokens by upper-case symbol.
type TokenSet map[string]Token

// LoadTokens parses a YAML document of the form
//
//	tokens:
//	  WETH: {address: "0x4200...0006", decimals: 18}
func LoadTokens(path string) (TokenSet, error) {
	if strings.TrimSpace(path) == "" {
		return TokenSet{}, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取代币配置失败: %w", err)
	}
	return ParseTokens(content)
}

// ParseTokens decodes the token YAML document.
func ParseTokens(content []byte) (TokenSet, error) {
	var doc struct {
		Tokens map[string]tokenYAML `yaml:"tokens"`
	}
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("解析代币配置失败: %w", err)
	}
	set := make(TokenSet, len(doc.Tokens))
	for symbol, raw := range doc.Tokens {
		if !common.IsHexAddress(raw.Address) {
			return nil, fmt.Errorf("代币 %s 的地址无效: %q", symbol, raw.Address)
		}
		key := strings.ToUpper(strings.TrimSpace(symbol))
		set[key] = Token{
			Symbol:   key,
			Address:  common.HexToAddress(raw.Address),
			Decimals: raw.Decimals,
			Stable:   raw.Stable,
		}
	}
	return set, nil
}

// Lookup resolves either a symbol or a hex address.
func (s TokenSet) Lookup(ref string) (Token, bool) {
	ref = strings.TrimSpace(ref)
	if common.IsHexAddress(ref) {
		addr := common.HexToAddress(ref)
		for _, tok := range s {
			if tok.Address == addr {
				return tok, true
			}
		}
		return Token{Address: addr}, false
	}
	tok, ok := s[strings.ToUpper(ref)]
	return tok, ok
}

// Stablecoins returns the addresses flagged as stable, sorted by symbol.
func (s TokenSet) Stablecoins() []common.Address {
	var symbols []string
	for symbol, tok := range s {
		if tok.Stable {
			symbols = append(symbols, symbol)
		}
	}
	sort.Strings(symbols)
	out := make([]common.Address, 0, len(symbols))
	for _, symbol := range symbols {
		out = append(out, s[symbol].Address)
	}
	return out
}

// OneUnit returns 10^decimals, the base-unit size of one whole token.
func (t Token) OneUnit() *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(t.Decimals)), nil)
}

// ParseUnits converts a decimal string such as "1.5" into base units.
func (t Token) ParseUnits(value string) (*big.Int, error) {
	return ParseUnits(value, t.Decimals)
}

// ParseUnits converts a decimal string into an integer scaled by 10^decimals.
// Digits beyond the token precision are rejected.
func ParseUnits(value string, decimals uint8) (*big.Int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("数量不能为空")
	}
	rat, ok := new(big.Rat).SetString(value)
	if !ok {
		return nil, fmt.Errorf("无法解析数量 %q", value)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	rat.Mul(rat, new(big.Rat).SetInt(scale))
	if !rat.IsInt() {
		return nil, fmt.Errorf("数量 %q 超出 %d 位精度", value, decimals)
	}
	return new(big.Int).Set(rat.Num()), nil
}

// FormatUnits renders a base-unit integer as a decimal string.
func FormatUnits(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return new(big.Rat).SetFrac(amount, scale).FloatString(int(decimals))
}
