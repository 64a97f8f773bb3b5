package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Catalog describes the supported networks, the settlement asset on each,
// and tokens excluded from automatic conversion.
type Catalog struct {
	Settlement SettlementSpec `yaml:"settlement"`
	Networks   []NetworkSpec  `yaml:"networks"`

	byName map[string]NetworkSpec
}

type SettlementSpec struct {
	Network string `yaml:"network"`
	Symbol  string `yaml:"symbol"`
}

type NetworkSpec struct {
	Name                string   `yaml:"name"`
	ChainID             int64    `yaml:"chainId"`
	SettlementToken     string   `yaml:"settlementToken"`
	SettlementDecimals  int      `yaml:"settlementDecimals"`
	LiquidityPoolTokens []string `yaml:"liquidityPoolTokens"`
	PositionManager     string   `yaml:"positionManager"`
}

// LoadCatalog reads and indexes the YAML asset catalog at path.
func LoadCatalog(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading asset catalog %q: %w", path, err)
	}
	return ParseCatalog(raw)
}

func ParseCatalog(raw []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decoding asset catalog: %w", err)
	}
	c.Settlement.Network = normalizeNetwork(c.Settlement.Network)
	c.Settlement.Symbol = strings.ToUpper(strings.TrimSpace(c.Settlement.Symbol))
	if c.Settlement.Network == "" || c.Settlement.Symbol == "" {
		return nil, fmt.Errorf("asset catalog: settlement network and symbol are required")
	}

	c.byName = make(map[string]NetworkSpec, len(c.Networks))
	for i, n := range c.Networks {
		n.Name = normalizeNetwork(n.Name)
		if n.Name == "" {
			return nil, fmt.Errorf("asset catalog: network %d has no name", i)
		}
		if _, dup := c.byName[n.Name]; dup {
			return nil, fmt.Errorf("asset catalog: duplicate network %s", n.Name)
		}
		c.Networks[i] = n
		c.byName[n.Name] = n
	}
	if _, ok := c.byName[c.Settlement.Network]; !ok {
		return nil, fmt.Errorf("asset catalog: settlement network %s is not listed", c.Settlement.Network)
	}
	return &c, nil
}

func (c *Catalog) Network(name string) (NetworkSpec, bool) {
	n, ok := c.byName[normalizeNetwork(name)]
	return n, ok
}

func (c *Catalog) SettlementNetwork() string { return c.Settlement.Network }

func (c *Catalog) SettlementSymbol() string { return c.Settlement.Symbol }

// IsSettlementNetwork reports whether network is the hub network balances settle on.
func (c *Catalog) IsSettlementNetwork(network string) bool {
	return normalizeNetwork(network) == c.Settlement.Network
}

// IsSettlementAsset matches by token address when the network lists one, else by symbol.
func (c *Catalog) IsSettlementAsset(network, tokenAddress, symbol string) bool {
	n, ok := c.Network(network)
	if ok && n.SettlementToken != "" && tokenAddress != "" {
		return strings.EqualFold(n.SettlementToken, tokenAddress)
	}
	return strings.EqualFold(strings.TrimSpace(symbol), c.Settlement.Symbol)
}

func (c *Catalog) IsLiquidityPoolToken(network, tokenAddress string) bool {
	n, ok := c.Network(network)
	if !ok || tokenAddress == "" {
		return false
	}
	for _, lp := range n.LiquidityPoolTokens {
		if strings.EqualFold(lp, tokenAddress) {
			return true
		}
	}
	return false
}

func normalizeNetwork(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}
