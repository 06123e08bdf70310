package credits

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// OperationPrice configures how token usage converts to credits for one
// operation tag.
type OperationPrice struct {
	CreditsPer1KTokens int64 `yaml:"credits_per_1k_tokens"`
	MinimumCharge      int64 `yaml:"minimum_charge"`
}

// Pricing maps operation tags to their credit price. Operations without an
// explicit entry use Default.
type Pricing struct {
	Operations map[string]OperationPrice `yaml:"operations"`
	Default    OperationPrice            `yaml:"default"`
}

// DefaultPricing charges one credit per started thousand tokens with a
// minimum charge of one credit.
func DefaultPricing() Pricing {
	return Pricing{
		Default: OperationPrice{CreditsPer1KTokens: 1, MinimumCharge: 1},
	}
}

// LoadPricing reads a pricing table from a YAML file. Zero or negative
// values fall back to the defaults so a partial table stays safe.
func LoadPricing(path string) (Pricing, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Pricing{}, fmt.Errorf("read pricing file: %w", err)
	}
	var p Pricing
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Pricing{}, fmt.Errorf("parse pricing file: %w", err)
	}
	p.Default = sanitize(p.Default)
	for op, price := range p.Operations {
		p.Operations[op] = sanitize(price)
	}
	return p, nil
}

func sanitize(p OperationPrice) OperationPrice {
	if p.CreditsPer1KTokens <= 0 {
		p.CreditsPer1KTokens = 1
	}
	if p.MinimumCharge <= 0 {
		p.MinimumCharge = 1
	}
	return p
}

// CostFor computes the credit cost of tokensUsed tokens for the operation.
// The result is always >= the operation's minimum charge for any positive
// token count; callers are expected to skip settlement entirely when
// tokensUsed <= 0.
func (p Pricing) CostFor(operation string, tokensUsed int64) int64 {
	price, ok := p.Operations[operation]
	if !ok {
		price = p.Default
	}
	price = sanitize(price)
	cost := (tokensUsed*price.CreditsPer1KTokens + 999) / 1000
	if cost < price.MinimumCharge {
		cost = price.MinimumCharge
	}
	return cost
}
