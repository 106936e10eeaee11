package risk

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Policy holds the tunable parameters of the trust scorer.
type Policy struct {
	BaseScore             float64 `yaml:"base_score" json:"base_score"`
	AutoApprovalThreshold float64 `yaml:"auto_approval_threshold" json:"auto_approval_threshold"`

	Intent  IntentPolicy  `yaml:"intent" json:"intent"`
	Cart    CartPolicy    `yaml:"cart" json:"cart"`
	Payment PaymentPolicy `yaml:"payment" json:"payment"`

	// DenyRules are CEL expressions; any rule evaluating to true vetoes
	// automatic approval. They can never grant it.
	DenyRules []DenyRule `yaml:"deny_rules,omitempty" json:"deny_rules,omitempty"`
}

// IntentPolicy scores intents by type.
type IntentPolicy struct {
	SafeTypes   []string `yaml:"safe_types" json:"safe_types"`
	SafeRisk    float64  `yaml:"safe_risk" json:"safe_risk"`
	DefaultRisk float64  `yaml:"default_risk" json:"default_risk"`
}

// CartPolicy scores carts by total.
type CartPolicy struct {
	RiskDivisor float64  `yaml:"risk_divisor" json:"risk_divisor"`
	MaxRisk     float64  `yaml:"max_risk" json:"max_risk"`
	Ceilings    Ceilings `yaml:"ceilings" json:"ceilings"`
}

// PaymentPolicy scores payments by amount.
type PaymentPolicy struct {
	RiskDivisor     float64  `yaml:"risk_divisor" json:"risk_divisor"`
	MaxRisk         float64  `yaml:"max_risk" json:"max_risk"`
	EmergencyFactor float64  `yaml:"emergency_factor" json:"emergency_factor"`
	Ceilings        Ceilings `yaml:"ceilings" json:"ceilings"`
}

// Ceilings maps a currency code to the largest amount, in that currency's
// minor units, that may be approved without a human. A currency with no
// entry is never auto-approved.
type Ceilings map[string]int64

func (c Ceilings) allows(currency string, minor int64) bool {
	ceiling, ok := c[strings.ToUpper(currency)]
	return ok && minor <= ceiling
}

// DenyRule is a named CEL veto.
type DenyRule struct {
	Name string `yaml:"name" json:"name"`
	Expr string `yaml:"expr" json:"expr"`
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() Policy {
	return Policy{
		BaseScore:             100,
		AutoApprovalThreshold: 80,
		Intent: IntentPolicy{
			SafeTypes:   []string{"savings_goal", "budget_alert", "spending_analysis"},
			SafeRisk:    10,
			DefaultRisk: 30,
		},
		Cart: CartPolicy{
			RiskDivisor: 20,
			MaxRisk:     50,
			Ceilings:    Ceilings{"USD": 5000},
		},
		Payment: PaymentPolicy{
			RiskDivisor:     10,
			MaxRisk:         80,
			EmergencyFactor: 0.7,
			Ceilings:        Ceilings{"USD": 10000},
		},
	}
}

// LoadPolicy reads a YAML policy file. Fields absent from the file keep their
// built-in defaults.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("load policy %q: %w", path, err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes a YAML policy document over the defaults.
func ParsePolicy(data []byte) (Policy, error) {
	p := DefaultPolicy()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Validate rejects non-positive divisors, out-of-range factors and empty rules.
func (p Policy) Validate() error {
	if p.Cart.RiskDivisor <= 0 || p.Payment.RiskDivisor <= 0 {
		return fmt.Errorf("policy: risk divisors must be positive")
	}
	if p.Payment.EmergencyFactor < 0 || p.Payment.EmergencyFactor > 1 {
		return fmt.Errorf("policy: emergency_factor must be within [0,1]")
	}
	for _, c := range []Ceilings{p.Cart.Ceilings, p.Payment.Ceilings} {
		for cur, v := range c {
			if v < 0 {
				return fmt.Errorf("policy: ceiling for %s must not be negative", cur)
			}
			if len(cur) != 3 || cur != strings.ToUpper(cur) {
				return fmt.Errorf("policy: ceiling currency %q must be an upper-case ISO code", cur)
			}
		}
	}
	for i, r := range p.DenyRules {
		if r.Expr == "" {
			return fmt.Errorf("policy: deny rule %d has no expression", i)
		}
	}
	return nil
}

func (p Policy) safeIntent(intentType string) bool {
	for _, t := range p.Intent.SafeTypes {
		if t == intentType {
			return true
		}
	}
	return false
}
