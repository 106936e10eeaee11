package risk

import (
	"fmt"
	"maps"
	"math"

	"github.com/google/cel-go/cel"
)

// Scorer computes trust metrics and auto-approval decisions. It is immutable
// after construction and safe for concurrent use.
type Scorer struct {
	policy Policy
	denies []denyProgram
}

type denyProgram struct {
	name string
	prg  cel.Program
}

// NewScorer compiles the policy's deny rules.
func NewScorer(p Policy) (*Scorer, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	p.Cart.Ceilings = maps.Clone(p.Cart.Ceilings)
	p.Payment.Ceilings = maps.Clone(p.Payment.Ceilings)
	s := &Scorer{policy: p}
	if len(p.DenyRules) == 0 {
		return s, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("kind", cel.StringType),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("intent_type", cel.StringType),
		cel.Variable("emergency", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	for i, rule := range p.DenyRules {
		ast, issues := env.Compile(rule.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("deny rule %d: compile: %w", i, issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("deny rule %d: expression must return bool", i)
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("deny rule %d: program: %w", i, err)
		}
		name := rule.Name
		if name == "" {
			name = fmt.Sprintf("rule_%d", i)
		}
		s.denies = append(s.denies, denyProgram{name: name, prg: prg})
	}
	return s, nil
}

// DefaultScorer returns a scorer for DefaultPolicy.
func DefaultScorer() *Scorer {
	s, err := NewScorer(DefaultPolicy())
	if err != nil {
		panic(err)
	}
	return s
}

// Policy returns the scorer's policy.
func (s *Scorer) Policy() Policy {
	return s.policy
}

// Score computes the trust metrics for an exposure.
func (s *Scorer) Score(e Exposure) TrustMetrics {
	p := s.policy
	amount, _ := e.Amount.Float64()

	var r float64
	switch e.Class {
	case ClassIntent:
		if p.safeIntent(e.IntentType) {
			r = p.Intent.SafeRisk
		} else {
			r = p.Intent.DefaultRisk
		}
	case ClassCart:
		r = math.Min(p.Cart.MaxRisk, amount/p.Cart.RiskDivisor)
	case ClassPayment:
		r = math.Min(p.Payment.MaxRisk, amount/p.Payment.RiskDivisor)
		if e.Emergency {
			r *= p.Payment.EmergencyFactor
		}
	default:
		r = p.BaseScore
	}
	r = math.Round(r*100) / 100

	return TrustMetrics{
		BaseScore:             p.BaseScore,
		RiskScore:             r,
		AutoApprovalThreshold: p.AutoApprovalThreshold,
		RequiresManualReview:  p.BaseScore-r < p.AutoApprovalThreshold,
	}
}

// CanAutoApprove reports whether a mandate may skip manual approval.
func (s *Scorer) CanAutoApprove(e Exposure, m TrustMetrics, verified bool) bool {
	return s.Decide(e, m, verified).Approved
}

// Decide evaluates the auto-approval gate: integrity, the statistical score,
// the kind's hard cap, then deny rules. All must pass.
func (s *Scorer) Decide(e Exposure, m TrustMetrics, verified bool) Decision {
	if !verified {
		return Decision{Reason: ReasonUnverified}
	}
	if m.RequiresManualReview {
		return Decision{Reason: ReasonManualReview}
	}

	switch e.Class {
	case ClassIntent:
		if !s.policy.safeIntent(e.IntentType) {
			return Decision{Reason: ReasonHardCap}
		}
	case ClassCart:
		if !s.policy.Cart.Ceilings.allows(e.Currency, e.Minor) {
			return Decision{Reason: ReasonHardCap}
		}
	case ClassPayment:
		if !s.policy.Payment.Ceilings.allows(e.Currency, e.Minor) || !e.Emergency {
			return Decision{Reason: ReasonHardCap}
		}
	default:
		return Decision{Reason: ReasonUnknownClass}
	}

	if len(s.denies) > 0 {
		amount, _ := e.Amount.Float64()
		vars := map[string]any{
			"kind":        string(e.Class),
			"amount":      amount,
			"currency":    e.Currency,
			"intent_type": e.IntentType,
			"emergency":   e.Emergency,
		}
		for _, d := range s.denies {
			out, _, err := d.prg.Eval(vars)
			if err != nil {
				return Decision{Reason: ReasonPolicyEvalError + ":" + d.name}
			}
			if deny, ok := out.Value().(bool); !ok || deny {
				return Decision{Reason: ReasonDenyRule + ":" + d.name}
			}
		}
	}

	return Decision{Approved: true, Reason: ReasonApproved}
}
