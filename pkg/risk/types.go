// Package risk implements the trust scorer that gates automatic approval of
// mandates. Scoring is deterministic and stateless.
package risk

import (
	"github.com/shopspring/decimal"
)

// Class selects the risk formula and hard cap applied to an exposure.
type Class string

const (
	ClassIntent  Class = "intent"
	ClassCart    Class = "cart"
	ClassPayment Class = "payment"
)

// Exposure is the part of a mandate payload the scorer looks at.
type Exposure struct {
	Class      Class
	Amount     decimal.Decimal // major units
	Minor      int64           // Amount in the currency's minor units
	Currency   string
	IntentType string
	Emergency  bool
}

// TrustMetrics is computed once when a mandate is created and never recomputed.
type TrustMetrics struct {
	BaseScore             float64 `json:"base_score"`
	RiskScore             float64 `json:"risk_score"`
	AutoApprovalThreshold float64 `json:"auto_approval_threshold"`
	RequiresManualReview  bool    `json:"requires_manual_review"`
}

// Effective is the trust left after risk is subtracted from the baseline.
func (m TrustMetrics) Effective() float64 {
	return m.BaseScore - m.RiskScore
}

// Decision explains an auto-approval outcome.
type Decision struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason"`
}

// Decision reasons.
const (
	ReasonApproved        = "approved"
	ReasonUnverified      = "integrity_unverified"
	ReasonManualReview    = "manual_review_required"
	ReasonHardCap         = "hard_cap_exceeded"
	ReasonDenyRule        = "deny_rule_matched"
	ReasonUnknownClass    = "unknown_class"
	ReasonPolicyEvalError = "policy_evaluation_error"
)
