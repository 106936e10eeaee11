package server

import (
	"encoding/json"
	"time"

	"github.com/trustagent/mandates/pkg/crypto"
	"github.com/trustagent/mandates/pkg/mandate"
	"github.com/trustagent/mandates/pkg/risk"
)

// mandateView is the wire form of a mandate.
type mandateView struct {
	ID                  string                   `json:"id"`
	Kind                mandate.Kind             `json:"type"`
	OwnerID             string                   `json:"user_id"`
	Payload             json.RawMessage          `json:"data"`
	Status              mandate.Status           `json:"status"`
	CreatedAt           time.Time                `json:"created_at"`
	ExpiresAt           time.Time                `json:"expires_at"`
	ExecutedAt          *time.Time               `json:"executed_at,omitempty"`
	Nonce               string                   `json:"nonce"`
	IntegrityTag        crypto.IntegrityTag      `json:"signature"`
	IntegrityVerified   bool                     `json:"integrity_verified"`
	Trust               risk.TrustMetrics        `json:"trust_metrics"`
	EffectiveTrustScore float64                  `json:"effective_trust_score"`
	Result              *mandate.ExecutionResult `json:"execution_result,omitempty"`
}

func newMandateView(m *mandate.Mandate, verified bool) (mandateView, error) {
	s, err := m.Snapshot()
	if err != nil {
		return mandateView{}, err
	}
	return mandateView{
		ID:                  s.ID,
		Kind:                s.Kind,
		OwnerID:             s.OwnerID,
		Payload:             s.Payload,
		Status:              s.Status,
		CreatedAt:           s.CreatedAt,
		ExpiresAt:           s.ExpiresAt,
		ExecutedAt:          s.ExecutedAt,
		Nonce:               s.Nonce,
		IntegrityTag:        s.IntegrityTag,
		IntegrityVerified:   verified,
		Trust:               s.Trust,
		EffectiveTrustScore: s.Trust.Effective(),
		Result:              s.Result,
	}, nil
}

type mandateResponse struct {
	Success bool        `json:"success"`
	Mandate mandateView `json:"mandate"`
	Message string      `json:"message,omitempty"`
}

type executeResponse struct {
	Success         bool                     `json:"success"`
	Mandate         mandateView              `json:"mandate"`
	ExecutionResult *mandate.ExecutionResult `json:"execution_result"`
	Message         string                   `json:"message"`
}

type listResponse struct {
	Success  bool          `json:"success"`
	Mandates []mandateView `json:"mandates"`
	Count    int           `json:"count"`
}

type sweepResponse struct {
	Success  bool   `json:"success"`
	Affected int    `json:"affected"`
	Message  string `json:"message"`
}

type healthResponse struct {
	Status   string   `json:"status"`
	Protocol string   `json:"protocol"`
	Version  string   `json:"version"`
	Features []string `json:"features"`
}
