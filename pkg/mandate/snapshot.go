package mandate

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/trustagent/mandates/pkg/crypto"
	"github.com/trustagent/mandates/pkg/risk"
)

// Snapshot is the persisted form of a mandate. Every field must round-trip
// through the store unchanged.
type Snapshot struct {
	ID           string              `json:"id"`
	Kind         Kind                `json:"kind"`
	OwnerID      string              `json:"owner_id"`
	Payload      json.RawMessage     `json:"payload"`
	Status       Status              `json:"status"`
	CreatedAt    time.Time           `json:"created_at"`
	ExpiresAt    time.Time           `json:"expires_at"`
	ExecutedAt   *time.Time          `json:"executed_at,omitempty"`
	Nonce        string              `json:"nonce"`
	IntegrityTag crypto.IntegrityTag `json:"integrity_tag"`
	Trust        risk.TrustMetrics   `json:"trust"`
	Result       *ExecutionResult    `json:"execution_result,omitempty"`
}

// Snapshot returns the persisted form of m.
func (m *Mandate) Snapshot() (Snapshot, error) {
	payload, err := json.Marshal(m.Payload)
	if err != nil {
		return Snapshot{}, fmt.Errorf("marshal payload: %w", err)
	}
	s := Snapshot{
		ID:           m.ID,
		Kind:         m.Kind,
		OwnerID:      m.OwnerID,
		Payload:      payload,
		Status:       m.Status,
		CreatedAt:    m.CreatedAt,
		ExpiresAt:    m.ExpiresAt,
		Nonce:        m.Nonce,
		IntegrityTag: m.Tag,
		Trust:        m.Trust,
	}
	if m.ExecutedAt != nil {
		t := *m.ExecutedAt
		s.ExecutedAt = &t
	}
	if m.Result != nil {
		r := *m.Result
		s.Result = &r
	}
	return s, nil
}

// FromSnapshot rebuilds a mandate. It checks structure only; integrity is
// verified by whoever transitions the mandate next.
func FromSnapshot(s Snapshot) (*Mandate, error) {
	if s.ID == "" || s.OwnerID == "" {
		return nil, fmt.Errorf("snapshot: id and owner_id are required")
	}
	if !s.Kind.Valid() {
		return nil, fmt.Errorf("snapshot %s: unknown kind %q", s.ID, s.Kind)
	}
	if !s.Status.Valid() {
		return nil, fmt.Errorf("snapshot %s: unknown status %q", s.ID, s.Status)
	}
	if (s.Status == StatusExecuted) != (s.ExecutedAt != nil) {
		return nil, fmt.Errorf("snapshot %s: executed_at inconsistent with status %s", s.ID, s.Status)
	}
	p, err := DecodePayload(s.Kind, s.Payload)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", s.ID, err)
	}

	m := &Mandate{
		ID:        s.ID,
		Kind:      s.Kind,
		OwnerID:   s.OwnerID,
		Payload:   p,
		Status:    s.Status,
		CreatedAt: s.CreatedAt.UTC(),
		ExpiresAt: s.ExpiresAt.UTC(),
		Nonce:     s.Nonce,
		Tag:       s.IntegrityTag,
		Trust:     s.Trust,
	}
	if s.ExecutedAt != nil {
		t := s.ExecutedAt.UTC()
		m.ExecutedAt = &t
	}
	if s.Result != nil {
		r := *s.Result
		m.Result = &r
	}
	return m, nil
}
