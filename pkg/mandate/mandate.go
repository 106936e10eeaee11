package mandate

import (
	"time"

	"github.com/trustagent/mandates/pkg/crypto"
	"github.com/trustagent/mandates/pkg/risk"
)

// Verifier checks an integrity tag. crypto.Service satisfies it.
type Verifier interface {
	Verify(id crypto.Identity, tag crypto.IntegrityTag) bool
}

// Mandate is a signed authorization for a bounded financial action.
//
// ID, Kind, OwnerID, Payload, CreatedAt and Nonce are covered by Tag and never
// change. Status, ExecutedAt and Result change only through the transition
// methods, each of which either succeeds completely or leaves the mandate
// untouched.
type Mandate struct {
	ID         string
	Kind       Kind
	OwnerID    string
	Payload    Payload
	Status     Status
	CreatedAt  time.Time
	ExpiresAt  time.Time
	ExecutedAt *time.Time
	Nonce      string
	Tag        crypto.IntegrityTag
	Trust      risk.TrustMetrics
	Result     *ExecutionResult
}

// Identity returns the signed portion of the mandate.
func (m *Mandate) Identity() crypto.Identity {
	return crypto.Identity{
		ID:        m.ID,
		Kind:      string(m.Kind),
		OwnerID:   m.OwnerID,
		Payload:   m.Payload,
		CreatedAt: m.CreatedAt,
		Nonce:     m.Nonce,
	}
}

// Verify reports whether the integrity tag matches the mandate's identity.
func (m *Mandate) Verify(v Verifier) bool {
	if v == nil || m.Payload == nil {
		return false
	}
	return v.Verify(m.Identity(), m.Tag)
}

// Expired reports whether now is at or past expires_at.
func (m *Mandate) Expired(now time.Time) bool {
	return !now.Before(m.ExpiresAt)
}

// Clone returns a copy whose mutable fields can change independently.
// Payloads are immutable and shared.
func (m *Mandate) Clone() *Mandate {
	c := *m
	if m.ExecutedAt != nil {
		t := *m.ExecutedAt
		c.ExecutedAt = &t
	}
	if m.Result != nil {
		r := *m.Result
		c.Result = &r
	}
	return &c
}

func (m *Mandate) reject(ev Event, err error) error {
	return &TransitionError{Event: ev, From: m.Status, Err: err}
}

func (m *Mandate) guard(ev Event) error {
	if !CanTransition(m.Status, ev) {
		return m.reject(ev, ErrIllegalTransition)
	}
	return nil
}

// Approve moves a pending mandate with a valid tag to approved.
func (m *Mandate) Approve(v Verifier) error {
	if err := m.guard(EventApprove); err != nil {
		return err
	}
	if !m.Verify(v) {
		return m.reject(EventApprove, ErrIntegrity)
	}
	m.Status = StatusApproved
	return nil
}

// AutoApprove approves a pending mandate when the scorer allows it without
// human review. The returned decision explains the outcome either way.
func (m *Mandate) AutoApprove(s *risk.Scorer, v Verifier) (risk.Decision, error) {
	if err := m.guard(EventAutoApprove); err != nil {
		return risk.Decision{}, err
	}
	verified := m.Verify(v)
	d := s.Decide(m.Payload.Exposure(), m.Trust, verified)
	if !verified {
		return d, m.reject(EventAutoApprove, ErrIntegrity)
	}
	if !d.Approved {
		return d, m.reject(EventAutoApprove, ErrNotEligible)
	}
	m.Status = StatusApproved
	return d, nil
}

// Execute moves an approved, unexpired mandate with a valid tag to executed
// and records the execution result.
func (m *Mandate) Execute(v Verifier, now time.Time) (*ExecutionResult, error) {
	if err := m.guard(EventExecute); err != nil {
		return nil, err
	}
	if !m.Verify(v) {
		return nil, m.reject(EventExecute, ErrIntegrity)
	}
	if m.Expired(now) {
		return nil, m.reject(EventExecute, ErrExpired)
	}

	at := now.UTC().Truncate(time.Microsecond)
	res := newExecutionResult(m, at)
	m.Status = StatusExecuted
	m.ExecutedAt = &at
	m.Result = res
	return res, nil
}

// Cancel moves a pending mandate to cancelled.
func (m *Mandate) Cancel() error {
	if err := m.guard(EventCancel); err != nil {
		return err
	}
	m.Status = StatusCancelled
	return nil
}

// Expire moves a pending or approved mandate past expires_at to expired.
func (m *Mandate) Expire(now time.Time) error {
	if err := m.guard(EventExpire); err != nil {
		return err
	}
	if !m.Expired(now) {
		return m.reject(EventExpire, ErrNotDue)
	}
	m.Status = StatusExpired
	return nil
}
