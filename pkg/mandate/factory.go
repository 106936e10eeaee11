package mandate

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/trustagent/mandates/pkg/crypto"
	"github.com/trustagent/mandates/pkg/risk"
)

// DefaultTTL is the lifetime of a mandate that is never executed.
const DefaultTTL = 24 * time.Hour

const nonceSize = 32

// Factory builds signed, scored mandates.
type Factory struct {
	Signer crypto.Service
	Scorer *risk.Scorer
	Clock  func() time.Time
	TTL    time.Duration
}

// NewFactory returns a factory with the system clock and DefaultTTL.
func NewFactory(signer crypto.Service, scorer *risk.Scorer) *Factory {
	return &Factory{
		Signer: signer,
		Scorer: scorer,
		Clock:  time.Now,
		TTL:    DefaultTTL,
	}
}

func (f *Factory) now() time.Time {
	if f.Clock != nil {
		return f.Clock()
	}
	return time.Now()
}

// Create validates the payload and returns a pending mandate. In order it
// allocates the id and nonce, stamps timestamps, scores trust and signs.
// A validation error means nothing was built.
func (f *Factory) Create(ownerID string, p Payload) (*Mandate, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, validationf("owner_id is required")
	}
	p, err := Prepare(p)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce generation failed: %w", err)
	}

	ttl := f.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	// Microsecond precision survives every store round trip, so the signed
	// timestamp re-verifies after a reload.
	created := f.now().UTC().Truncate(time.Microsecond)

	m := &Mandate{
		ID:        uuid.NewString(),
		Kind:      p.Kind(),
		OwnerID:   ownerID,
		Payload:   p,
		Status:    StatusPending,
		CreatedAt: created,
		ExpiresAt: created.Add(ttl),
		Nonce:     hex.EncodeToString(nonce),
	}
	m.Trust = f.Scorer.Score(p.Exposure())

	tag, err := f.Signer.Sign(m.Identity())
	if err != nil {
		return nil, fmt.Errorf("sign mandate: %w", err)
	}
	m.Tag = tag
	return m, nil
}

// Verify reports whether m's tag verifies with the factory's signer.
func (f *Factory) Verify(m *Mandate) bool {
	return m.Verify(f.Signer)
}

// Decide evaluates auto-approval eligibility for m without changing it.
func (f *Factory) Decide(m *Mandate) risk.Decision {
	return f.Scorer.Decide(m.Payload.Exposure(), m.Trust, f.Verify(m))
}

// CanAutoApprove reports whether m may be approved without a human.
func (f *Factory) CanAutoApprove(m *Mandate) bool {
	return m.Status == StatusPending && f.Decide(m).Approved
}
