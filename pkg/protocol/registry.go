// Package protocol is the mandate registry: it creates, indexes and
// transitions mandates, persisting every change write-through.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/trustagent/mandates/pkg/lock"
	"github.com/trustagent/mandates/pkg/mandate"
	"github.com/trustagent/mandates/pkg/store"
)

const tracerName = "github.com/trustagent/mandates/pkg/protocol"

// Registry owns the in-memory set of mandates and the only code paths that
// change them.
//
// Published mandates are never mutated. A transition clones the mandate,
// applies the change to the clone, persists it and only then swaps it in, so
// a failed write leaves the previous state in place. Transitions on one id
// are serialised by the Locker; sweeps lock each mandate individually.
type Registry struct {
	factory  *mandate.Factory
	store    store.Store
	locker   lock.Locker
	clock    func() time.Time
	logger   *slog.Logger
	observer Observer
	tracer   trace.Tracer

	mu       sync.RWMutex
	mandates map[string]*mandate.Mandate
}

// Option configures a Registry.
type Option func(*Registry)

// WithLocker replaces the in-process per-id locker.
func WithLocker(l lock.Locker) Option {
	return func(r *Registry) { r.locker = l }
}

// WithClock sets the time source used for execution and expiry.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) { r.clock = clock }
}

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithObserver registers an event observer.
func WithObserver(o Observer) Option {
	return func(r *Registry) {
		if o != nil {
			r.observer = o
		}
	}
}

// New creates a registry over a store. Call Load to hydrate it.
func New(factory *mandate.Factory, st store.Store, opts ...Option) *Registry {
	r := &Registry{
		factory:  factory,
		store:    st,
		locker:   lock.NewKeyedMutex(),
		clock:    factory.Clock,
		logger:   slog.Default().With("component", "protocol"),
		observer: nopObserver{},
		tracer:   otel.Tracer(tracerName),
		mandates: make(map[string]*mandate.Mandate),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.clock == nil {
		r.clock = time.Now
	}
	return r
}

func (r *Registry) now() time.Time {
	return r.clock()
}

// Load reads every snapshot from the store into memory. Snapshots that fail
// to decode are logged and skipped.
func (r *Registry) Load(ctx context.Context) (int, error) {
	ctx, span := r.tracer.Start(ctx, "protocol.Load")
	defer span.End()

	n, err := r.reload(ctx)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	span.SetAttributes(attribute.Int("mandates.loaded", n))
	r.logger.Info("mandates loaded", "count", n)
	return n, nil
}

func (r *Registry) reload(ctx context.Context) (int, error) {
	snaps, err := r.store.List(ctx, store.Filter{})
	if err != nil {
		return 0, fmt.Errorf("%w: load mandates: %v", ErrPersistence, err)
	}

	loaded := make(map[string]*mandate.Mandate, len(snaps))
	for _, s := range snaps {
		m, err := mandate.FromSnapshot(s)
		if err != nil {
			r.logger.Warn("skipping unreadable mandate snapshot", "mandate_id", s.ID, "error", err)
			continue
		}
		loaded[m.ID] = m
	}

	r.mu.Lock()
	for id, m := range loaded {
		r.mandates[id] = m
	}
	r.mu.Unlock()
	return len(loaded), nil
}

// Create builds, persists and publishes a mandate, then attempts automatic
// approval. A failed auto-approval write leaves the mandate pending for the
// sweeper to retry.
func (r *Registry) Create(ctx context.Context, ownerID string, p mandate.Payload) (*mandate.Mandate, error) {
	ctx, span := r.tracer.Start(ctx, "protocol.Create")
	defer span.End()

	m, err := r.factory.Create(ownerID, p)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("mandate.id", m.ID),
		attribute.String("mandate.kind", string(m.Kind)),
	)

	if err := r.persist(ctx, m); err != nil {
		span.RecordError(err)
		return nil, err
	}
	r.publish(m)
	r.observer.MandateCreated(m.Kind)
	r.logger.Info("mandate created",
		"mandate_id", m.ID, "owner_id", m.OwnerID, "kind", m.Kind,
		"risk_score", m.Trust.RiskScore, "requires_manual_review", m.Trust.RequiresManualReview)

	approved, err := r.autoApprove(ctx, m.ID)
	switch {
	case err == nil:
		return approved, nil
	case errors.Is(err, mandate.ErrNotEligible):
		return m.Clone(), nil
	default:
		r.logger.Warn("auto-approval deferred", "mandate_id", m.ID, "error", err)
		return r.Get(m.ID)
	}
}

// CreateIntentMandate creates an intent mandate.
func (r *Registry) CreateIntentMandate(ctx context.Context, ownerID string, p mandate.IntentPayload) (*mandate.Mandate, error) {
	return r.Create(ctx, ownerID, p)
}

// CreateCartMandate creates a cart mandate.
func (r *Registry) CreateCartMandate(ctx context.Context, ownerID string, p mandate.CartPayload) (*mandate.Mandate, error) {
	return r.Create(ctx, ownerID, p)
}

// CreatePaymentMandate creates a payment mandate.
func (r *Registry) CreatePaymentMandate(ctx context.Context, ownerID string, p mandate.PaymentPayload) (*mandate.Mandate, error) {
	return r.Create(ctx, ownerID, p)
}

// Get returns a copy of the mandate with the given id.
func (r *Registry) Get(id string) (*mandate.Mandate, error) {
	r.mu.RLock()
	m, ok := r.mandates[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.Clone(), nil
}

// GetOwned is Get restricted to the owner.
func (r *Registry) GetOwned(id, ownerID string) (*mandate.Mandate, error) {
	m, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if m.OwnerID != ownerID {
		return nil, ErrForbidden
	}
	return m, nil
}

// List returns the owner's mandates, newest first, optionally filtered by
// status. An empty owner lists every mandate.
func (r *Registry) List(ownerID string, status *mandate.Status) []*mandate.Mandate {
	r.mu.RLock()
	out := make([]*mandate.Mandate, 0)
	for _, m := range r.mandates {
		if ownerID != "" && m.OwnerID != ownerID {
			continue
		}
		if status != nil && m.Status != *status {
			continue
		}
		out = append(out, m.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// Verify reports whether a mandate's integrity tag currently verifies.
func (r *Registry) Verify(m *mandate.Mandate) bool {
	return r.factory.Verify(m)
}

// Approve approves a pending mandate owned by ownerID.
func (r *Registry) Approve(ctx context.Context, id, ownerID string) (*mandate.Mandate, error) {
	return r.transition(ctx, id, &ownerID, mandate.EventApprove, func(m *mandate.Mandate) error {
		return m.Approve(r.factory.Signer)
	})
}

// Execute executes an approved mandate owned by ownerID.
func (r *Registry) Execute(ctx context.Context, id, ownerID string) (*mandate.Mandate, *mandate.ExecutionResult, error) {
	var res *mandate.ExecutionResult
	m, err := r.transition(ctx, id, &ownerID, mandate.EventExecute, func(m *mandate.Mandate) error {
		var err error
		res, err = m.Execute(r.factory.Signer, r.now())
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return m, res, nil
}

// Cancel cancels a pending mandate owned by ownerID.
func (r *Registry) Cancel(ctx context.Context, id, ownerID string) (*mandate.Mandate, error) {
	return r.transition(ctx, id, &ownerID, mandate.EventCancel, func(m *mandate.Mandate) error {
		return m.Cancel()
	})
}

func (r *Registry) autoApprove(ctx context.Context, id string) (*mandate.Mandate, error) {
	return r.transition(ctx, id, nil, mandate.EventAutoApprove, func(m *mandate.Mandate) error {
		_, err := m.AutoApprove(r.factory.Scorer, r.factory.Signer)
		return err
	})
}

func (r *Registry) expire(ctx context.Context, id string) (*mandate.Mandate, error) {
	return r.transition(ctx, id, nil, mandate.EventExpire, func(m *mandate.Mandate) error {
		return m.Expire(r.now())
	})
}

// transition applies fn to a clone of mandate id under its lock, persists the
// clone and publishes it. A nil owner skips the ownership check; only trusted
// internal callers pass nil.
func (r *Registry) transition(ctx context.Context, id string, owner *string, ev mandate.Event, fn func(*mandate.Mandate) error) (*mandate.Mandate, error) {
	ctx, span := r.tracer.Start(ctx, "protocol."+string(ev), trace.WithAttributes(
		attribute.String("mandate.id", id),
	))
	defer span.End()

	unlock, err := r.locker.Lock(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("lock mandate %s: %w", id, err)
	}
	defer unlock()

	cur, err := r.refresh(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if owner != nil && cur.OwnerID != *owner {
		r.logger.Warn("mandate access denied", "mandate_id", id, "event", ev, "owner_id", *owner)
		return nil, ErrForbidden
	}

	next := cur.Clone()
	if err := fn(next); err != nil {
		r.rejected(cur, ev, err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if err := r.persist(ctx, next); err != nil {
		span.RecordError(err)
		return nil, err
	}
	r.publish(next)

	r.observer.Transitioned(next.Kind, ev, cur.Status, next.Status)
	r.logger.Info("mandate transitioned",
		"mandate_id", next.ID, "owner_id", next.OwnerID, "kind", next.Kind,
		"event", ev, "from", cur.Status, "to", next.Status)
	return next.Clone(), nil
}

// refresh re-reads id from the store. It must be called with the mandate's
// lock held: other processes sharing the store and locker may have moved it
// since this registry last saw it.
func (r *Registry) refresh(ctx context.Context, id string) (*mandate.Mandate, error) {
	snap, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: read mandate %s: %v", ErrPersistence, id, err)
	}
	if snap == nil {
		r.mu.Lock()
		delete(r.mandates, id)
		r.mu.Unlock()
		return nil, ErrNotFound
	}
	m, err := mandate.FromSnapshot(*snap)
	if err != nil {
		return nil, fmt.Errorf("%w: decode mandate %s: %v", ErrPersistence, id, err)
	}
	r.publish(m)
	return m, nil
}

func (r *Registry) rejected(m *mandate.Mandate, ev mandate.Event, err error) {
	reason := "illegal_transition"
	switch {
	case errors.Is(err, mandate.ErrIntegrity):
		reason = "integrity"
		r.logger.Warn("mandate integrity check failed", "mandate_id", m.ID, "owner_id", m.OwnerID, "event", ev)
	case errors.Is(err, mandate.ErrExpired):
		reason = "expired"
	case errors.Is(err, mandate.ErrNotEligible):
		reason = "not_eligible"
	case errors.Is(err, mandate.ErrNotDue):
		reason = "not_due"
	}
	r.observer.TransitionRejected(m.Kind, ev, reason)
}

func (r *Registry) persist(ctx context.Context, m *mandate.Mandate) error {
	snap, err := m.Snapshot()
	if err != nil {
		return err
	}
	if err := r.store.Put(ctx, snap); err != nil {
		r.logger.Error("mandate persistence failed", "mandate_id", m.ID, "status", m.Status, "error", err)
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

func (r *Registry) publish(m *mandate.Mandate) {
	r.mu.Lock()
	r.mandates[m.ID] = m
	r.mu.Unlock()
}

// candidates returns the ids matching keep, read under the registry lock.
func (r *Registry) candidates(keep func(*mandate.Mandate) bool) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, m := range r.mandates {
		if keep(m) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// ProcessAutoApprovals approves every unexpired pending mandate the scorer
// allows. Ineligible mandates are skipped; store failures are collected and
// returned alongside the count of mandates approved.
func (r *Registry) ProcessAutoApprovals(ctx context.Context) (int, error) {
	ctx, span := r.tracer.Start(ctx, "protocol.ProcessAutoApprovals")
	defer span.End()
	start := time.Now()

	if _, err := r.reload(ctx); err != nil {
		span.RecordError(err)
		return 0, err
	}
	now := r.now()
	ids := r.candidates(func(m *mandate.Mandate) bool {
		return m.Status == mandate.StatusPending && !m.Expired(now)
	})

	count, err := r.sweep(ctx, ids, r.autoApprove)
	span.SetAttributes(attribute.Int("mandates.approved", count))
	r.observer.SweepCompleted("auto_approve", count, time.Since(start))
	if count > 0 {
		r.logger.Info("auto-approval sweep complete", "approved", count, "candidates", len(ids))
	}
	return count, err
}

// CleanupExpired expires every pending or approved mandate past expires_at.
// Running it twice in a row expires nothing the second time.
func (r *Registry) CleanupExpired(ctx context.Context) (int, error) {
	ctx, span := r.tracer.Start(ctx, "protocol.CleanupExpired")
	defer span.End()
	start := time.Now()

	if _, err := r.reload(ctx); err != nil {
		span.RecordError(err)
		return 0, err
	}
	now := r.now()
	ids := r.candidates(func(m *mandate.Mandate) bool {
		return !m.Status.Terminal() && m.Expired(now)
	})

	count, err := r.sweep(ctx, ids, r.expire)
	span.SetAttributes(attribute.Int("mandates.expired", count))
	r.observer.SweepCompleted("expire", count, time.Since(start))
	if count > 0 {
		r.logger.Info("expiry sweep complete", "expired", count)
	}
	return count, err
}

func (r *Registry) sweep(ctx context.Context, ids []string, apply func(context.Context, string) (*mandate.Mandate, error)) (int, error) {
	var errs []error
	count := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		_, err := apply(ctx, id)
		switch {
		case err == nil:
			count++
		case errors.Is(err, ErrPersistence), errors.Is(err, lock.ErrTimeout):
			errs = append(errs, fmt.Errorf("mandate %s: %w", id, err))
		}
		// Anything else is a state that changed since the candidate scan or
		// a mandate the scorer refused; both are expected.
	}
	return count, errors.Join(errs...)
}

// Stats summarises mandates. An empty owner summarises every mandate.
type Stats struct {
	TotalMandates   int                    `json:"total_mandates"`
	ByKind          map[mandate.Kind]int   `json:"by_type"`
	ByStatus        map[mandate.Status]int `json:"by_status"`
	TotalExecuted   int                    `json:"total_executed"`
	PendingApproval int                    `json:"pending_approval"`
}

// Stats counts the owner's mandates by kind and status.
func (r *Registry) Stats(ownerID string) Stats {
	s := Stats{
		ByKind:   make(map[mandate.Kind]int),
		ByStatus: make(map[mandate.Status]int),
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.mandates {
		if ownerID != "" && m.OwnerID != ownerID {
			continue
		}
		s.TotalMandates++
		s.ByKind[m.Kind]++
		s.ByStatus[m.Status]++
		switch m.Status {
		case mandate.StatusExecuted:
			s.TotalExecuted++
		case mandate.StatusPending:
			s.PendingApproval++
		}
	}
	return s
}
