package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustagent/mandates/pkg/crypto"
	"github.com/trustagent/mandates/pkg/finance"
	"github.com/trustagent/mandates/pkg/mandate"
	"github.com/trustagent/mandates/pkg/risk"
)

var base = time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

func snapshot(id, owner string, status mandate.Status, created time.Time) mandate.Snapshot {
	return mandate.Snapshot{
		ID:        id,
		Kind:      mandate.KindPayment,
		OwnerID:   owner,
		Payload:   json.RawMessage(`{"amount":{"amount_minor":9000,"currency":"USD","scale":2},"purpose":"emergency","urgency":"emergency"}`),
		Status:    status,
		CreatedAt: created,
		ExpiresAt: created.Add(24 * time.Hour),
		Nonce:     "ab" + id,
		IntegrityTag: crypto.IntegrityTag{
			Algorithm: crypto.AlgEd25519,
			KeyID:     "k1",
			Value:     "sig-" + id,
		},
		Trust: risk.TrustMetrics{BaseScore: 100, RiskScore: 6.3, AutoApprovalThreshold: 80},
	}
}

// testStoreContract runs the behaviour every backend must share.
func testStoreContract(t *testing.T, s Store) {
	ctx := context.Background()

	got, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	a := snapshot("a", "user-1", mandate.StatusPending, base.Add(123456*time.Microsecond))
	b := snapshot("b", "user-1", mandate.StatusApproved, base.Add(time.Minute))
	c := snapshot("c", "user-2", mandate.StatusPending, base.Add(2*time.Minute))
	for _, snap := range []mandate.Snapshot{a, b, c} {
		require.NoError(t, s.Put(ctx, snap))
	}

	got, err = s.Get(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, a.Kind, got.Kind)
	assert.JSONEq(t, string(a.Payload), string(got.Payload))
	assert.True(t, a.CreatedAt.Equal(got.CreatedAt))
	assert.True(t, a.ExpiresAt.Equal(got.ExpiresAt))
	assert.Nil(t, got.ExecutedAt)
	assert.Equal(t, a.IntegrityTag, got.IntegrityTag)
	assert.Equal(t, a.Trust, got.Trust)
	assert.Equal(t, a.Nonce, got.Nonce)

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"c", "b", "a"}, ids(all))

	mine, err := s.List(ctx, Filter{OwnerID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, ids(mine))

	pending, err := s.List(ctx, Filter{OwnerID: "user-1", Status: mandate.StatusPending})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(pending))

	// Upsert moves status and records execution.
	executed := b
	executed.Status = mandate.StatusExecuted
	at := base.Add(time.Hour)
	executed.ExecutedAt = &at
	amount := finance.NewMoney(9000, "USD")
	executed.Result = &mandate.ExecutionResult{
		Kind: mandate.KindPayment, Action: mandate.ActionPaymentExecuted,
		TxRef: "tx_12345678", Amount: &amount, ExecutedAt: at,
	}
	require.NoError(t, s.Put(ctx, executed))

	got, err = s.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, mandate.StatusExecuted, got.Status)
	require.NotNil(t, got.ExecutedAt)
	assert.True(t, at.Equal(*got.ExecutedAt))
	require.NotNil(t, got.Result)
	assert.Equal(t, "tx_12345678", got.Result.TxRef)

	require.NoError(t, s.Delete(ctx, "c"))
	got, err = s.Get(ctx, "c")
	require.NoError(t, err)
	assert.Nil(t, got)
	require.NoError(t, s.Delete(ctx, "c"))
}

func ids(snaps []mandate.Snapshot) []string {
	out := make([]string, len(snaps))
	for i, s := range snaps {
		out[i] = s.ID
	}
	return out
}

func TestMemoryStore(t *testing.T) {
	testStoreContract(t, NewMemoryStore())
}

func TestMemoryStore_Isolation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	snap := snapshot("a", "user-1", mandate.StatusPending, base)
	require.NoError(t, s.Put(ctx, snap))

	snap.Payload[0] = 'X'
	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, byte('{'), got.Payload[0])

	got.Status = mandate.StatusExpired
	again, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, mandate.StatusPending, again.Status)
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLiteStore(context.Background(), ":memory:")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	testStoreContract(t, s)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, "memory://", Options{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	path := filepath.Join(t.TempDir(), "nested", "mandates.db")
	s, err = Open(ctx, "sqlite://"+path, Options{})
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, snapshot("a", "u", mandate.StatusPending, base)))
	require.NoError(t, s.Close())

	// Reopen sees the persisted row.
	s, err = Open(ctx, path, Options{})
	require.NoError(t, err)
	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NoError(t, s.Close())

	_, err = Open(ctx, "ftp://x", Options{})
	assert.Error(t, err)
	_, err = Open(ctx, "", Options{})
	assert.Error(t, err)
	_, err = Open(ctx, "gs://bucket/prefix", Options{})
	assert.Error(t, err)
}

func TestSQLStore_PostgresDialect(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer func() { _ = db.Close() }()

	s := NewSQLStore(db, DialectPostgres)
	ctx := context.Background()
	snap := snapshot("a", "user-1", mandate.StatusPending, base)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO mandates")).
		WithArgs("a", "payment", "user-1", "pending", sqlmock.AnyArg(),
			base.UnixMicro(), base.Add(24*time.Hour).UnixMicro(), nil,
			"aba", sqlmock.AnyArg(), sqlmock.AnyArg(), nil).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, s.Put(ctx, snap))

	cols := []string{"id", "kind", "owner_id", "status", "payload", "created_at", "expires_at",
		"executed_at", "nonce", "integrity_tag", "trust", "execution_result"}
	rows := sqlmock.NewRows(cols).AddRow("a", "payment", "user-1", "pending", string(snap.Payload),
		base.UnixMicro(), base.Add(24*time.Hour).UnixMicro(), nil, "aba",
		`{"algorithm":"ed25519","key_id":"k1","value":"sig-a"}`,
		`{"base_score":100,"risk_score":6.3,"auto_approval_threshold":80,"requires_manual_review":false}`, nil)

	mock.ExpectQuery(regexp.QuoteMeta("FROM mandates WHERE id = $1")).
		WithArgs("a").
		WillReturnRows(rows)

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, snap.IntegrityTag, got.IntegrityTag)
	assert.True(t, base.Equal(got.CreatedAt))

	mock.ExpectQuery(regexp.QuoteMeta("FROM mandates WHERE id = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(cols))
	got, err = s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE owner_id = $1 AND status = $2 ORDER BY created_at DESC, id DESC")).
		WithArgs("user-1", "approved").
		WillReturnRows(sqlmock.NewRows(cols))
	list, err := s.List(ctx, Filter{OwnerID: "user-1", Status: mandate.StatusApproved})
	require.NoError(t, err)
	assert.Empty(t, list)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM mandates WHERE id = $1")).
		WithArgs("a").
		WillReturnError(assert.AnError)
	assert.Error(t, s.Delete(ctx, "a"))

	assert.NoError(t, mock.ExpectationsWereMet())
}
