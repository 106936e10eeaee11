package mandate

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustagent/mandates/pkg/crypto"
	"github.com/trustagent/mandates/pkg/finance"
	"github.com/trustagent/mandates/pkg/risk"
)

var t0 = time.Date(2026, 5, 4, 9, 30, 0, 123456789, time.UTC)

func newTestFactory(t *testing.T) *Factory {
	t.Helper()
	kr, err := crypto.NewRandomKeyring()
	require.NoError(t, err)
	f := NewFactory(crypto.NewEd25519Service(kr), risk.DefaultScorer())
	f.Clock = func() time.Time { return t0 }
	return f
}

func usd(minor int64) finance.Money { return finance.NewMoney(minor, "USD") }

func paymentPayload(minor int64, purpose string) PaymentPayload {
	return PaymentPayload{Amount: usd(minor), Purpose: purpose}
}

func TestFactory_Create(t *testing.T) {
	f := newTestFactory(t)

	m, err := f.Create("user-1", paymentPayload(9000, "emergency"))
	require.NoError(t, err)

	assert.NotEmpty(t, m.ID)
	assert.Equal(t, KindPayment, m.Kind)
	assert.Equal(t, StatusPending, m.Status)
	assert.Equal(t, t0.Truncate(time.Microsecond), m.CreatedAt)
	assert.Equal(t, m.CreatedAt.Add(DefaultTTL), m.ExpiresAt)
	assert.Nil(t, m.ExecutedAt)
	assert.Len(t, m.Nonce, 64)
	assert.Equal(t, crypto.AlgEd25519, m.Tag.Algorithm)
	assert.True(t, f.Verify(m))

	p := m.Payload.(PaymentPayload)
	assert.Equal(t, UrgencyEmergency, p.Urgency)
	assert.False(t, m.Trust.RequiresManualReview)
	assert.True(t, f.CanAutoApprove(m))

	other, err := f.Create("user-1", paymentPayload(9000, "emergency"))
	require.NoError(t, err)
	assert.NotEqual(t, m.ID, other.ID)
	assert.NotEqual(t, m.Nonce, other.Nonce)
	assert.NotEqual(t, m.Tag.Value, other.Tag.Value)
}

func TestFactory_CreateValidation(t *testing.T) {
	f := newTestFactory(t)

	tests := []struct {
		name    string
		owner   string
		payload Payload
	}{
		{"missing owner", "", IntentPayload{IntentType: "savings_goal"}},
		{"nil payload", "user-1", nil},
		{"missing intent type", "user-1", IntentPayload{}},
		{"bad frequency", "user-1", IntentPayload{IntentType: "savings_goal", Frequency: "hourly"}},
		{"empty cart", "user-1", CartPayload{}},
		{"unnamed item", "user-1", CartPayload{Items: []CartItem{{Amount: usd(100)}}}},
		{"free item", "user-1", CartPayload{Items: []CartItem{{Name: "x"}}}},
		{"mixed currency", "user-1", CartPayload{Items: []CartItem{
			{Name: "a", Amount: usd(100)},
			{Name: "b", Amount: finance.NewMoney(100, "EUR")},
		}}},
		{"wrong total", "user-1", CartPayload{
			Items:       []CartItem{{Name: "a", Amount: usd(100)}},
			TotalAmount: usd(200),
		}},
		{"zero payment", "user-1", PaymentPayload{Purpose: "rent"}},
		{"no purpose", "user-1", PaymentPayload{Amount: usd(100)}},
		{"bad urgency", "user-1", PaymentPayload{Amount: usd(100), Purpose: "rent", Urgency: "asap"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := f.Create(tt.owner, tt.payload)
			assert.Nil(t, m)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestCartPayload_TotalComputed(t *testing.T) {
	f := newTestFactory(t)

	m, err := f.Create("user-1", CartPayload{Items: []CartItem{
		{Name: "streaming", Amount: usd(1599)},
		{Name: "cloud storage", Amount: usd(299), Quantity: 2},
	}})
	require.NoError(t, err)

	p := m.Payload.(CartPayload)
	assert.Equal(t, usd(2197), p.TotalAmount)
	assert.Equal(t, int64(1), p.Items[0].Quantity)
	assert.True(t, f.CanAutoApprove(m))
}

func TestIntentPayload_DefaultFrequency(t *testing.T) {
	f := newTestFactory(t)

	m, err := f.Create("user-1", IntentPayload{IntentType: "savings_goal"})
	require.NoError(t, err)
	assert.Equal(t, FrequencyMonthly, m.Payload.(IntentPayload).Frequency)
}

func TestMandate_Lifecycle(t *testing.T) {
	f := newTestFactory(t)

	m, err := f.Create("user-1", paymentPayload(50000, "rent"))
	require.NoError(t, err)
	require.False(t, f.CanAutoApprove(m))

	_, err = m.Execute(f.Signer, t0)
	assert.ErrorIs(t, err, ErrIllegalTransition)

	require.NoError(t, m.Approve(f.Signer))
	assert.Equal(t, StatusApproved, m.Status)

	res, err := m.Execute(f.Signer, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, m.Status)
	require.NotNil(t, m.ExecutedAt)
	assert.Equal(t, t0.Add(time.Hour).Truncate(time.Microsecond), *m.ExecutedAt)
	assert.Equal(t, ActionPaymentExecuted, res.Action)
	assert.Regexp(t, `^tx_[0-9a-f]{8}$`, res.TxRef)
	assert.Equal(t, "rent", res.Purpose)
	assert.Equal(t, usd(50000), *res.Amount)
	assert.Same(t, res, m.Result)

	first := *m.ExecutedAt
	_, err = m.Execute(f.Signer, t0.Add(2*time.Hour))
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, EventExecute, te.Event)
	assert.Equal(t, StatusExecuted, te.From)
	assert.ErrorIs(t, err, ErrIllegalTransition)
	assert.Equal(t, first, *m.ExecutedAt)
}

func TestMandate_ExecuteExpired(t *testing.T) {
	f := newTestFactory(t)

	m, err := f.Create("user-1", IntentPayload{IntentType: "savings_goal"})
	require.NoError(t, err)
	require.NoError(t, m.Approve(f.Signer))

	_, err = m.Execute(f.Signer, m.ExpiresAt)
	assert.ErrorIs(t, err, ErrExpired)
	assert.Equal(t, StatusApproved, m.Status)
	assert.Nil(t, m.ExecutedAt)
}

func TestMandate_TamperedPayload(t *testing.T) {
	f := newTestFactory(t)

	m, err := f.Create("user-1", paymentPayload(9000, "emergency"))
	require.NoError(t, err)
	require.NoError(t, m.Approve(f.Signer))

	m.Payload = paymentPayload(900000, "emergency")
	_, err = m.Execute(f.Signer, t0)
	assert.ErrorIs(t, err, ErrIntegrity)
	assert.Equal(t, StatusApproved, m.Status)
	assert.Nil(t, m.ExecutedAt)

	pending, err := f.Create("user-1", paymentPayload(9000, "emergency"))
	require.NoError(t, err)
	pending.Nonce = "00"
	assert.ErrorIs(t, pending.Approve(f.Signer), ErrIntegrity)
	assert.Equal(t, StatusPending, pending.Status)
}

func TestMandate_AutoApprove(t *testing.T) {
	f := newTestFactory(t)

	m, err := f.Create("user-1", IntentPayload{IntentType: "savings_goal"})
	require.NoError(t, err)
	d, err := m.AutoApprove(f.Scorer, f.Signer)
	require.NoError(t, err)
	assert.True(t, d.Approved)
	assert.Equal(t, StatusApproved, m.Status)

	_, err = m.AutoApprove(f.Scorer, f.Signer)
	assert.ErrorIs(t, err, ErrIllegalTransition)

	big, err := f.Create("user-1", paymentPayload(9000, "shopping"))
	require.NoError(t, err)
	d, err = big.AutoApprove(f.Scorer, f.Signer)
	assert.ErrorIs(t, err, ErrNotEligible)
	assert.Equal(t, risk.ReasonHardCap, d.Reason)
	assert.Equal(t, StatusPending, big.Status)
}

func TestMandate_CancelAndExpire(t *testing.T) {
	f := newTestFactory(t)

	m, err := f.Create("user-1", paymentPayload(50000, "rent"))
	require.NoError(t, err)

	assert.ErrorIs(t, m.Expire(t0), ErrNotDue)
	require.NoError(t, m.Cancel())
	assert.Equal(t, StatusCancelled, m.Status)
	assert.ErrorIs(t, m.Expire(m.ExpiresAt), ErrIllegalTransition)
	assert.ErrorIs(t, m.Approve(f.Signer), ErrIllegalTransition)

	e, err := f.Create("user-1", paymentPayload(50000, "rent"))
	require.NoError(t, err)
	require.NoError(t, e.Expire(e.ExpiresAt))
	assert.Equal(t, StatusExpired, e.Status)
	assert.ErrorIs(t, e.Approve(f.Signer), ErrIllegalTransition)
	assert.ErrorIs(t, e.Cancel(), ErrIllegalTransition)
}

func TestMandate_IllegalTransitionsDoNotMutate(t *testing.T) {
	f := newTestFactory(t)
	late := t0.Add(48 * time.Hour)

	events := map[Event]func(*Mandate) error{
		EventApprove:     func(m *Mandate) error { return m.Approve(f.Signer) },
		EventAutoApprove: func(m *Mandate) error { _, err := m.AutoApprove(f.Scorer, f.Signer); return err },
		EventExecute:     func(m *Mandate) error { _, err := m.Execute(f.Signer, t0); return err },
		EventCancel:      func(m *Mandate) error { return m.Cancel() },
		EventExpire:      func(m *Mandate) error { return m.Expire(late) },
	}

	for _, from := range Statuses {
		for ev, apply := range events {
			if CanTransition(from, ev) {
				continue
			}
			t.Run(string(from)+"/"+string(ev), func(t *testing.T) {
				m, err := f.Create("user-1", IntentPayload{IntentType: "savings_goal"})
				require.NoError(t, err)
				m.Status = from
				if from == StatusExecuted {
					at := t0
					m.ExecutedAt = &at
				}
				before := m.Clone()

				err = apply(m)
				assert.ErrorIs(t, err, ErrIllegalTransition)
				assert.Equal(t, before, m)
			})
		}
	}
}

func TestCanTransition(t *testing.T) {
	legal := map[Status][]Event{
		StatusPending:  {EventApprove, EventAutoApprove, EventCancel, EventExpire},
		StatusApproved: {EventExecute, EventExpire},
	}
	all := []Event{EventApprove, EventAutoApprove, EventExecute, EventCancel, EventExpire}

	for _, s := range Statuses {
		for _, ev := range all {
			want := false
			for _, l := range legal[s] {
				if l == ev {
					want = true
				}
			}
			assert.Equal(t, want, CanTransition(s, ev), "%s/%s", s, ev)
		}
		assert.Equal(t, len(legal[s]) == 0, s.Terminal(), s)
	}
	assert.False(t, CanTransition(StatusPending, "refund"))
}

func TestExecutionResults(t *testing.T) {
	f := newTestFactory(t)
	amount := usd(10000)
	threshold := usd(40000)

	tests := []struct {
		name    string
		payload Payload
		check   func(t *testing.T, r *ExecutionResult)
	}{
		{"savings", IntentPayload{IntentType: "savings_goal", Amount: &amount, Frequency: FrequencyWeekly}, func(t *testing.T, r *ExecutionResult) {
			assert.Equal(t, ActionSavingsAutomation, r.Action)
			assert.True(t, r.ActionCreated)
			require.NotNil(t, r.NextRunAt)
			assert.Equal(t, r.ExecutedAt.AddDate(0, 0, 7), *r.NextRunAt)
			assert.Contains(t, r.Details, "100.00 USD weekly")
		}},
		{"budget alert", IntentPayload{IntentType: "budget_alert", Category: "dining", Threshold: &threshold}, func(t *testing.T, r *ExecutionResult) {
			assert.Equal(t, ActionBudgetAlert, r.Action)
			assert.Contains(t, r.Details, "dining")
			require.NotNil(t, r.NextRunAt)
			assert.Equal(t, r.ExecutedAt.AddDate(0, 1, 0), *r.NextRunAt)
		}},
		{"other intent", IntentPayload{IntentType: "spending_analysis", Frequency: FrequencyOnce}, func(t *testing.T, r *ExecutionResult) {
			assert.Equal(t, ActionIntentProcessed, r.Action)
			assert.False(t, r.ActionCreated)
			assert.Nil(t, r.NextRunAt)
		}},
		{"cart", CartPayload{Items: []CartItem{{Name: "a", Amount: usd(1000)}, {Name: "b", Amount: usd(500)}}}, func(t *testing.T, r *ExecutionResult) {
			assert.Equal(t, ActionCartProcessed, r.Action)
			assert.Equal(t, 2, r.ItemCount)
			assert.Equal(t, usd(1500), *r.TotalAmount)
			assert.NotEmpty(t, r.TxRef)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := f.Create("user-1", tt.payload)
			require.NoError(t, err)
			require.NoError(t, m.Approve(f.Signer))
			res, err := m.Execute(f.Signer, t0)
			require.NoError(t, err)
			assert.Equal(t, m.Kind, res.Kind)
			tt.check(t, res)
		})
	}
}

func TestSnapshot_RoundTrip(t *testing.T) {
	f := newTestFactory(t)

	m, err := f.Create("user-1", CartPayload{
		Items:     []CartItem{{Name: "gym", Amount: usd(3000)}},
		Merchant:  "FitCo",
		Frequency: FrequencyMonthly,
	})
	require.NoError(t, err)
	require.NoError(t, m.Approve(f.Signer))
	_, err = m.Execute(f.Signer, t0)
	require.NoError(t, err)

	snap, err := m.Snapshot()
	require.NoError(t, err)

	raw, err := json.Marshal(snap)
	require.NoError(t, err)
	var decoded Snapshot
	require.NoError(t, json.Unmarshal(raw, &decoded))

	back, err := FromSnapshot(decoded)
	require.NoError(t, err)
	assert.Equal(t, m.ID, back.ID)
	assert.Equal(t, m.Payload, back.Payload)
	assert.Equal(t, m.Status, back.Status)
	assert.True(t, m.CreatedAt.Equal(back.CreatedAt))
	assert.True(t, m.ExecutedAt.Equal(*back.ExecutedAt))
	assert.Equal(t, m.Result.TxRef, back.Result.TxRef)
	assert.True(t, f.Verify(back))
}

func TestFromSnapshot_Rejects(t *testing.T) {
	f := newTestFactory(t)
	m, err := f.Create("user-1", IntentPayload{IntentType: "savings_goal"})
	require.NoError(t, err)
	good, err := m.Snapshot()
	require.NoError(t, err)

	mutations := map[string]func(*Snapshot){
		"kind":        func(s *Snapshot) { s.Kind = "loan" },
		"status":      func(s *Snapshot) { s.Status = "paused" },
		"executed_at": func(s *Snapshot) { now := t0; s.ExecutedAt = &now },
		"payload":     func(s *Snapshot) { s.Payload = json.RawMessage(`{"intent_type":1}`) },
		"extra field": func(s *Snapshot) { s.Payload = json.RawMessage(`{"intent_type":"x","frequency":"monthly","admin":true}`) },
		"owner":       func(s *Snapshot) { s.OwnerID = "" },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			s := good
			mutate(&s)
			_, err := FromSnapshot(s)
			assert.Error(t, err)
		})
	}
}

func TestParseKindAndStatus(t *testing.T) {
	k, err := ParseKind(" Cart ")
	require.NoError(t, err)
	assert.Equal(t, KindCart, k)
	_, err = ParseKind("loan")
	assert.ErrorIs(t, err, ErrValidation)

	s, err := ParseStatus("APPROVED")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, s)
	_, err = ParseStatus("done")
	assert.True(t, errors.Is(err, ErrValidation))
}
