package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustagent/mandates/pkg/api"
	"github.com/trustagent/mandates/pkg/auth"
	"github.com/trustagent/mandates/pkg/crypto"
	"github.com/trustagent/mandates/pkg/mandate"
	"github.com/trustagent/mandates/pkg/metrics"
	"github.com/trustagent/mandates/pkg/protocol"
	"github.com/trustagent/mandates/pkg/risk"
	"github.com/trustagent/mandates/pkg/store"
)

type testServer struct {
	srv   *httptest.Server
	keys  *auth.Ed25519KeySet
	clock atomic.Int64
}

func (ts *testServer) now() time.Time { return time.Unix(0, ts.clock.Load()).UTC() }

func (ts *testServer) setNow(t time.Time) { ts.clock.Store(t.UnixNano()) }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	kr, err := crypto.NewKeyring(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	ks, err := auth.NewEd25519KeySet(bytes.Repeat([]byte{9}, 32))
	require.NoError(t, err)

	ts := &testServer{keys: ks}
	ts.setNow(time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC))
	clock := ts.now

	f := mandate.NewFactory(crypto.NewEd25519Service(kr), risk.DefaultScorer())
	f.Clock = clock
	collector := metrics.New()
	reg := protocol.New(f, store.NewMemoryStore(),
		protocol.WithClock(clock),
		protocol.WithObserver(collector))

	neg, err := api.NewVersionNegotiator("1.0.0", "^1.0")
	require.NoError(t, err)

	s, err := New(Options{
		Registry:   reg,
		Validator:  auth.NewJWTValidator(ks),
		Limiter:    api.NewRateLimiter(1000, 1000),
		Negotiator: neg,
		Metrics:    collector.Handler(),

		Idempotency: api.NewMemoryIdempotencyStore(time.Hour),
	})
	require.NoError(t, err)

	ts.srv = httptest.NewServer(s.Handler())
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) token(t *testing.T, owner string, roles ...string) string {
	t.Helper()
	tok, err := auth.MintToken(context.Background(), ts.keys, owner, roles, time.Hour)
	require.NoError(t, err)
	return tok
}

func (ts *testServer) do(t *testing.T, method, path, token, body string) (*http.Response, []byte) {
	t.Helper()
	return ts.doKey(t, method, path, token, body, "")
}

func (ts *testServer) doKey(t *testing.T, method, path, token, body, idemKey string) (*http.Response, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, rdr)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	if idemKey != "" {
		req.Header.Set(api.IdempotencyHeader, idemKey)
	}
	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

type mandateBody struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Mandate mandateView `json:"mandate"`
}

func decodeMandate(t *testing.T, raw []byte) mandateBody {
	t.Helper()
	var b mandateBody
	require.NoError(t, json.Unmarshal(raw, &b), string(raw))
	return b
}

func decodeProblem(t *testing.T, raw []byte) api.ProblemDetail {
	t.Helper()
	var p api.ProblemDetail
	require.NoError(t, json.Unmarshal(raw, &p), string(raw))
	return p
}

func TestHealthIsPublic(t *testing.T) {
	ts := newTestServer(t)
	resp, raw := ts.do(t, http.MethodGet, HealthPath, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1.0.0", resp.Header.Get(api.VersionHeader))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var h healthResponse
	require.NoError(t, json.Unmarshal(raw, &h))
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "AP2", h.Protocol)
	assert.Equal(t, Features, h.Features)
}

func TestRequiresToken(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := ts.do(t, http.MethodGet, BasePath+"/mandates", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodGet, BasePath+"/mandates", "not-a-jwt", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUnsupportedVersion(t *testing.T) {
	ts := newTestServer(t)
	req, err := http.NewRequest(http.MethodGet, ts.srv.URL+HealthPath, nil)
	require.NoError(t, err)
	req.Header.Set(api.VersionHeader, "2.0.0")
	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateMandates(t *testing.T) {
	ts := newTestServer(t)
	tok := ts.token(t, "alice")

	tests := []struct {
		name   string
		path   string
		body   string
		status mandate.Status
	}{
		{"safe intent", "/mandates/intent", `{"intent_type":"savings_goal","amount":"50.00","frequency":"monthly"}`, mandate.StatusApproved},
		{"other intent", "/mandates/intent", `{"intent_type":"investment"}`, mandate.StatusPending},
		{"small cart", "/mandates/cart", `{"items":[{"name":"milk","amount":3.5,"quantity":2},{"name":"bread","amount":"2.25"}]}`, mandate.StatusApproved},
		{"emergency payment", "/mandates/payment", `{"amount":90,"purpose":"emergency"}`, mandate.StatusApproved},
		{"urgent bill", "/mandates/payment", `{"amount":25,"purpose":"utilities","urgency":"emergency"}`, mandate.StatusApproved},
		{"routine payment", "/mandates/payment", `{"amount":25,"purpose":"utilities"}`, mandate.StatusPending},
		{"large payment", "/mandates/payment", `{"amount":"900.00","purpose":"rent"}`, mandate.StatusPending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, raw := ts.do(t, http.MethodPost, BasePath+tt.path, tok, tt.body)
			require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
			b := decodeMandate(t, raw)
			assert.True(t, b.Success)
			assert.NotEmpty(t, b.Message)
			assert.Equal(t, tt.status, b.Mandate.Status)
			assert.Equal(t, "alice", b.Mandate.OwnerID)
			assert.True(t, b.Mandate.IntegrityVerified)
			assert.InDelta(t, b.Mandate.Trust.Effective(), b.Mandate.EffectiveTrustScore, 1e-9)
		})
	}
}

func TestCreateRejectsInvalidBodies(t *testing.T) {
	ts := newTestServer(t)
	tok := ts.token(t, "alice")

	tests := []struct {
		name string
		path string
		body string
		code string
	}{
		{"malformed", "/mandates/payment", `{"amount":`, "invalid_request"},
		{"missing purpose", "/mandates/payment", `{"amount":10}`, "invalid_request"},
		{"negative amount", "/mandates/payment", `{"amount":-1,"purpose":"x"}`, "invalid_request"},
		{"unknown field", "/mandates/intent", `{"intent_type":"savings_goal","extra":true}`, "invalid_request"},
		{"bad urgency", "/mandates/payment", `{"amount":10,"purpose":"x","urgency":"now"}`, "invalid_request"},
		{"empty cart", "/mandates/cart", `{"items":[]}`, "invalid_request"},
		{"zero payment", "/mandates/payment", `{"amount":0,"purpose":"x"}`, "validation_failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, raw := ts.do(t, http.MethodPost, BasePath+tt.path, tok, tt.body)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode, string(raw))
			assert.Equal(t, tt.code, decodeProblem(t, raw).Code)
		})
	}

	resp, raw := ts.do(t, http.MethodGet, BasePath+"/mandates", tok, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list listResponse
	require.NoError(t, json.Unmarshal(raw, &list))
	assert.Zero(t, list.Count)
}

func TestLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	tok := ts.token(t, "alice")

	resp, raw := ts.do(t, http.MethodPost, BasePath+"/mandates/payment", tok, `{"amount":"900.00","purpose":"rent","recipient":"landlord"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	id := decodeMandate(t, raw).Mandate.ID

	resp, raw = ts.do(t, http.MethodPost, BasePath+"/mandates/"+id+"/execute", tok, "")
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "illegal_transition", decodeProblem(t, raw).Code)

	resp, raw = ts.do(t, http.MethodPost, BasePath+"/mandates/"+id+"/approve", tok, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	assert.Equal(t, mandate.StatusApproved, decodeMandate(t, raw).Mandate.Status)

	resp, raw = ts.do(t, http.MethodPost, BasePath+"/mandates/"+id+"/execute", tok, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	var exec struct {
		Success         bool                     `json:"success"`
		Mandate         mandateView              `json:"mandate"`
		ExecutionResult *mandate.ExecutionResult `json:"execution_result"`
	}
	require.NoError(t, json.Unmarshal(raw, &exec))
	assert.Equal(t, mandate.StatusExecuted, exec.Mandate.Status)
	require.NotNil(t, exec.ExecutionResult)
	assert.Equal(t, mandate.ActionPaymentExecuted, exec.ExecutionResult.Action)
	assert.NotEmpty(t, exec.ExecutionResult.TxRef)

	resp, _ = ts.do(t, http.MethodPost, BasePath+"/mandates/"+id+"/cancel", tok, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestExpiredExecution(t *testing.T) {
	ts := newTestServer(t)
	tok := ts.token(t, "alice")

	_, raw := ts.do(t, http.MethodPost, BasePath+"/mandates/payment", tok, `{"amount":10,"purpose":"emergency"}`)
	m := decodeMandate(t, raw).Mandate
	require.Equal(t, mandate.StatusApproved, m.Status)

	ts.setNow(m.ExpiresAt)
	resp, raw := ts.do(t, http.MethodPost, BasePath+"/mandates/"+m.ID+"/execute", tok, "")
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "mandate_expired", decodeProblem(t, raw).Code)
}

func TestOwnership(t *testing.T) {
	ts := newTestServer(t)
	alice, bob := ts.token(t, "alice"), ts.token(t, "bob")

	_, raw := ts.do(t, http.MethodPost, BasePath+"/mandates/intent", alice, `{"intent_type":"investment"}`)
	id := decodeMandate(t, raw).Mandate.ID

	resp, _ := ts.do(t, http.MethodGet, BasePath+"/mandates/"+id, bob, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodPost, BasePath+"/mandates/"+id+"/approve", bob, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodGet, BasePath+"/mandates/does-not-exist", bob, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, raw = ts.do(t, http.MethodGet, BasePath+"/mandates/"+id, alice, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, mandate.StatusPending, decodeMandate(t, raw).Mandate.Status)
}

func TestListAndStats(t *testing.T) {
	ts := newTestServer(t)
	tok := ts.token(t, "alice")

	ts.do(t, http.MethodPost, BasePath+"/mandates/intent", tok, `{"intent_type":"budget_alert","threshold":"200"}`)
	ts.do(t, http.MethodPost, BasePath+"/mandates/intent", tok, `{"intent_type":"investment"}`)
	ts.do(t, http.MethodPost, BasePath+"/mandates/payment", ts.token(t, "bob"), `{"amount":5,"purpose":"tip"}`)

	resp, raw := ts.do(t, http.MethodGet, BasePath+"/mandates?status=pending", tok, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list listResponse
	require.NoError(t, json.Unmarshal(raw, &list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, mandate.StatusPending, list.Mandates[0].Status)

	resp, raw = ts.do(t, http.MethodGet, BasePath+"/mandates?status=bogus", tok, "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_status", decodeProblem(t, raw).Code)

	resp, raw = ts.do(t, http.MethodGet, BasePath+"/stats", tok, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats struct {
		Success bool           `json:"success"`
		Stats   protocol.Stats `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(raw, &stats))
	assert.Equal(t, 2, stats.Stats.TotalMandates)
	assert.Equal(t, 1, stats.Stats.PendingApproval)
	assert.Equal(t, 2, stats.Stats.ByKind[mandate.KindIntent])
}

func TestAdminSweeps(t *testing.T) {
	ts := newTestServer(t)
	user, admin := ts.token(t, "alice"), ts.token(t, "ops", auth.RoleAdmin)

	resp, _ := ts.do(t, http.MethodPost, BasePath+"/cleanup", user, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, raw := ts.do(t, http.MethodPost, BasePath+"/mandates/intent", user, `{"intent_type":"investment"}`)
	m := decodeMandate(t, raw).Mandate
	ts.setNow(m.ExpiresAt.Add(time.Second))

	resp, raw = ts.do(t, http.MethodPost, BasePath+"/cleanup", admin, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	var sweep sweepResponse
	require.NoError(t, json.Unmarshal(raw, &sweep))
	assert.Equal(t, 1, sweep.Affected)
	assert.Equal(t, "Cleaned up 1 expired mandates", sweep.Message)

	resp, raw = ts.do(t, http.MethodPost, BasePath+"/sweeps/auto-approve", admin, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	require.NoError(t, json.Unmarshal(raw, &sweep))
	assert.Zero(t, sweep.Affected)

	_, raw = ts.do(t, http.MethodGet, BasePath+"/mandates/"+m.ID, user, "")
	assert.Equal(t, mandate.StatusExpired, decodeMandate(t, raw).Mandate.Status)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPost, BasePath+"/mandates/payment", ts.token(t, "alice"), `{"amount":5,"purpose":"tip"}`)

	resp, raw := ts.do(t, http.MethodGet, MetricsPath, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), `ap2_mandates_created_total{kind="payment"} 1`)
}

func TestUnknownRoute(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := ts.do(t, http.MethodGet, "/nope", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestIdempotentRetries(t *testing.T) {
	ts := newTestServer(t)
	tok := ts.token(t, "alice")
	body := `{"amount":12,"purpose":"groceries","urgency":"emergency"}`

	resp, first := ts.doKey(t, http.MethodPost, BasePath+"/mandates/payment", tok, body, "create-1")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, again := ts.doKey(t, http.MethodPost, BasePath+"/mandates/payment", tok, body, "create-1")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "true", resp.Header.Get("Idempotent-Replayed"))
	assert.JSONEq(t, string(first), string(again))

	_, raw := ts.do(t, http.MethodGet, BasePath+"/mandates", tok, "")
	var list listResponse
	require.NoError(t, json.Unmarshal(raw, &list))
	require.Equal(t, 1, list.Count)
	id := list.Mandates[0].ID

	resp, first = ts.doKey(t, http.MethodPost, BasePath+"/mandates/"+id+"/execute", tok, "", "exec-1")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(first))
	resp, again = ts.doKey(t, http.MethodPost, BasePath+"/mandates/"+id+"/execute", tok, "", "exec-1")
	require.Equal(t, http.StatusOK, resp.StatusCode, "retried execution replays the first result")
	assert.JSONEq(t, string(first), string(again))

	resp, _ = ts.doKey(t, http.MethodPost, BasePath+"/mandates/"+id+"/execute", tok, "", "exec-2")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, raw = ts.doKey(t, http.MethodPost, BasePath+"/mandates/payment", tok, `{"amount":13,"purpose":"groceries","urgency":"emergency"}`, "create-1")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "idempotency_key_reused", decodeProblem(t, raw).Code)
}
