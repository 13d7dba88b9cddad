package api

import (
	"bytes"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"PolarVest/internal/auth"
	"PolarVest/internal/events"
	"PolarVest/internal/storage"
	"PolarVest/internal/token"
	"PolarVest/internal/vesting"
)

type fakeClock struct {
	now uint64
}

func (c *fakeClock) Now() uint64 { return c.now }

type testServer struct {
	app    *fiber.App
	clock  *fakeClock
	tokens *token.MemLedger
}

func newTestServer(t *testing.T, eventLog *events.StoreSink) *testServer {
	t.Helper()

	table := auth.NewTable()
	table.Grant("admin", auth.CapCurveSetter)
	table.Grant("ops", auth.CapVestingRole)

	tokens := token.NewMemLedger("ledger")
	tokens.Mint("ledger", big.NewInt(1_000_000))

	clock := &fakeClock{now: 5_000_000}

	var sink events.Sink = events.NewMemSink()
	if eventLog != nil {
		sink = eventLog
	}

	store := vesting.NewMemStore()
	engine := vesting.NewEngine(vesting.Config{
		Store:    store,
		Tokens:   tokens,
		Caps:     table,
		Events:   sink,
		Clock:    clock,
		Account:  "ledger",
		Treasury: "treasury",
	})

	server := New(":0", engine, store, table, eventLog)

	return &testServer{app: server.App(), clock: clock, tokens: tokens}
}

func (ts *testServer) request(t *testing.T, method, path, identity string, body any) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if identity != "" {
		req.Header.Set(identityHeader, identity)
	}

	resp, err := ts.app.Test(req, -1)
	require.NoError(t, err)

	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()

	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func (ts *testServer) setCurve(t *testing.T, cohort uint32, bps []uint16) {
	t.Helper()

	resp := ts.request(t, "POST", "/curves", "admin",
		fiber.Map{"cohort": cohort, "monthlyBps": bps})
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
}

func (ts *testServer) createGrant(t *testing.T, beneficiary, amount string) string {
	t.Helper()

	resp := ts.request(t, "POST", "/grants", "ops", fiber.Map{
		"beneficiary": beneficiary,
		"startTime":   ts.clock.now,
		"cohort":      1,
		"amountTotal": amount,
		"revocable":   true,
	})
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)

	var body struct {
		GrantID string `json:"grantId"`
	}
	decodeBody(t, resp, &body)
	require.NotEmpty(t, body.GrantID)

	return body.GrantID
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.request(t, "GET", "/health", "", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestMutationsRequireIdentity(t *testing.T) {
	ts := newTestServer(t, nil)

	paths := []struct {
		method, path string
	}{
		{"POST", "/curves"},
		{"POST", "/grants"},
		{"POST", "/withdraw"},
	}

	for _, p := range paths {
		resp := ts.request(t, p.method, p.path, "", fiber.Map{})
		require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode, "%s %s", p.method, p.path)
	}
}

func TestCurveEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.setCurve(t, 1, []uint16{0, 2500, 5000, 2500})

	resp := ts.request(t, "GET", "/curves/1", "", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var curve struct {
		Cohort     uint32   `json:"cohort"`
		MonthlyBps []uint16 `json:"monthlyBps"`
	}
	decodeBody(t, resp, &curve)
	require.Equal(t, []uint16{0, 2500, 5000, 2500}, curve.MonthlyBps)

	// Frozen: a second registration conflicts.
	resp = ts.request(t, "POST", "/curves", "admin",
		fiber.Map{"cohort": 1, "monthlyBps": []uint16{0, 10000}})
	require.Equal(t, fiber.StatusConflict, resp.StatusCode)

	// Validation failures are client errors.
	resp = ts.request(t, "POST", "/curves", "admin",
		fiber.Map{"cohort": 2, "monthlyBps": []uint16{0, 9000, 2000}})
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	// Capability enforcement.
	resp = ts.request(t, "POST", "/curves", "mallory",
		fiber.Map{"cohort": 3, "monthlyBps": []uint16{0, 10000}})
	require.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	resp = ts.request(t, "GET", "/curves/9", "", nil)
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestGrantLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.setCurve(t, 1, []uint16{0, 2500, 5000, 5000})
	id := ts.createGrant(t, "bob", "100000")

	resp := ts.request(t, "GET", "/grants/"+id, "", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var grant struct {
		Beneficiary string `json:"beneficiary"`
		AmountTotal string `json:"amountTotal"`
		Released    string `json:"released"`
		Revocable   bool   `json:"revocable"`
	}
	decodeBody(t, resp, &grant)
	require.Equal(t, "bob", grant.Beneficiary)
	require.Equal(t, "100000", grant.AmountTotal)
	require.Equal(t, "0", grant.Released)
	require.True(t, grant.Revocable)

	resp = ts.request(t, "GET", "/grants?beneficiary=bob", "", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var list struct {
		GrantIDs []string `json:"grantIds"`
	}
	decodeBody(t, resp, &list)
	require.Equal(t, []string{id}, list.GrantIDs)

	// Nothing releasable during the cliff month.
	resp = ts.request(t, "GET", "/grants/"+id+"/releasable", "", nil)
	var releasable struct {
		Releasable string `json:"releasable"`
	}
	decodeBody(t, resp, &releasable)
	require.Equal(t, "0", releasable.Releasable)

	ts.clock.now += vesting.MonthSeconds

	resp = ts.request(t, "GET", "/grants/"+id+"/releasable", "", nil)
	decodeBody(t, resp, &releasable)
	require.Equal(t, "25000", releasable.Releasable)

	resp = ts.request(t, "POST", "/grants/"+id+"/release", "bob",
		fiber.Map{"amount": "25000"})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	// Asking for more than vested conflicts.
	resp = ts.request(t, "POST", "/grants/"+id+"/release", "bob",
		fiber.Map{"amount": "1"})
	require.Equal(t, fiber.StatusConflict, resp.StatusCode)

	resp = ts.request(t, "GET", "/reserve", "", nil)
	var reserve struct {
		WithdrawableReserve string `json:"withdrawableReserve"`
	}
	decodeBody(t, resp, &reserve)
	require.Equal(t, "900000", reserve.WithdrawableReserve)
}

func TestRevokeOverHTTP(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.setCurve(t, 1, []uint16{0, 2500, 5000, 5000})
	id := ts.createGrant(t, "bob", "100000")

	ts.clock.now += vesting.MonthSeconds

	// Only a vesting-role holder may revoke.
	resp := ts.request(t, "POST", "/grants/"+id+"/revoke", "bob", nil)
	require.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	resp = ts.request(t, "POST", "/grants/"+id+"/revoke", "ops", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body struct {
		PendingPaid       string `json:"pendingPaid"`
		RemainderReturned string `json:"remainderReturned"`
	}
	decodeBody(t, resp, &body)
	require.Equal(t, "25000", body.PendingPaid)
	require.Equal(t, "75000", body.RemainderReturned)

	// Already revoked.
	resp = ts.request(t, "POST", "/grants/"+id+"/revoke", "ops", nil)
	require.Equal(t, fiber.StatusConflict, resp.StatusCode)
}

func TestWithdrawOverHTTP(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.setCurve(t, 1, []uint16{0, 10000})
	ts.createGrant(t, "bob", "600000")

	resp := ts.request(t, "POST", "/withdraw", "ops",
		fiber.Map{"destination": "carol", "amount": "500000"})
	require.Equal(t, fiber.StatusConflict, resp.StatusCode)

	resp = ts.request(t, "POST", "/withdraw", "ops",
		fiber.Map{"destination": "carol", "amount": "400000"})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	balance, err := ts.tokens.BalanceOf("carol")
	require.NoError(t, err)
	require.Zero(t, balance.Cmp(big.NewInt(400000)))
}

func TestBadRequests(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.setCurve(t, 1, []uint16{0, 10000})

	// Malformed amount string.
	resp := ts.request(t, "POST", "/grants", "ops", fiber.Map{
		"beneficiary": "bob",
		"startTime":   ts.clock.now,
		"cohort":      1,
		"amountTotal": "not-a-number",
	})
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	// Malformed grant id.
	resp = ts.request(t, "GET", "/grants/zzzz", "", nil)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	// Well-formed but unknown grant id.
	unknown := vesting.DeriveGrantID("nobody", 0)
	resp = ts.request(t, "GET", "/grants/"+unknown.String(), "", nil)
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	// Missing beneficiary filter.
	resp = ts.request(t, "GET", "/grants", "", nil)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestEventsEndpoint(t *testing.T) {
	db, err := storage.New(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	eventLog, err := events.NewStoreSink(db)
	require.NoError(t, err)

	ts := newTestServer(t, eventLog)
	ts.setCurve(t, 1, []uint16{0, 10000})
	ts.createGrant(t, "bob", "1000")

	resp := ts.request(t, "GET", "/events", "", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body struct {
		Events []events.Event `json:"events"`
	}
	decodeBody(t, resp, &body)
	require.Len(t, body.Events, 2)
	require.Equal(t, events.KindCurveSet, body.Events[0].Kind)
	require.Equal(t, events.KindGrantCreated, body.Events[1].Kind)

	resp = ts.request(t, "GET", "/events?after=1", "", nil)
	decodeBody(t, resp, &body)
	require.Len(t, body.Events, 1)
	require.Equal(t, events.KindGrantCreated, body.Events[0].Kind)
}

func TestSnapshotRoundTripOverHTTP(t *testing.T) {
	source := newTestServer(t, nil)
	source.setCurve(t, 1, []uint16{0, 10000})
	id := source.createGrant(t, "bob", "1000")

	// Export requires the vesting role.
	resp := source.request(t, "GET", "/snapshot", "bob", nil)
	require.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	resp = source.request(t, "GET", "/snapshot", "ops", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	blob, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	// Import the blob into a fresh node.
	target := newTestServer(t, nil)
	req := httptest.NewRequest("POST", "/snapshot", bytes.NewReader(blob))
	req.Header.Set(identityHeader, "ops")
	resp, err = target.app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp = target.request(t, "GET", "/grants/"+id, "", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var grant struct {
		Beneficiary string `json:"beneficiary"`
		AmountTotal string `json:"amountTotal"`
	}
	decodeBody(t, resp, &grant)
	require.Equal(t, "bob", grant.Beneficiary)
	require.Equal(t, "1000", grant.AmountTotal)

	// Garbage blobs are rejected.
	req = httptest.NewRequest("POST", "/snapshot", bytes.NewReader([]byte("junk")))
	req.Header.Set(identityHeader, "ops")
	resp, err = target.app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestEventsUnavailableWithoutLog(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.request(t, "GET", "/events", "", nil)
	require.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
}
