package client

import (
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// stubNode runs an httptest server with canned handlers and returns a
// client pointed at it.
func stubNode(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return New(strings.TrimPrefix(server.URL, "http://"), "ops")
}

func TestClientSendsIdentityHeader(t *testing.T) {
	var gotIdentity string

	c := stubNode(t, func(w http.ResponseWriter, r *http.Request) {
		gotIdentity = r.Header.Get("X-Identity")
		json.NewEncoder(w).Encode(map[string]string{"withdrawableReserve": "0"})
	})

	if _, err := c.WithdrawableReserve(); err != nil {
		t.Fatalf("WithdrawableReserve failed: %v", err)
	}

	if gotIdentity != "ops" {
		t.Errorf("X-Identity = %q, want ops", gotIdentity)
	}
}

func TestCreateGrantRoundTrip(t *testing.T) {
	c := stubNode(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/grants" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}

		var body struct {
			Beneficiary string `json:"beneficiary"`
			AmountTotal string `json:"amountTotal"`
			Revocable   bool   `json:"revocable"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.Beneficiary != "bob" || body.AmountTotal != "100000" || !body.Revocable {
			t.Errorf("unexpected body: %+v", body)
		}

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"grantId": "abcd"})
	})

	id, err := c.CreateGrant("bob", 1000, 1, big.NewInt(100000), true)
	if err != nil {
		t.Fatalf("CreateGrant failed: %v", err)
	}
	if id != "abcd" {
		t.Errorf("grant id = %q, want abcd", id)
	}
}

func TestClientSurfacesNodeError(t *testing.T) {
	c := stubNode(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"error": "InsufficientReleasable"})
	})

	err := c.Release("abcd", big.NewInt(1))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "InsufficientReleasable") {
		t.Errorf("error %q does not carry the node's message", err)
	}
}

func TestClientStatusOnlyError(t *testing.T) {
	c := stubNode(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	err := c.SetCurve(1, []uint16{0, 10000})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "502") {
		t.Errorf("error %q does not mention the status", err)
	}
}

func TestReleasableParsesAmount(t *testing.T) {
	c := stubNode(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/grants/abcd/releasable" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]string{"releasable": "123456789012345678901234567890"})
	})

	got, err := c.Releasable("abcd")
	if err != nil {
		t.Fatalf("Releasable failed: %v", err)
	}

	want, _ := new(big.Int).SetString("123456789012345678901234567890", 10)
	if got.Cmp(want) != 0 {
		t.Errorf("releasable = %s, want %s", got, want)
	}
}

func TestRevokeParsesBothAmounts(t *testing.T) {
	c := stubNode(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"pendingPaid":       "25000",
			"remainderReturned": "75000",
		})
	})

	pending, remainder, err := c.Revoke("abcd")
	if err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if pending.Cmp(big.NewInt(25000)) != 0 || remainder.Cmp(big.NewInt(75000)) != 0 {
		t.Errorf("got pending=%s remainder=%s", pending, remainder)
	}
}
