// Package client is a Go client for a PolarVest node's HTTP API.
package client

import (
	"fmt"
	"math/big"
)

// Client connects to a PolarVest node via HTTP. Identity is sent as
// the X-Identity header on every request and resolved to capabilities
// by the node.
type Client struct {
	nodeAddr string // nodeAddr is the HTTP address (e.g. "127.0.0.1:8080")
	identity string // identity is the caller identity
}

// New creates a client for the given node and caller identity.
func New(nodeAddr, identity string) *Client {
	return &Client{nodeAddr: nodeAddr, identity: identity}
}

// Grant holds the API view of one vesting grant.
type Grant struct {
	ID          string `json:"id"`
	Beneficiary string `json:"beneficiary"`
	StartTime   uint64 `json:"startTime"`
	Cohort      uint32 `json:"cohort"`
	AmountTotal string `json:"amountTotal"`
	Released    string `json:"released"`
	Revocable   bool   `json:"revocable"`
	Revoked     bool   `json:"revoked"`
}

// SetCurve registers and freezes the unlock curve for a cohort.
func (c *Client) SetCurve(cohort uint32, monthlyBps []uint16) error {
	body := map[string]any{"cohort": cohort, "monthlyBps": monthlyBps}

	return c.post("/curves", body, nil)
}

// CreateGrant registers a vesting grant and returns its id.
func (c *Client) CreateGrant(beneficiary string, startTime uint64, cohort uint32, amountTotal *big.Int, revocable bool) (string, error) {
	body := map[string]any{
		"beneficiary": beneficiary,
		"startTime":   startTime,
		"cohort":      cohort,
		"amountTotal": amountTotal.String(),
		"revocable":   revocable,
	}

	var resp struct {
		GrantID string `json:"grantId"`
	}
	if err := c.post("/grants", body, &resp); err != nil {
		return "", err
	}

	return resp.GrantID, nil
}

// GrantIDs returns all grant ids for a beneficiary, in creation order.
func (c *Client) GrantIDs(beneficiary string) ([]string, error) {
	var resp struct {
		GrantIDs []string `json:"grantIds"`
	}
	if err := c.get("/grants?beneficiary="+beneficiary, &resp); err != nil {
		return nil, err
	}

	return resp.GrantIDs, nil
}

// Grant fetches one grant.
func (c *Client) Grant(id string) (*Grant, error) {
	var grant Grant
	if err := c.get("/grants/"+id, &grant); err != nil {
		return nil, err
	}

	return &grant, nil
}

// Releasable returns the amount the grant could release right now.
func (c *Client) Releasable(id string) (*big.Int, error) {
	var resp struct {
		Releasable string `json:"releasable"`
	}
	if err := c.get("/grants/"+id+"/releasable", &resp); err != nil {
		return nil, err
	}

	return parseAmount(resp.Releasable)
}

// Release pays out amount from the grant to its beneficiary.
func (c *Client) Release(id string, amount *big.Int) error {
	return c.post("/grants/"+id+"/release", map[string]any{"amount": amount.String()}, nil)
}

// Revoke terminates a revocable grant. Returns the pending amount paid
// to the beneficiary and the remainder returned to the treasury.
func (c *Client) Revoke(id string) (pending, remainder *big.Int, err error) {
	var resp struct {
		PendingPaid       string `json:"pendingPaid"`
		RemainderReturned string `json:"remainderReturned"`
	}
	if err := c.post("/grants/"+id+"/revoke", map[string]any{}, &resp); err != nil {
		return nil, nil, err
	}

	if pending, err = parseAmount(resp.PendingPaid); err != nil {
		return nil, nil, err
	}
	if remainder, err = parseAmount(resp.RemainderReturned); err != nil {
		return nil, nil, err
	}

	return pending, remainder, nil
}

// Withdraw moves uncommitted reserve tokens to destination.
func (c *Client) Withdraw(destination string, amount *big.Int) error {
	body := map[string]any{"destination": destination, "amount": amount.String()}

	return c.post("/withdraw", body, nil)
}

// WithdrawableReserve returns the held balance not committed to any
// active grant.
func (c *Client) WithdrawableReserve() (*big.Int, error) {
	var resp struct {
		WithdrawableReserve string `json:"withdrawableReserve"`
	}
	if err := c.get("/reserve", &resp); err != nil {
		return nil, err
	}

	return parseAmount(resp.WithdrawableReserve)
}

// ExportSnapshot downloads a compressed state snapshot.
func (c *Client) ExportSnapshot() ([]byte, error) {
	return c.getRaw("/snapshot")
}

// ImportSnapshot uploads a snapshot into an empty node.
func (c *Client) ImportSnapshot(blob []byte) error {
	return c.postRaw("/snapshot", blob, nil)
}

// parseAmount parses a decimal amount string from a response.
func parseAmount(s string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q in response", s)
	}

	return amount, nil
}
