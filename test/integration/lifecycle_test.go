package integration

import (
	"math/big"
	"strings"
	"testing"
	"time"

	"PolarVest/client"
)

// grantStart returns a start time slightly in the future so the node's
// clock cannot reject it as already past.
func grantStart() uint64 {
	return uint64(time.Now().Unix()) + 1
}

// waitReleasable polls until the grant reports the expected releasable
// amount, bridging the gap until the grant's start time is reached.
func waitReleasable(t *testing.T, c *client.Client, id string, want *big.Int) {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		got, err := c.Releasable(id)
		if err != nil {
			t.Fatalf("releasable: %v", err)
		}
		if got.Cmp(want) == 0 {
			return
		}

		time.Sleep(100 * time.Millisecond)
	}

	t.Fatalf("releasable never reached %s", want)
}

// TestGrantLifecycle drives a full grant lifecycle through a real node
// process: curve registration, grant creation, release, revocation and
// reserve withdrawal, all over the HTTP API.
func TestGrantLifecycle(t *testing.T) {
	node := StartNode(t, WithHTTPPort(18081))

	admin := client.New(node.HTTPAddr(), "admin")
	ops := client.New(node.HTTPAddr(), "ops")
	bob := client.New(node.HTTPAddr(), "bob")

	// Month zero of this curve unlocks everything, so releases work
	// without waiting for a real month boundary.
	if err := admin.SetCurve(1, []uint16{10000}); err != nil {
		t.Fatalf("set curve: %v", err)
	}

	// Curves freeze on first registration.
	if err := admin.SetCurve(1, []uint16{0, 10000}); err == nil {
		t.Fatal("second curve registration accepted")
	} else if !strings.Contains(err.Error(), "AlreadyFrozen") {
		t.Fatalf("unexpected freeze error: %v", err)
	}

	// Only the curve-setter may register curves.
	if err := ops.SetCurve(2, []uint16{10000}); err == nil {
		t.Fatal("curve registration without capability accepted")
	}

	id, err := ops.CreateGrant("bob", grantStart(), 1, big.NewInt(100000), true)
	if err != nil {
		t.Fatalf("create grant: %v", err)
	}

	ids, err := ops.GrantIDs("bob")
	if err != nil {
		t.Fatalf("list grants: %v", err)
	}
	if len(ids) != 1 || ids[0] != id {
		t.Fatalf("grant ids = %v, want [%s]", ids, id)
	}

	waitReleasable(t, bob, id, big.NewInt(100000))

	if err := bob.Release(id, big.NewInt(40000)); err != nil {
		t.Fatalf("release: %v", err)
	}

	grant, err := bob.Grant(id)
	if err != nil {
		t.Fatalf("get grant: %v", err)
	}
	if grant.Released != "40000" {
		t.Fatalf("released = %s, want 40000", grant.Released)
	}

	// Over-release is rejected.
	if err := bob.Release(id, big.NewInt(60001)); err == nil {
		t.Fatal("over-release accepted")
	}

	// Revoke the rest: fully vested, so everything pending goes to the
	// beneficiary and nothing returns to the treasury.
	pending, remainder, err := ops.Revoke(id)
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if pending.Cmp(big.NewInt(60000)) != 0 || remainder.Sign() != 0 {
		t.Fatalf("revoke moved pending=%s remainder=%s", pending, remainder)
	}

	// Revocation is final.
	if _, _, err := ops.Revoke(id); err == nil {
		t.Fatal("second revoke accepted")
	}
	if err := bob.Release(id, big.NewInt(1)); err == nil {
		t.Fatal("release after revoke accepted")
	}

	// All 1000000 minted tokens are uncommitted again.
	reserve, err := ops.WithdrawableReserve()
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if reserve.Cmp(big.NewInt(900000)) != 0 {
		t.Fatalf("reserve = %s, want 900000", reserve)
	}

	if err := ops.Withdraw("carol", big.NewInt(900000)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if err := ops.Withdraw("carol", big.NewInt(1)); err == nil {
		t.Fatal("withdraw past reserve accepted")
	}
}

// TestStateSurvivesRestart verifies curves and grants come back from
// the embedded store after a process restart.
func TestStateSurvivesRestart(t *testing.T) {
	node := StartNode(t, WithHTTPPort(18082))

	admin := client.New(node.HTTPAddr(), "admin")
	ops := client.New(node.HTTPAddr(), "ops")

	if err := admin.SetCurve(1, []uint16{0, 2500, 5000, 2500}); err != nil {
		t.Fatalf("set curve: %v", err)
	}

	id, err := ops.CreateGrant("bob", grantStart(), 1, big.NewInt(5000), false)
	if err != nil {
		t.Fatalf("create grant: %v", err)
	}

	node.Stop()
	node = StartNode(t, WithHTTPPort(18082), WithDataDir(node.dataDir))

	ops = client.New(node.HTTPAddr(), "ops")

	grant, err := ops.Grant(id)
	if err != nil {
		t.Fatalf("get grant after restart: %v", err)
	}
	if grant.Beneficiary != "bob" || grant.AmountTotal != "5000" {
		t.Fatalf("grant corrupted by restart: %+v", grant)
	}

	// The cohort stays frozen across restarts.
	if err := client.New(node.HTTPAddr(), "admin").SetCurve(1, []uint16{10000}); err == nil {
		t.Fatal("curve re-registration accepted after restart")
	}
}

// TestSnapshotMigration moves state from one node to a fresh one via
// snapshot export/import.
func TestSnapshotMigration(t *testing.T) {
	source := StartNode(t, WithHTTPPort(18083))

	admin := client.New(source.HTTPAddr(), "admin")
	ops := client.New(source.HTTPAddr(), "ops")

	if err := admin.SetCurve(1, []uint16{0, 5000, 5000}); err != nil {
		t.Fatalf("set curve: %v", err)
	}
	id, err := ops.CreateGrant("bob", grantStart(), 1, big.NewInt(12345), true)
	if err != nil {
		t.Fatalf("create grant: %v", err)
	}

	blob, err := ops.ExportSnapshot()
	if err != nil {
		t.Fatalf("export snapshot: %v", err)
	}
	if len(blob) == 0 {
		t.Fatal("empty snapshot")
	}

	target := StartNode(t, WithHTTPPort(18084))
	targetOps := client.New(target.HTTPAddr(), "ops")

	if err := targetOps.ImportSnapshot(blob); err != nil {
		t.Fatalf("import snapshot: %v", err)
	}

	grant, err := targetOps.Grant(id)
	if err != nil {
		t.Fatalf("get migrated grant: %v", err)
	}
	if grant.Beneficiary != "bob" || grant.AmountTotal != "12345" || !grant.Revocable {
		t.Fatalf("migrated grant corrupted: %+v", grant)
	}
}
