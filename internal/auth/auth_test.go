package auth

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGrantRevokeHas(t *testing.T) {
	table := NewTable()

	if table.Has("alice", CapCurveSetter) {
		t.Error("empty table granted a capability")
	}

	table.Grant("alice", CapCurveSetter)
	if !table.Has("alice", CapCurveSetter) {
		t.Error("granted capability not reported")
	}
	if table.Has("alice", CapVestingRole) {
		t.Error("capability leaked across kinds")
	}
	if table.Has("bob", CapCurveSetter) {
		t.Error("capability leaked across identities")
	}

	table.Revoke("alice", CapCurveSetter)
	if table.Has("alice", CapCurveSetter) {
		t.Error("revoked capability still reported")
	}
}

func TestRevokeUnknownIdentity(t *testing.T) {
	table := NewTable()
	table.Revoke("ghost", CapVestingRole) // must not panic
}

func TestLoadTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.json")
	content := `{"identities": {"admin": ["curve-setter"], "ops": ["curve-setter", "vesting-role"]}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write roles file: %v", err)
	}

	table, err := LoadTable(path)
	if err != nil {
		t.Fatalf("LoadTable failed: %v", err)
	}

	if !table.Has("admin", CapCurveSetter) {
		t.Error("admin missing curve-setter")
	}
	if table.Has("admin", CapVestingRole) {
		t.Error("admin should not hold vesting-role")
	}
	if !table.Has("ops", CapVestingRole) || !table.Has("ops", CapCurveSetter) {
		t.Error("ops missing a listed capability")
	}
}

func TestLoadTableRejectsUnknownCapability(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.json")
	content := `{"identities": {"admin": ["root"]}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write roles file: %v", err)
	}

	if _, err := LoadTable(path); err == nil {
		t.Error("unknown capability accepted")
	}
}

func TestLoadTableMissingFile(t *testing.T) {
	if _, err := LoadTable(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Error("missing roles file accepted")
	}
}
