package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Capability names a single permission an identity can hold.
type Capability string

const (
	// CapCurveSetter permits registering unlock curves.
	CapCurveSetter Capability = "curve-setter"

	// CapVestingRole permits creating, releasing and revoking grants,
	// and withdrawing from the uncommitted reserve.
	CapVestingRole Capability = "vesting-role"
)

// Provider resolves which capabilities an identity holds.
type Provider interface {
	Has(identity string, cap Capability) bool
}

// Table is an in-memory identity -> capability set lookup.
// It implements Provider and is safe for concurrent use.
type Table struct {
	mu    sync.RWMutex
	perms map[string]map[Capability]bool
}

// NewTable creates an empty capability table.
func NewTable() *Table {
	return &Table{perms: make(map[string]map[Capability]bool)}
}

// Grant adds a capability to an identity.
func (t *Table) Grant(identity string, cap Capability) {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.perms[identity]
	if !ok {
		set = make(map[Capability]bool)
		t.perms[identity] = set
	}

	set[cap] = true
}

// Revoke removes a capability from an identity.
func (t *Table) Revoke(identity string, cap Capability) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if set, ok := t.perms[identity]; ok {
		delete(set, cap)
	}
}

// Has reports whether the identity holds the capability.
func (t *Table) Has(identity string, cap Capability) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.perms[identity][cap]
}

// rolesFile is the on-disk layout of a roles file:
// {"identities": {"<identity>": ["curve-setter", "vesting-role"]}}
type rolesFile struct {
	Identities map[string][]Capability `json:"identities"`
}

// LoadTable reads a capability table from a JSON roles file.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roles file:\n%w", err)
	}

	var file rolesFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse roles file:\n%w", err)
	}

	table := NewTable()
	for identity, caps := range file.Identities {
		for _, cap := range caps {
			switch cap {
			case CapCurveSetter, CapVestingRole:
				table.Grant(identity, cap)
			default:
				return nil, fmt.Errorf("unknown capability %q for identity %q", cap, identity)
			}
		}
	}

	return table, nil
}
