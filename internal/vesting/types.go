// Package vesting implements the time-based token-allocation ledger:
// per-cohort monthly unlock curves, individual grants, month-bucketed
// vesting math, release of vested tokens and revocation of unvested
// remainders.
package vesting

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/zeebo/blake3"
)

// CohortID identifies an unlock curve shared by many grants.
type CohortID uint32

// GrantID is a 32-byte grant identifier derived from the beneficiary
// and that beneficiary's grant sequence number.
type GrantID [32]byte

// String returns the hex form of the id.
func (id GrantID) String() string {
	return hex.EncodeToString(id[:])
}

// ParseGrantID decodes a 64-character hex grant id.
func ParseGrantID(s string) (GrantID, error) {
	var id GrantID

	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(id) {
		return id, fmt.Errorf("invalid grant id %q", s)
	}

	copy(id[:], raw)
	return id, nil
}

// DeriveGrantID computes blake3(beneficiary || seq_u32_LE). Ids are
// reproducible: the nth grant for a beneficiary always has the same id.
func DeriveGrantID(beneficiary string, seq uint32) GrantID {
	hasher := blake3.New()
	hasher.Write([]byte(beneficiary))

	var seqBuf [4]byte
	binary.LittleEndian.PutUint32(seqBuf[:], seq)
	hasher.Write(seqBuf[:])

	var id GrantID
	copy(id[:], hasher.Sum(nil))

	return id
}

// UnlockCurve is a frozen per-cohort monthly unlock profile.
// MonthlyBps[i] is the share, in basis points, unlocked during month i.
type UnlockCurve struct {
	Cohort     CohortID // Cohort is the curve's identifier
	MonthlyBps []uint16 // MonthlyBps sums to at most 10000
}

// Grant is one beneficiary's vesting commitment.
type Grant struct {
	ID          GrantID  // ID is the derived grant identifier
	Beneficiary string   // Beneficiary receives released tokens
	StartTime   uint64   // StartTime is the unix time vesting begins
	Cohort      CohortID // Cohort references the grant's unlock curve
	AmountTotal *big.Int // AmountTotal is the full committed amount
	Released    *big.Int // Released is the amount paid out so far
	Revocable   bool     // Revocable permits early termination
	Revoked     bool     // Revoked is a one-way transition
}

// Outstanding returns AmountTotal - Released, the still-committed part.
func (g *Grant) Outstanding() *big.Int {
	return new(big.Int).Sub(g.AmountTotal, g.Released)
}

// clone returns a deep copy so stores never hand out shared state.
func (g *Grant) clone() *Grant {
	out := *g
	out.AmountTotal = new(big.Int).Set(g.AmountTotal)
	out.Released = new(big.Int).Set(g.Released)

	return &out
}
