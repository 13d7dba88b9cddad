// Package snapshot serializes the full ledger state (curves, grants,
// beneficiary indexes and the committed total) into a compressed,
// checksummed blob for backup and migration between store backends.
package snapshot

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"PolarVest/internal/vesting"
)

// version is the current snapshot format version.
const version = 1

// envelope wraps the serialized state with its integrity metadata.
type envelope struct {
	Version  int             `json:"version"`
	Checksum string          `json:"checksum"` // blake3 of State, hex
	State    json.RawMessage `json:"state"`
}

// state is the canonical serialized ledger.
type state struct {
	Curves        []curveEntry       `json:"curves"`
	Beneficiaries []beneficiaryEntry `json:"beneficiaries"`
	Committed     string             `json:"committed"`
}

type curveEntry struct {
	Cohort     uint32   `json:"cohort"`
	MonthlyBps []uint16 `json:"monthlyBps"`
}

// beneficiaryEntry keeps a beneficiary's grants in insertion order so
// derived grant ids stay reproducible after an import.
type beneficiaryEntry struct {
	Beneficiary string       `json:"beneficiary"`
	Grants      []grantEntry `json:"grants"`
}

type grantEntry struct {
	ID          string `json:"id"`
	StartTime   uint64 `json:"startTime"`
	Cohort      uint32 `json:"cohort"`
	AmountTotal string `json:"amountTotal"`
	Released    string `json:"released"`
	Revocable   bool   `json:"revocable"`
	Revoked     bool   `json:"revoked"`
}

// Export serializes the store into a zstd-compressed snapshot.
func Export(ctx context.Context, store vesting.Store) ([]byte, error) {
	st, err := collect(ctx, store)
	if err != nil {
		return nil, err
	}

	stateJSON, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("encode state:\n%w", err)
	}

	checksum := blake3.Sum256(stateJSON)

	data, err := json.Marshal(envelope{
		Version:  version,
		Checksum: hex.EncodeToString(checksum[:]),
		State:    stateJSON,
	})
	if err != nil {
		return nil, fmt.Errorf("encode envelope:\n%w", err)
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd writer:\n%w", err)
	}
	defer encoder.Close()

	return encoder.EncodeAll(data, nil), nil
}

// Import decompresses and verifies a snapshot, then writes its contents
// into the store. The store should be empty; existing curves or grants
// with colliding keys make the import fail partway through.
func Import(ctx context.Context, store vesting.Store, blob []byte) error {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return fmt.Errorf("create zstd reader:\n%w", err)
	}
	defer decoder.Close()

	data, err := decoder.DecodeAll(blob, nil)
	if err != nil {
		return fmt.Errorf("decompress snapshot:\n%w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode envelope:\n%w", err)
	}

	if env.Version != version {
		return fmt.Errorf("unsupported snapshot version %d", env.Version)
	}

	checksum := blake3.Sum256(env.State)
	if hex.EncodeToString(checksum[:]) != env.Checksum {
		return fmt.Errorf("snapshot checksum mismatch")
	}

	var st state
	if err := json.Unmarshal(env.State, &st); err != nil {
		return fmt.Errorf("decode state:\n%w", err)
	}

	return restore(ctx, store, &st)
}

// collect reads the full ledger out of the store in canonical order.
func collect(ctx context.Context, store vesting.Store) (*state, error) {
	st := &state{}

	err := store.ForEachCurve(ctx, func(curve *vesting.UnlockCurve) error {
		st.Curves = append(st.Curves, curveEntry{
			Cohort:     uint32(curve.Cohort),
			MonthlyBps: curve.MonthlyBps,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("collect curves:\n%w", err)
	}

	sort.Slice(st.Curves, func(i, j int) bool {
		return st.Curves[i].Cohort < st.Curves[j].Cohort
	})

	grants := make(map[vesting.GrantID]*vesting.Grant)
	seen := make(map[string]bool)
	var beneficiaries []string

	err = store.ForEachGrant(ctx, func(grant *vesting.Grant) error {
		grants[grant.ID] = grant
		if !seen[grant.Beneficiary] {
			seen[grant.Beneficiary] = true
			beneficiaries = append(beneficiaries, grant.Beneficiary)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("collect grants:\n%w", err)
	}

	sort.Strings(beneficiaries)

	for _, beneficiary := range beneficiaries {
		ids, err := store.GrantIDs(ctx, beneficiary)
		if err != nil {
			return nil, fmt.Errorf("collect beneficiary index:\n%w", err)
		}

		entry := beneficiaryEntry{Beneficiary: beneficiary}
		for _, id := range ids {
			grant, ok := grants[id]
			if !ok {
				return nil, fmt.Errorf("index references unknown grant %s", id)
			}

			entry.Grants = append(entry.Grants, grantEntry{
				ID:          grant.ID.String(),
				StartTime:   grant.StartTime,
				Cohort:      uint32(grant.Cohort),
				AmountTotal: grant.AmountTotal.String(),
				Released:    grant.Released.String(),
				Revocable:   grant.Revocable,
				Revoked:     grant.Revoked,
			})
		}

		st.Beneficiaries = append(st.Beneficiaries, entry)
	}

	committed, err := store.Committed(ctx)
	if err != nil {
		return nil, fmt.Errorf("collect committed total:\n%w", err)
	}
	st.Committed = committed.String()

	return st, nil
}

// restore writes a decoded state into the store.
func restore(ctx context.Context, store vesting.Store, st *state) error {
	committed, ok := new(big.Int).SetString(st.Committed, 10)
	if !ok {
		return fmt.Errorf("corrupt committed total %q", st.Committed)
	}

	for _, entry := range st.Curves {
		curve := &vesting.UnlockCurve{
			Cohort:     vesting.CohortID(entry.Cohort),
			MonthlyBps: entry.MonthlyBps,
		}
		if err := store.PutCurve(ctx, curve); err != nil {
			return fmt.Errorf("restore curve %d:\n%w", entry.Cohort, err)
		}
	}

	for _, beneficiary := range st.Beneficiaries {
		for _, entry := range beneficiary.Grants {
			grant, err := decodeGrant(beneficiary.Beneficiary, entry)
			if err != nil {
				return err
			}

			if err := store.InsertGrant(ctx, grant, committed); err != nil {
				return fmt.Errorf("restore grant %s:\n%w", entry.ID, err)
			}
		}
	}

	return nil
}

// decodeGrant converts a snapshot entry back into a Grant.
func decodeGrant(beneficiary string, entry grantEntry) (*vesting.Grant, error) {
	id, err := vesting.ParseGrantID(entry.ID)
	if err != nil {
		return nil, err
	}

	amountTotal, ok := new(big.Int).SetString(entry.AmountTotal, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt grant amount %q", entry.AmountTotal)
	}

	released, ok := new(big.Int).SetString(entry.Released, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt released amount %q", entry.Released)
	}

	return &vesting.Grant{
		ID:          id,
		Beneficiary: beneficiary,
		StartTime:   entry.StartTime,
		Cohort:      vesting.CohortID(entry.Cohort),
		AmountTotal: amountTotal,
		Released:    released,
		Revocable:   entry.Revocable,
		Revoked:     entry.Revoked,
	}, nil
}
