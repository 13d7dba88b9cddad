package vesting

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"

	"PolarVest/internal/storage"
)

// Storage key prefixes. Events ("e:") are written by the events
// package against the same database.
var (
	prefixCurve  = []byte("c:")
	prefixGrant  = []byte("g:")
	prefixIndex  = []byte("b:")
	keyCommitted = []byte("m:committed")
)

// PebbleStore persists the ledger in the node's Pebble database.
// Grant mutations and the committed total land in one synced batch.
type PebbleStore struct {
	db *storage.Storage
}

// NewPebbleStore creates a store over the given database.
func NewPebbleStore(db *storage.Storage) *PebbleStore {
	return &PebbleStore{db: db}
}

// curveRecord is the stored form of an UnlockCurve.
type curveRecord struct {
	Cohort     uint32   `json:"cohort"`
	MonthlyBps []uint16 `json:"monthlyBps"`
}

// grantRecord is the stored form of a Grant. Amounts are decimal
// strings so arbitrary precision survives the round trip.
type grantRecord struct {
	ID          string `json:"id"`
	Beneficiary string `json:"beneficiary"`
	StartTime   uint64 `json:"startTime"`
	Cohort      uint32 `json:"cohort"`
	AmountTotal string `json:"amountTotal"`
	Released    string `json:"released"`
	Revocable   bool   `json:"revocable"`
	Revoked     bool   `json:"revoked"`
}

// Curve returns the curve for a cohort, if any.
func (s *PebbleStore) Curve(_ context.Context, cohort CohortID) (*UnlockCurve, bool, error) {
	data, err := s.db.Get(curveKey(cohort))
	if err != nil {
		return nil, false, fmt.Errorf("get curve:\n%w", err)
	}
	if data == nil {
		return nil, false, nil
	}

	var rec curveRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false, fmt.Errorf("decode curve:\n%w", err)
	}

	return &UnlockCurve{Cohort: CohortID(rec.Cohort), MonthlyBps: rec.MonthlyBps}, true, nil
}

// PutCurve stores a curve.
func (s *PebbleStore) PutCurve(_ context.Context, curve *UnlockCurve) error {
	data, err := json.Marshal(curveRecord{
		Cohort:     uint32(curve.Cohort),
		MonthlyBps: curve.MonthlyBps,
	})
	if err != nil {
		return fmt.Errorf("encode curve:\n%w", err)
	}

	return s.db.Commit([]storage.KeyValue{{Key: curveKey(curve.Cohort), Value: data}})
}

// ForEachCurve calls fn for every stored curve, in cohort order.
func (s *PebbleStore) ForEachCurve(_ context.Context, fn func(*UnlockCurve) error) error {
	return s.db.IteratePrefix(prefixCurve, func(_, value []byte) error {
		var rec curveRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("decode curve:\n%w", err)
		}

		return fn(&UnlockCurve{Cohort: CohortID(rec.Cohort), MonthlyBps: rec.MonthlyBps})
	})
}

// Grant returns the grant with the given id, if any.
func (s *PebbleStore) Grant(_ context.Context, id GrantID) (*Grant, bool, error) {
	data, err := s.db.Get(grantKey(id))
	if err != nil {
		return nil, false, fmt.Errorf("get grant:\n%w", err)
	}
	if data == nil {
		return nil, false, nil
	}

	grant, err := decodeGrant(data)
	if err != nil {
		return nil, false, err
	}

	return grant, true, nil
}

// GrantIDs returns all ids for a beneficiary, in insertion order.
func (s *PebbleStore) GrantIDs(_ context.Context, beneficiary string) ([]GrantID, error) {
	data, err := s.db.Get(indexKey(beneficiary))
	if err != nil {
		return nil, fmt.Errorf("get beneficiary index:\n%w", err)
	}
	if data == nil {
		return nil, nil
	}

	var hexIDs []string
	if err := json.Unmarshal(data, &hexIDs); err != nil {
		return nil, fmt.Errorf("decode beneficiary index:\n%w", err)
	}

	ids := make([]GrantID, len(hexIDs))
	for i, h := range hexIDs {
		if ids[i], err = ParseGrantID(h); err != nil {
			return nil, err
		}
	}

	return ids, nil
}

// InsertGrant writes the grant, the extended beneficiary index and the
// committed total in one synced batch.
func (s *PebbleStore) InsertGrant(ctx context.Context, grant *Grant, committed *big.Int) error {
	ids, err := s.GrantIDs(ctx, grant.Beneficiary)
	if err != nil {
		return err
	}

	hexIDs := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		hexIDs = append(hexIDs, id.String())
	}
	hexIDs = append(hexIDs, grant.ID.String())

	indexData, err := json.Marshal(hexIDs)
	if err != nil {
		return fmt.Errorf("encode beneficiary index:\n%w", err)
	}

	grantData, err := encodeGrant(grant)
	if err != nil {
		return err
	}

	return s.db.Commit([]storage.KeyValue{
		{Key: grantKey(grant.ID), Value: grantData},
		{Key: indexKey(grant.Beneficiary), Value: indexData},
		{Key: keyCommitted, Value: []byte(committed.String())},
	})
}

// UpdateGrant writes the grant and the committed total in one synced batch.
func (s *PebbleStore) UpdateGrant(_ context.Context, grant *Grant, committed *big.Int) error {
	grantData, err := encodeGrant(grant)
	if err != nil {
		return err
	}

	return s.db.Commit([]storage.KeyValue{
		{Key: grantKey(grant.ID), Value: grantData},
		{Key: keyCommitted, Value: []byte(committed.String())},
	})
}

// Committed returns the running committed total, zero if unset.
func (s *PebbleStore) Committed(_ context.Context) (*big.Int, error) {
	data, err := s.db.Get(keyCommitted)
	if err != nil {
		return nil, fmt.Errorf("get committed total:\n%w", err)
	}
	if data == nil {
		return big.NewInt(0), nil
	}

	committed, ok := new(big.Int).SetString(string(data), 10)
	if !ok {
		return nil, fmt.Errorf("corrupt committed total %q", data)
	}

	return committed, nil
}

// ForEachGrant calls fn for every stored grant.
func (s *PebbleStore) ForEachGrant(_ context.Context, fn func(*Grant) error) error {
	return s.db.IteratePrefix(prefixGrant, func(_, value []byte) error {
		grant, err := decodeGrant(value)
		if err != nil {
			return err
		}

		return fn(grant)
	})
}

// encodeGrant serializes a grant for storage.
func encodeGrant(grant *Grant) ([]byte, error) {
	data, err := json.Marshal(grantRecord{
		ID:          grant.ID.String(),
		Beneficiary: grant.Beneficiary,
		StartTime:   grant.StartTime,
		Cohort:      uint32(grant.Cohort),
		AmountTotal: grant.AmountTotal.String(),
		Released:    grant.Released.String(),
		Revocable:   grant.Revocable,
		Revoked:     grant.Revoked,
	})
	if err != nil {
		return nil, fmt.Errorf("encode grant:\n%w", err)
	}

	return data, nil
}

// decodeGrant deserializes a stored grant.
func decodeGrant(data []byte) (*Grant, error) {
	var rec grantRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode grant:\n%w", err)
	}

	id, err := ParseGrantID(rec.ID)
	if err != nil {
		return nil, err
	}

	amountTotal, ok := new(big.Int).SetString(rec.AmountTotal, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt grant amount %q", rec.AmountTotal)
	}

	released, ok := new(big.Int).SetString(rec.Released, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt released amount %q", rec.Released)
	}

	return &Grant{
		ID:          id,
		Beneficiary: rec.Beneficiary,
		StartTime:   rec.StartTime,
		Cohort:      CohortID(rec.Cohort),
		AmountTotal: amountTotal,
		Released:    released,
		Revocable:   rec.Revocable,
		Revoked:     rec.Revoked,
	}, nil
}

// curveKey builds the storage key for a cohort's curve.
func curveKey(cohort CohortID) []byte {
	key := make([]byte, len(prefixCurve)+4)
	copy(key, prefixCurve)
	binary.BigEndian.PutUint32(key[len(prefixCurve):], uint32(cohort))

	return key
}

// grantKey builds the storage key for a grant.
func grantKey(id GrantID) []byte {
	return append(append([]byte(nil), prefixGrant...), id[:]...)
}

// indexKey builds the storage key for a beneficiary's grant index.
func indexKey(beneficiary string) []byte {
	return append(append([]byte(nil), prefixIndex...), beneficiary...)
}
