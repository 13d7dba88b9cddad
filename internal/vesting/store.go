package vesting

import (
	"context"
	"math/big"
	"sync"
)

// Store persists curves, grants and the running committed total
// (the sum of AmountTotal-Released over non-revoked grants).
//
// InsertGrant and UpdateGrant write the grant and the new committed
// total atomically, so the conservation invariant holds regardless of
// where a crash lands. The engine owns all higher-level invariants;
// stores only move bytes.
type Store interface {
	Curve(ctx context.Context, cohort CohortID) (*UnlockCurve, bool, error)
	PutCurve(ctx context.Context, curve *UnlockCurve) error
	ForEachCurve(ctx context.Context, fn func(*UnlockCurve) error) error

	Grant(ctx context.Context, id GrantID) (*Grant, bool, error)
	GrantIDs(ctx context.Context, beneficiary string) ([]GrantID, error)
	InsertGrant(ctx context.Context, grant *Grant, committed *big.Int) error
	UpdateGrant(ctx context.Context, grant *Grant, committed *big.Int) error

	Committed(ctx context.Context) (*big.Int, error)
	ForEachGrant(ctx context.Context, fn func(*Grant) error) error
}

// MemStore is an in-memory Store, used by tests and available to hosts
// that provide their own durability.
type MemStore struct {
	mu        sync.RWMutex
	curves    map[CohortID]*UnlockCurve
	grants    map[GrantID]*Grant
	index     map[string][]GrantID
	committed *big.Int
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		curves:    make(map[CohortID]*UnlockCurve),
		grants:    make(map[GrantID]*Grant),
		index:     make(map[string][]GrantID),
		committed: big.NewInt(0),
	}
}

// Curve returns the curve for a cohort, if any.
func (s *MemStore) Curve(_ context.Context, cohort CohortID) (*UnlockCurve, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	curve, ok := s.curves[cohort]
	if !ok {
		return nil, false, nil
	}

	out := &UnlockCurve{Cohort: curve.Cohort, MonthlyBps: append([]uint16(nil), curve.MonthlyBps...)}
	return out, true, nil
}

// PutCurve stores a curve.
func (s *MemStore) PutCurve(_ context.Context, curve *UnlockCurve) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.curves[curve.Cohort] = &UnlockCurve{
		Cohort:     curve.Cohort,
		MonthlyBps: append([]uint16(nil), curve.MonthlyBps...),
	}

	return nil
}

// ForEachCurve calls fn for every stored curve, in unspecified order.
func (s *MemStore) ForEachCurve(_ context.Context, fn func(*UnlockCurve) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, curve := range s.curves {
		out := &UnlockCurve{Cohort: curve.Cohort, MonthlyBps: append([]uint16(nil), curve.MonthlyBps...)}
		if err := fn(out); err != nil {
			return err
		}
	}

	return nil
}

// Grant returns the grant with the given id, if any.
func (s *MemStore) Grant(_ context.Context, id GrantID) (*Grant, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	grant, ok := s.grants[id]
	if !ok {
		return nil, false, nil
	}

	return grant.clone(), true, nil
}

// GrantIDs returns all ids ever created for a beneficiary, in insertion order.
func (s *MemStore) GrantIDs(_ context.Context, beneficiary string) ([]GrantID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]GrantID(nil), s.index[beneficiary]...), nil
}

// InsertGrant stores a new grant, appends it to the beneficiary index
// and replaces the committed total.
func (s *MemStore) InsertGrant(_ context.Context, grant *Grant, committed *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.grants[grant.ID] = grant.clone()
	s.index[grant.Beneficiary] = append(s.index[grant.Beneficiary], grant.ID)
	s.committed = new(big.Int).Set(committed)

	return nil
}

// UpdateGrant replaces an existing grant and the committed total.
func (s *MemStore) UpdateGrant(_ context.Context, grant *Grant, committed *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.grants[grant.ID] = grant.clone()
	s.committed = new(big.Int).Set(committed)

	return nil
}

// Committed returns the running committed total.
func (s *MemStore) Committed(_ context.Context) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return new(big.Int).Set(s.committed), nil
}

// ForEachGrant calls fn for every stored grant, in unspecified order.
func (s *MemStore) ForEachGrant(_ context.Context, fn func(*Grant) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, grant := range s.grants {
		if err := fn(grant.clone()); err != nil {
			return err
		}
	}

	return nil
}
