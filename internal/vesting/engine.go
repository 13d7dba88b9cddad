package vesting

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"PolarVest/internal/auth"
	"PolarVest/internal/events"
	"PolarVest/internal/logger"
	"PolarVest/internal/token"
)

// Config wires an Engine to its collaborators.
type Config struct {
	// Store persists curves, grants and the committed total.
	Store Store

	// Tokens is the external asset-movement primitive.
	Tokens token.Ledger

	// Caps resolves caller capabilities.
	Caps auth.Provider

	// Events receives the audit stream.
	Events events.Sink

	// Clock is the time source. Defaults to SystemClock.
	Clock Clock

	// Account is the ledger's own holding account, queried through
	// Tokens.BalanceOf to compute the withdrawable reserve.
	Account string

	// Treasury receives unvested remainders on revocation.
	Treasury string
}

// Engine is the allocation ledger's single logical state machine.
// All mutating operations are serialized by one mutex and apply their
// bookkeeping only after the external transfer confirms, so a failed
// transfer never leaves Released incremented.
type Engine struct {
	mu       sync.Mutex
	store    Store
	tokens   token.Ledger
	caps     auth.Provider
	events   events.Sink
	clock    Clock
	account  string
	treasury string
}

// NewEngine creates an engine from the given configuration.
func NewEngine(cfg Config) *Engine {
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock{}
	}

	return &Engine{
		store:    cfg.Store,
		tokens:   cfg.Tokens,
		caps:     cfg.Caps,
		events:   cfg.Events,
		clock:    clock,
		account:  cfg.Account,
		treasury: cfg.Treasury,
	}
}

// SetCurve validates, stores and freezes the unlock curve for a cohort.
// The caller must hold the curve-setter capability. Curves are
// immutable once set.
func (e *Engine) SetCurve(ctx context.Context, caller string, cohort CohortID, monthlyBps []uint16) error {
	if !e.caps.Has(caller, auth.CapCurveSetter) {
		return ErrNotAuthorized
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists, err := e.store.Curve(ctx, cohort); err != nil {
		return fmt.Errorf("load curve:\n%w", err)
	} else if exists {
		return ErrAlreadyFrozen
	}

	if err := ValidateCurve(monthlyBps); err != nil {
		return err
	}

	curve := &UnlockCurve{Cohort: cohort, MonthlyBps: monthlyBps}
	if err := e.store.PutCurve(ctx, curve); err != nil {
		return fmt.Errorf("store curve:\n%w", err)
	}

	logger.Info("curve set", "cohort", cohort, "months", len(monthlyBps))
	e.events.Emit(events.KindCurveSet, e.clock.Now(), events.CurveSet{
		Cohort:     uint32(cohort),
		MonthlyBps: monthlyBps,
	})

	return nil
}

// Curve returns the frozen curve for a cohort.
func (e *Engine) Curve(ctx context.Context, cohort CohortID) (*UnlockCurve, error) {
	curve, exists, err := e.store.Curve(ctx, cohort)
	if err != nil {
		return nil, fmt.Errorf("load curve:\n%w", err)
	}
	if !exists {
		return nil, ErrUnknownCohort
	}

	return curve, nil
}

// CreateGrant registers a new vesting grant and commits amountTotal out
// of the withdrawable reserve. The caller must hold the vesting-role
// capability. Returns the derived grant id.
func (e *Engine) CreateGrant(ctx context.Context, caller, beneficiary string, startTime uint64, cohort CohortID, amountTotal *big.Int, revocable bool) (GrantID, error) {
	if !e.caps.Has(caller, auth.CapVestingRole) {
		return GrantID{}, ErrNotAuthorized
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if startTime < e.clock.Now() {
		return GrantID{}, ErrInvalidStartTimestamp
	}

	if _, exists, err := e.store.Curve(ctx, cohort); err != nil {
		return GrantID{}, fmt.Errorf("load curve:\n%w", err)
	} else if !exists {
		return GrantID{}, ErrUnknownCohort
	}

	if amountTotal == nil || amountTotal.Sign() <= 0 {
		return GrantID{}, ErrAmountInvalid
	}

	committed, err := e.store.Committed(ctx)
	if err != nil {
		return GrantID{}, fmt.Errorf("load committed total:\n%w", err)
	}

	reserve, err := e.reserve(committed)
	if err != nil {
		return GrantID{}, err
	}
	if amountTotal.Cmp(reserve) > 0 {
		return GrantID{}, ErrInsufficientReserve
	}

	existing, err := e.store.GrantIDs(ctx, beneficiary)
	if err != nil {
		return GrantID{}, fmt.Errorf("load beneficiary grants:\n%w", err)
	}

	grant := &Grant{
		ID:          DeriveGrantID(beneficiary, uint32(len(existing))),
		Beneficiary: beneficiary,
		StartTime:   startTime,
		Cohort:      cohort,
		AmountTotal: new(big.Int).Set(amountTotal),
		Released:    big.NewInt(0),
		Revocable:   revocable,
	}

	committed.Add(committed, amountTotal)
	if err := e.store.InsertGrant(ctx, grant, committed); err != nil {
		return GrantID{}, fmt.Errorf("store grant:\n%w", err)
	}

	logger.Info("grant created",
		"grant", grant.ID, "beneficiary", beneficiary,
		"cohort", cohort, "amount", amountTotal)
	e.events.Emit(events.KindGrantCreated, e.clock.Now(), events.GrantCreated{
		GrantID:     grant.ID.String(),
		Beneficiary: beneficiary,
		StartTime:   startTime,
		Cohort:      uint32(cohort),
		AmountTotal: amountTotal.String(),
		Revocable:   revocable,
	})

	return grant.ID, nil
}

// GrantIDs returns all ids ever created for a beneficiary, in insertion
// order. Empty for beneficiaries without grants.
func (e *Engine) GrantIDs(ctx context.Context, beneficiary string) ([]GrantID, error) {
	return e.store.GrantIDs(ctx, beneficiary)
}

// Grant returns the grant with the given id.
func (e *Engine) Grant(ctx context.Context, id GrantID) (*Grant, error) {
	grant, exists, err := e.store.Grant(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load grant:\n%w", err)
	}
	if !exists {
		return nil, ErrUnknownGrant
	}

	return grant, nil
}

// Releasable returns the amount the grant could release right now.
// Revoked grants always report zero.
func (e *Engine) Releasable(ctx context.Context, id GrantID) (*big.Int, error) {
	grant, err := e.Grant(ctx, id)
	if err != nil {
		return nil, err
	}
	if grant.Revoked {
		return big.NewInt(0), nil
	}

	curve, err := e.Curve(ctx, grant.Cohort)
	if err != nil {
		return nil, err
	}

	return ReleasableAmount(grant, curve, e.clock.Now()), nil
}

// WithdrawableReserve returns the held balance not committed to any
// active grant.
func (e *Engine) WithdrawableReserve(ctx context.Context) (*big.Int, error) {
	committed, err := e.store.Committed(ctx)
	if err != nil {
		return nil, fmt.Errorf("load committed total:\n%w", err)
	}

	return e.reserve(committed)
}

// Release pays out up to the releasable amount of a grant to its
// beneficiary. The caller must be the beneficiary or hold the
// vesting-role capability. Bookkeeping is committed only after the
// transfer confirms; a failed transfer leaves no state change.
func (e *Engine) Release(ctx context.Context, caller string, id GrantID, amount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	grant, exists, err := e.store.Grant(ctx, id)
	if err != nil {
		return fmt.Errorf("load grant:\n%w", err)
	}
	if !exists {
		return ErrUnknownGrant
	}

	if caller != grant.Beneficiary && !e.caps.Has(caller, auth.CapVestingRole) {
		return ErrNotAuthorized
	}
	if grant.Revoked {
		return ErrScheduleRevoked
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrAmountInvalid
	}

	curve, err := e.Curve(ctx, grant.Cohort)
	if err != nil {
		return err
	}

	releasable := ReleasableAmount(grant, curve, e.clock.Now())
	if amount.Cmp(releasable) > 0 {
		return ErrInsufficientReleasable
	}

	if err := e.tokens.Transfer(grant.Beneficiary, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	grant.Released.Add(grant.Released, amount)

	committed, err := e.store.Committed(ctx)
	if err != nil {
		return fmt.Errorf("load committed total:\n%w", err)
	}
	committed.Sub(committed, amount)

	if err := e.store.UpdateGrant(ctx, grant, committed); err != nil {
		return fmt.Errorf("store grant:\n%w", err)
	}

	logger.Info("released", "grant", id, "amount", amount)
	e.events.Emit(events.KindReleased, e.clock.Now(), events.Released{
		GrantID: id.String(),
		Amount:  amount.String(),
	})

	return nil
}

// Revoke terminates a revocable grant early: pending releasable tokens
// go to the beneficiary, the never-to-vest remainder returns to the
// treasury, and the grant leaves the conservation sum for good.
// Returns the pending and remainder amounts actually moved.
func (e *Engine) Revoke(ctx context.Context, caller string, id GrantID) (pending, remainder *big.Int, err error) {
	if !e.caps.Has(caller, auth.CapVestingRole) {
		return nil, nil, ErrNotAuthorized
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	grant, exists, err := e.store.Grant(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("load grant:\n%w", err)
	}
	if !exists {
		return nil, nil, ErrUnknownGrant
	}
	if !grant.Revocable {
		return nil, nil, ErrNotRevocable
	}
	if grant.Revoked {
		return nil, nil, ErrScheduleRevoked
	}

	curve, err := e.Curve(ctx, grant.Cohort)
	if err != nil {
		return nil, nil, err
	}

	pending = ReleasableAmount(grant, curve, e.clock.Now())
	remainder = new(big.Int).Sub(grant.Outstanding(), pending)

	// Both transfers must settle; verify the held balance covers them
	// before moving anything, so the second transfer cannot fail after
	// the first succeeded.
	balance, err := e.tokens.BalanceOf(e.account)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if balance.Cmp(new(big.Int).Add(pending, remainder)) < 0 {
		return nil, nil, fmt.Errorf("%w: held balance below grant outstanding", ErrTransferFailed)
	}

	if pending.Sign() > 0 {
		if err := e.tokens.Transfer(grant.Beneficiary, pending); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
	}
	if remainder.Sign() > 0 {
		if err := e.tokens.Transfer(e.treasury, remainder); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
	}

	committed, err := e.store.Committed(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load committed total:\n%w", err)
	}
	committed.Sub(committed, grant.Outstanding())

	grant.Released.Add(grant.Released, pending)
	grant.Revoked = true

	if err := e.store.UpdateGrant(ctx, grant, committed); err != nil {
		return nil, nil, fmt.Errorf("store grant:\n%w", err)
	}

	logger.Info("revoked", "grant", id, "pending", pending, "remainder", remainder)
	e.events.Emit(events.KindRevoked, e.clock.Now(), events.Revoked{
		GrantID:           id.String(),
		PendingPaid:       pending.String(),
		RemainderReturned: remainder.String(),
	})

	return pending, remainder, nil
}

// Withdraw moves uncommitted tokens out of the ledger account without
// touching any grant. The caller must hold the vesting-role capability.
func (e *Engine) Withdraw(ctx context.Context, caller, destination string, amount *big.Int) error {
	if !e.caps.Has(caller, auth.CapVestingRole) {
		return ErrNotAuthorized
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if amount == nil || amount.Sign() <= 0 {
		return ErrAmountInvalid
	}

	committed, err := e.store.Committed(ctx)
	if err != nil {
		return fmt.Errorf("load committed total:\n%w", err)
	}

	reserve, err := e.reserve(committed)
	if err != nil {
		return err
	}
	if amount.Cmp(reserve) > 0 {
		return ErrInsufficientReserve
	}

	if err := e.tokens.Transfer(destination, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	logger.Info("withdrew reserve", "destination", destination, "amount", amount)

	return nil
}

// reserve computes heldBalance - committed, floored at zero.
func (e *Engine) reserve(committed *big.Int) (*big.Int, error) {
	balance, err := e.tokens.BalanceOf(e.account)
	if err != nil {
		return nil, fmt.Errorf("query held balance:\n%w", err)
	}

	reserve := new(big.Int).Sub(balance, committed)
	if reserve.Sign() < 0 {
		return big.NewInt(0), nil
	}

	return reserve, nil
}
