package vesting

import "math/big"

// MonthSeconds is the length of one vesting month. Unlocks are strict
// month-boundary steps; there is no fractional-month interpolation.
const MonthSeconds = 30 * 24 * 60 * 60

// VestedAmount returns how much of the grant has unlocked at the given
// time. Pure and deterministic: repeated calls with the same inputs
// always return the same value.
//
// The elapsed month count is capped at the last curve index, the
// cumulative percentage at 10000 bps, and the product is truncated
// toward zero.
func VestedAmount(grant *Grant, curve *UnlockCurve, at uint64) *big.Int {
	if at < grant.StartTime {
		return big.NewInt(0)
	}

	elapsedMonths := (at - grant.StartTime) / MonthSeconds
	lastIndex := uint64(len(curve.MonthlyBps) - 1)
	if elapsedMonths > lastIndex {
		elapsedMonths = lastIndex
	}

	var cumulativeBps uint64
	for _, bps := range curve.MonthlyBps[:elapsedMonths+1] {
		cumulativeBps += uint64(bps)
	}
	if cumulativeBps > totalBps {
		cumulativeBps = totalBps
	}

	vested := new(big.Int).Mul(grant.AmountTotal, new(big.Int).SetUint64(cumulativeBps))
	return vested.Div(vested, big.NewInt(totalBps))
}

// ReleasableAmount returns the vested amount not yet paid out.
// Non-negative by construction: Released never exceeds what had
// previously vested, and VestedAmount is non-decreasing in time.
func ReleasableAmount(grant *Grant, curve *UnlockCurve, at uint64) *big.Int {
	releasable := VestedAmount(grant, curve, at)
	releasable.Sub(releasable, grant.Released)

	if releasable.Sign() < 0 {
		return big.NewInt(0)
	}

	return releasable
}
