package vesting

// totalBps is the basis-point denominator: 10000 = 100%.
const totalBps = 10000

// ValidateCurve checks an unlock-percentage sequence.
//
// A valid curve is non-empty, sums to at most 10000 bps, and has the
// shape "0*, nonzero+": any number of leading zero months (the cliff)
// followed exclusively by nonzero months through the end. Decreases
// among the nonzero entries are fine, e.g. a smaller final entry that
// absorbs rounding.
func ValidateCurve(monthlyBps []uint16) error {
	if len(monthlyBps) == 0 {
		return ErrInvalidCurveShape
	}

	var sum uint64
	for _, bps := range monthlyBps {
		sum += uint64(bps)
	}
	if sum > totalBps {
		return ErrPercentSumExceeded
	}

	unlockStarted := false
	for _, bps := range monthlyBps {
		switch {
		case bps != 0:
			unlockStarted = true
		case unlockStarted:
			// zero after the first nonzero month
			return ErrInvalidCurveShape
		}
	}

	if !unlockStarted {
		// all-zero curve never unlocks anything
		return ErrInvalidCurveShape
	}

	return nil
}
