package vesting

import "errors"

// Every failure an operation can report carries one of these sentinels.
// None are retried internally; the caller corrects its input or waits
// for state to change.
var (
	// Input validation
	ErrInvalidStartTimestamp = errors.New("InvalidStartTimestamp")
	ErrUnknownCohort         = errors.New("UnknownCohort")
	ErrAmountInvalid         = errors.New("AmountInvalid")
	ErrPercentSumExceeded    = errors.New("PercentSumExceeded")
	ErrInvalidCurveShape     = errors.New("InvalidCurveShape")
	ErrAlreadyFrozen         = errors.New("AlreadyFrozen")

	// Authorization
	ErrNotAuthorized = errors.New("NotAuthorized")

	// Resources
	ErrInsufficientReserve    = errors.New("InsufficientReserve")
	ErrInsufficientReleasable = errors.New("InsufficientReleasable")

	// Lifecycle state
	ErrUnknownGrant    = errors.New("UnknownGrant")
	ErrScheduleRevoked = errors.New("ScheduleRevoked")
	ErrNotRevocable    = errors.New("NotRevocable")

	// Collaborator
	ErrTransferFailed = errors.New("TransferFailed")
)
