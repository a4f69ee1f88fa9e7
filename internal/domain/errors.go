package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrAlreadySettled      = errors.New("bet already settled")
	ErrOutOfOrderTick      = errors.New("tick out of order")
	ErrLedgerEmpty         = errors.New("ledger empty")
	ErrValidation          = errors.New("validation failed")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrFeedUnavailable     = errors.New("price feed unavailable")
	ErrStoreUnavailable    = errors.New("store unavailable")
	ErrRateLimited         = errors.New("rate limited")
	ErrLockHeld            = errors.New("lock already held")
)

// RejectionCode identifies why a bet placement was refused.
type RejectionCode string

const (
	RejectInvalidAmount       RejectionCode = "invalid_amount"
	RejectGridOutOfBounds     RejectionCode = "grid_out_of_bounds"
	RejectFeedUnavailable     RejectionCode = "feed_unavailable"
	RejectInsufficientBalance RejectionCode = "insufficient_balance"
	RejectRateLimited         RejectionCode = "rate_limited"
)

// Rejection is returned by bet placement when the request is refused before
// any state changes. It unwraps to one of the sentinel errors above so callers
// can use errors.Is.
type Rejection struct {
	Code   RejectionCode
	Reason string
	Err    error
}

func (r *Rejection) Error() string {
	if r.Reason == "" {
		return string(r.Code)
	}
	return string(r.Code) + ": " + r.Reason
}

func (r *Rejection) Unwrap() error { return r.Err }

// Reject builds a Rejection for code, picking the matching sentinel.
func Reject(code RejectionCode, reason string) *Rejection {
	var base error
	switch code {
	case RejectInsufficientBalance:
		base = ErrInsufficientBalance
	case RejectFeedUnavailable:
		base = ErrFeedUnavailable
	case RejectRateLimited:
		base = ErrRateLimited
	default:
		base = ErrValidation
	}
	return &Rejection{Code: code, Reason: reason, Err: base}
}

// AsRejection reports whether err carries a Rejection and returns it.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}
