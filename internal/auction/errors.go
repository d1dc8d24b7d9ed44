package auction

import (
	"errors"
	"fmt"
)

// RejectReason adalah taxonomy penolakan untuk satu attempt.
type RejectReason string

const (
	ReasonAuthRequired     RejectReason = "AUTH_REQUIRED"
	ReasonOwnAuction       RejectReason = "OWN_AUCTION"
	ReasonNotActive        RejectReason = "NOT_ACTIVE"
	ReasonEnded            RejectReason = "ENDED"
	ReasonTooLow           RejectReason = "TOO_LOW"
	ReasonUpstreamTimeout  RejectReason = "UPSTREAM_TIMEOUT"
	ReasonUpstreamConflict RejectReason = "UPSTREAM_CONFLICT"
	ReasonNotFound         RejectReason = "NOT_FOUND"
)

// Rejection is a terminal outcome for one bid attempt. MinBidCents is only set
// for TOO_LOW so the caller can retry with a valid amount.
type Rejection struct {
	Reason      RejectReason
	MinBidCents int64
}

func (r *Rejection) Error() string {
	if r.Reason == ReasonTooLow {
		return fmt.Sprintf("bid rejected: %s (min %d)", r.Reason, r.MinBidCents)
	}
	return fmt.Sprintf("bid rejected: %s", r.Reason)
}

// Retryable: UPSTREAM_* meninggalkan ledger utuh, aman di-resubmit oleh caller.
func (r *Rejection) Retryable() bool {
	return r.Reason == ReasonUpstreamTimeout || r.Reason == ReasonUpstreamConflict
}

// AsRejection unwraps err into a *Rejection if it is one.
func AsRejection(err error) (*Rejection, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

var (
	ErrNotFound   = errors.New("auction not found")
	ErrConflict   = errors.New("conflicting concurrent write")
	ErrTransition = errors.New("invalid status transition")
	ErrHasBids    = errors.New("auction has bids")
)
