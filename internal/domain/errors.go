package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrLockHeld      = errors.New("lock already held")
	ErrConnClosed    = errors.New("connection closed")
	ErrUnknownEvent  = errors.New("unknown event name")
	ErrInvalidRoom   = errors.New("invalid room key")

	// Client-facing taxonomy.
	ErrAuthentication      = errors.New("authentication failed")
	ErrAuthorization       = errors.New("not authorized for room")
	ErrValidation          = errors.New("invalid wager")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrMarketState         = errors.New("market not open")
	ErrRateOutOfTolerance  = errors.New("rate moved beyond tolerance")
	ErrTransport           = errors.New("transport failure")
	ErrStatusUnknown       = errors.New("submission status unknown")
	ErrDuplicateSubmission = errors.New("duplicate submission")
	ErrSubmissionInFlight  = errors.New("submission already in flight")
)

// RejectionReason is the structured reason code carried on the wire when a
// wager is refused, either by server-side validation or by the ledger.
type RejectionReason string

const (
	ReasonNone               RejectionReason = ""
	ReasonValidation         RejectionReason = "invalid_wager"
	ReasonInsufficientFunds  RejectionReason = "insufficient_funds"
	ReasonMarketSuspended    RejectionReason = "market_suspended"
	ReasonRateOutOfTolerance RejectionReason = "rate_out_of_tolerance"
	ReasonDuplicate          RejectionReason = "duplicate_request"
	ReasonRateLimited        RejectionReason = "rate_limited"
	ReasonUnauthenticated    RejectionReason = "unauthenticated"
	ReasonTransport          RejectionReason = "transport_error"
	ReasonStatusUnknown      RejectionReason = "status_unknown"
)

var reasonErrors = map[RejectionReason]error{
	ReasonValidation:         ErrValidation,
	ReasonInsufficientFunds:  ErrInsufficientFunds,
	ReasonMarketSuspended:    ErrMarketState,
	ReasonRateOutOfTolerance: ErrRateOutOfTolerance,
	ReasonDuplicate:          ErrDuplicateSubmission,
	ReasonRateLimited:        ErrRateLimited,
	ReasonUnauthenticated:    ErrAuthentication,
	ReasonTransport:          ErrTransport,
	ReasonStatusUnknown:      ErrStatusUnknown,
}

// ReasonError maps a wire reason to its sentinel error. Unknown reasons map
// to ErrValidation so a rejection is never mistaken for success.
func ReasonError(r RejectionReason) error {
	if err, ok := reasonErrors[r]; ok {
		return err
	}
	return ErrValidation
}

// ReasonFor returns the wire reason for an error produced anywhere in the
// submission path.
func ReasonFor(err error) RejectionReason {
	for reason, sentinel := range reasonErrors {
		if errors.Is(err, sentinel) {
			return reason
		}
	}
	return ReasonValidation
}

// UserMessage renders err as a short, reason-specific sentence suitable for
// showing to the person who placed the wager.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSubmissionInFlight):
		return "Your wager is already being submitted."
	case errors.Is(err, ErrDuplicateSubmission):
		return "This wager was already submitted."
	case errors.Is(err, ErrStatusUnknown):
		return "We could not confirm whether your wager was placed. Check your open wagers before trying again."
	case errors.Is(err, ErrInsufficientFunds):
		return "Your available balance is too low for this wager."
	case errors.Is(err, ErrMarketState):
		return "The market was suspended before your wager arrived. Try again when it reopens."
	case errors.Is(err, ErrRateOutOfTolerance):
		return "The price changed before your wager arrived. Review the new rate and resubmit."
	case errors.Is(err, ErrRateLimited):
		return "Too many wagers in a short time. Wait a moment and retry."
	case errors.Is(err, ErrAuthentication):
		return "Your session has expired. Sign in again."
	case errors.Is(err, ErrTransport):
		return "The wager could not be sent. Check your connection."
	case errors.Is(err, ErrValidation):
		return "Enter a rate and stake greater than zero."
	default:
		return "The wager could not be placed."
	}
}
