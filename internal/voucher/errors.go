package voucher

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownSchema  = errors.New("unknown schema")
	ErrSchemaMismatch = errors.New("message does not match schema")
	ErrSigningFailed  = errors.New("signing failed")

	ErrDigestMismatch    = errors.New("digest mismatch")
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrDomainMismatch    = errors.New("domain mismatch")
	ErrReplayedNonce     = errors.New("nonce already consumed")
	ErrStaleGeneration   = errors.New("stale generation")
	ErrInsufficientValue = errors.New("insufficient value")
	ErrCallerNotApproved = errors.New("caller is not the approved party")
)

var reasons = []struct {
	err    error
	reason string
}{
	{ErrUnknownSchema, "unknown_schema"},
	{ErrSchemaMismatch, "schema_mismatch"},
	{ErrSigningFailed, "signing_failed"},
	{ErrDigestMismatch, "digest_mismatch"},
	{ErrInvalidSignature, "invalid_signature"},
	{ErrDomainMismatch, "domain_mismatch"},
	{ErrReplayedNonce, "replayed_nonce"},
	{ErrStaleGeneration, "stale_generation"},
	{ErrInsufficientValue, "insufficient_value"},
	{ErrCallerNotApproved, "caller_not_approved"},
}

// Reason returns the stable reason code for err, or "internal" if err is not part of the
// voucher error taxonomy.
func Reason(err error) string {
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return "internal"
}

// Recoverable reports whether the caller may retry with the same voucher content.
// Replay and domain errors are never recoverable.
func Recoverable(err error) bool {
	return errors.Is(err, ErrSigningFailed) || errors.Is(err, ErrInsufficientValue)
}

// RejectError is a terminal verification outcome for one presentation.
type RejectError struct {
	Reason string
	Err    error
}

// Reject wraps err with its reason code. detail is appended to the message when non-empty.
func Reject(err error, detail string) *RejectError {
	if detail != "" {
		err = fmt.Errorf("%w: %s", err, detail)
	}
	return &RejectError{Reason: Reason(err), Err: err}
}

func (e *RejectError) Error() string { return "voucher rejected (" + e.Reason + "): " + e.Err.Error() }

func (e *RejectError) Unwrap() error { return e.Err }
