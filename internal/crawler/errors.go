package crawler

import "errors"

// Per-candidate error classes. Only transient errors are retried.
var (
	// ErrSkipped marks a policy rejection: wrong media type, video, too few tags.
	ErrSkipped = errors.New("candidate skipped")
	// ErrContract marks a board response that breaks the adapter contract,
	// such as an unknown rating or a missing required field.
	ErrContract = errors.New("site contract violation")
	// ErrInvalidAsset marks a downloaded payload that cannot be decoded.
	ErrInvalidAsset = errors.New("invalid asset")
)

// Permanent reports whether retrying err can never help.
func Permanent(err error) bool {
	return errors.Is(err, ErrSkipped) || errors.Is(err, ErrContract) || errors.Is(err, ErrInvalidAsset)
}
