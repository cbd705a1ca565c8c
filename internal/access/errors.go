package access

import (
	"errors"
)

// Every error kind carries a distinct message that is safe to show to users.
var (
	// ErrTokenNotFound is returned when no access key matches.
	ErrTokenNotFound = errors.New("invalid access key")

	// ErrAlreadyUsed is returned when the key was redeemed before, whether
	// detected on the first read or inside the redemption transaction.
	ErrAlreadyUsed = errors.New("this access key has already been used")

	// ErrExpired is returned when the key's validity window has passed.
	ErrExpired = errors.New("this access key has expired")

	// ErrIdentityIssuance is returned when no identity could be issued.
	ErrIdentityIssuance = errors.New("could not create an identity for this access key")

	// ErrTransactionAborted is returned when concurrent activity kept the
	// redemption from committing. Nothing was changed; retry.
	ErrTransactionAborted = errors.New("redemption was interrupted, please try again")

	// ErrStorage is returned when the store failed. Nothing was changed; retry.
	ErrStorage = errors.New("storage failure, please try again")

	// ErrProfileNotFound is returned when an identity has no profile.
	ErrProfileNotFound = errors.New("user profile not found")

	// ErrInvalidRole is returned when a key is requested for an unknown role.
	ErrInvalidRole = errors.New("invalid role")
)

// IsRetryable reports whether repeating the whole operation may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransactionAborted) || errors.Is(err, ErrStorage)
}

// Kind returns a short stable label for err, used for metrics and logs.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTokenNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyUsed):
		return "already_used"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrIdentityIssuance):
		return "identity_issuance_failed"
	case errors.Is(err, ErrTransactionAborted):
		return "transaction_aborted"
	case errors.Is(err, ErrStorage):
		return "storage_failure"
	default:
		return "error"
	}
}
