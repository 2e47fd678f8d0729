// Provides common insights errors definitions.
package insights_errors

import "errors"

var (
	ErrNotFound           = errors.New("insights: not found")
	ErrTableNotFound      = errors.New("insights: table not found")
	ErrConflict           = errors.New("insights: already exists")
	ErrPreconditionFailed = errors.New("insights: precondition failed")
	ErrTooLarge           = errors.New("insights: payload too large")
	ErrBatchTooLarge      = errors.New("insights: batch has too many operations")
	ErrInvalidKey         = errors.New("insights: invalid key")

	ErrLeaseNotAcquired = errors.New("insights: lease is held by someone else")
	ErrLeaseLost        = errors.New("insights: lease was lost")

	ErrScanAlreadyStarted  = errors.New("insights: a scan of this driver type is already in progress")
	ErrCursorMovedBackward = errors.New("insights: cursor cannot move backward")
	ErrUnknownDriver       = errors.New("insights: unknown driver type")
	ErrUnknownSchema       = errors.New("insights: unknown message schema")
	ErrUnknownLeafType     = errors.New("insights: unknown catalog leaf type")
	ErrInvalidIdentity     = errors.New("insights: malformed package identity")

	ErrClosed = errors.New("insights: storage is closed")
)

// IsRetryableStorage tells whether a storage error is a lost optimistic
// concurrency race that the caller may retry from scratch.
func IsRetryableStorage(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrPreconditionFailed)
}
