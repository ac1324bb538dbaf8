package lock

import "errors"

var (
	// ErrLockNotAcquired matches every *LockNotAcquiredError.
	ErrLockNotAcquired = errors.New("keylock: lock not acquired")
	// ErrUnlockFailure matches every *UnlockFailureError.
	ErrUnlockFailure = errors.New("keylock: unlock failure")
)

// LockNotAcquiredError is returned by Acquire once all retries are used up.
type LockNotAcquiredError struct {
	Key string
}

func (e *LockNotAcquiredError) Error() string {
	return "unable to acquire lock for key: " + e.Key
}

func (e *LockNotAcquiredError) Is(target error) bool {
	return target == ErrLockNotAcquired
}

// UnlockFailureError is returned by Release when the store no longer had the
// key, meaning the lock was lost while this instance believed it held it.
type UnlockFailureError struct {
	Key string
}

func (e *UnlockFailureError) Error() string {
	return "unable to unlock key: " + e.Key
}

func (e *UnlockFailureError) Is(target error) bool {
	return target == ErrUnlockFailure
}
