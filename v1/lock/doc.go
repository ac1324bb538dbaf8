// Package lock provides a mutual-exclusion lock coordinated through a shared
// key-value store. Independent processes serialize access to a resource by
// agreeing on a key: whoever sets the key first holds the lock, and releasing
// deletes it again.
//
// Acquire retries a configurable number of times, sleeping a fixed interval
// between attempts, and fails with a *LockNotAcquiredError once the retries
// are exhausted. Release verifies that the key still existed; if it vanished
// out-of-band the lock reports an *UnlockFailureError instead of silently
// succeeding. LockForUpdate and Run wrap a unit of work with acquire and a
// guaranteed release.
//
// Locks never expire and are never renewed: mutual exclusion is exactly as
// strong as the store's set-if-absent.
package lock
