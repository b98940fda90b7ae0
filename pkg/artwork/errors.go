package artwork

import (
	"errors"
	"fmt"
)

var (
	// ErrNotOwned means the ownership oracle denies access to the item.
	// Not retried and never recorded as a transient failure.
	ErrNotOwned = errors.New("artwork: item not owned")

	// ErrSuppressed means the fetch is inside its back-off window and no
	// cached fallback exists. Callers fail fast rather than retry.
	ErrSuppressed = errors.New("artwork: fetch suppressed by back-off")

	// ErrCorruptEntry means an on-disk file failed signature validation.
	ErrCorruptEntry = errors.New("artwork: corrupt cache entry")

	// ErrFetchCanceled is delivered to waiters sharing an in-flight
	// fetch whose initiating caller went away. The key is forgotten, so
	// a later request re-issues the fetch.
	ErrFetchCanceled = errors.New("artwork: in-flight fetch canceled")
)

// FetchError is a transient remote failure: non-2xx status, timeout, or
// a broken body. It is recorded in the ledger and subject to back-off.
type FetchError struct {
	URL         string
	Status      int
	RateLimited bool
	Err         error
}

func (e *FetchError) Error() string {
	switch {
	case e.Status != 0:
		return fmt.Sprintf("artwork: fetch %s: status %d", e.URL, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("artwork: fetch %s: %v", e.URL, e.Err)
	default:
		return fmt.Sprintf("artwork: fetch %s failed", e.URL)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// Retryable marks the failure as safe to retry once its back-off window
// elapses.
func (*FetchError) Retryable() bool { return true }
