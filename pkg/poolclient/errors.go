package poolclient

import "fmt"

// PoolEmptyError means the server had no allocatable email for this attempt:
// the pool is exhausted or the attempt lost a race. Retrying later is valid.
type PoolEmptyError struct {
	Reason       string // no_emails_available | rate_limited
	RetryAfterMS int64
}

func (e *PoolEmptyError) Error() string {
	return fmt.Sprintf("no email acquired: reason=%s retry_ms=%d", e.Reason, e.RetryAfterMS)
}

type UnexpectedStatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("unexpected status: %s %s -> %d body=%q", e.Method, e.Path, e.Code, e.Body)
}
