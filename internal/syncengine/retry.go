package syncengine

import "time"

// RetryPolicy computes the advisory delay before a failed record should
// be retried. The engine never schedules retries itself; the delay only
// fills SyncRecord.NextRetryAt for clients.
type RetryPolicy struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultRetryPolicy is used when the engine is created without one.
var DefaultRetryPolicy = RetryPolicy{Base: 5 * time.Second, Max: 5 * time.Minute}

// Delay returns Base * 2^(retryCount-1), capped at Max. retryCount is the
// number of failures so far, starting at 1.
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	if p.Base <= 0 {
		return 0
	}

	if retryCount < 1 {
		retryCount = 1
	}

	d := p.Base
	for i := 1; i < retryCount; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
	}

	if p.Max > 0 && d > p.Max {
		return p.Max
	}

	return d
}
