package hospitalapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/avast/retry-go"
	log "github.com/sirupsen/logrus"
)

// RetryPolicy decides how often a single remote call is attempted.
// Attempts of 1 (or less) means no retry.
type RetryPolicy struct {
	Attempts uint
	Delay    time.Duration
	MaxDelay time.Duration
}

// NoRetry attempts every call exactly once
var NoRetry = RetryPolicy{Attempts: 1}

// Do runs fn until it succeeds, fails with an error that is not worth
// retrying, or the attempts are used up. The last error is returned as is.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	if attempts == 1 {
		return fn()
	}

	opts := []retry.Option{
		retry.Attempts(attempts),
		retry.Delay(p.Delay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(Retryable),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).Debugf("Retrying remote call (attempt %d)", n+2)
		}),
	}
	if p.MaxDelay > 0 {
		opts = append(opts, retry.MaxDelay(p.MaxDelay))
	}
	return retry.Do(fn, opts...)
}

// Retryable reports whether a failed call may succeed when repeated:
// transport errors, 429 and 5xx.
func Retryable(err error) bool {
	var remote *RemoteError
	if !errors.As(err, &remote) {
		return false
	}
	return remote.Status == 0 ||
		remote.Status == http.StatusTooManyRequests ||
		remote.Status >= http.StatusInternalServerError
}
