package dispatch

import (
	"context"
	"math/rand"
	"time"

	"github.com/juju/clock"
	"golang.org/x/xerrors"
)

// ErrMaxRetriesExceeded is returned by Retry when an operation keeps failing
// after the configured number of attempts.
var ErrMaxRetriesExceeded = xerrors.New("max number of retries exceeded")

const (
	maxJitter  = 1000 * time.Millisecond
	maxBackoff = 32 * time.Second
)

// Retry invokes fn until it succeeds, waiting between attempts using an
// exponential back-off algorithm. Retries are aborted if the attempts exceed
// maxAttempts or ctx is cancelled. The last error returned by fn is wrapped
// in the returned error.
func Retry(ctx context.Context, clk clock.Clock, maxAttempts int, fn func() error) error {
	if maxAttempts > 31 {
		maxAttempts = 31
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == maxAttempts {
			break
		}

		select {
		case <-clk.After(ExpBackoff(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return xerrors.Errorf("%v: %w", err, ErrMaxRetriesExceeded)
}

// ExpBackoff returns the time we need to wait after the i_th attempt. It is
// calculated using the following formula:
//
// min(pow(4ms, attempt) + jitter, maxBackoff)
func ExpBackoff(attempt int) time.Duration {
	jitter := time.Millisecond * time.Duration(rand.Int63n(maxJitter.Nanoseconds()/1e6))
	backOff := time.Duration(2<<uint64(attempt))*time.Millisecond + jitter
	if backOff < maxBackoff {
		return backOff
	}

	return maxBackoff
}
