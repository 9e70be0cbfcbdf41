// Package stability decides when an observed page region has stopped
// changing long enough that extraction is trustworthy. The target page gives
// no explicit "response finished" signal, so completion is inferred from the
// absence of further DOM mutations.
package stability

import (
	"context"
	"errors"
	"time"

	"chatdex/internal/logging"
)

// ErrInterrupted means the enclosing deadline expired before the region
// settled.
var ErrInterrupted = errors.New("stability wait interrupted")

// ErrContentTooShort means the region settled but the extracted content never
// reached the minimum length, even after the grace extension.
var ErrContentTooShort = errors.New("settled content below minimum length")

// Detector runs one settle-wait per call. It holds only tuning, so a single
// value can be shared across jobs.
type Detector struct {
	QuietPeriod     time.Duration
	MinContentChars int
	GraceExtensions int
}

// New returns a detector with the given quiet period and content threshold.
func New(quiet time.Duration, minChars, graceExtensions int) *Detector {
	if quiet <= 0 {
		quiet = 2500 * time.Millisecond
	}
	return &Detector{
		QuietPeriod:     quiet,
		MinContentChars: minChars,
		GraceExtensions: graceExtensions,
	}
}

// Wait blocks until the mutation stream has been quiet for the full quiet
// period AND the readable content meets the minimum length. Every mutation
// resets the quiet timer. When the timer fires on short content, the wait is
// extended GraceExtensions more times before giving up - a merely
// empty-but-stable page is not success.
//
// There is no hard deadline here; ctx (the work queue's safety timeout)
// bounds the total wait.
func (d *Detector) Wait(ctx context.Context, mutations <-chan struct{}, contentLen func() int) error {
	timer := time.NewTimer(d.QuietPeriod)
	defer timer.Stop()

	extensions := d.GraceExtensions
	for {
		select {
		case <-ctx.Done():
			return ErrInterrupted
		case _, ok := <-mutations:
			if !ok {
				// Monitor gone; treat as settled and fall through to the
				// length check on the next timer fire.
				mutations = nil
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(d.QuietPeriod)
		case <-timer.C:
			n := contentLen()
			if n >= d.MinContentChars {
				logging.Stability("settled with %d chars", n)
				return nil
			}
			if extensions > 0 {
				extensions--
				logging.Stability("stable but short (%d < %d), extending wait", n, d.MinContentChars)
				timer.Reset(d.QuietPeriod)
				continue
			}
			return ErrContentTooShort
		}
	}
}
