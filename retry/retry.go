// Package retry implements a bounded, fixed-interval retry primitive used
// by the fetch package.
package retry

import (
	"time"

	"github.com/coreos/pkg/capnslog"
)

var plog = capnslog.NewPackageLogger("github.com/flatcar/ue-go", "retry")

// Do calls f until it succeeds or has been called attempts times, sleeping
// delay between calls. The error from the last call is returned verbatim.
func Do(attempts int, delay time.Duration, f func() error) error {
	return DoConditional(attempts, delay, func(_ error) bool { return true }, f)
}

// DoConditional is like Do but stops retrying early, returning err
// immediately, once shouldRetry(err) reports false.
func DoConditional(attempts int, delay time.Duration, shouldRetry func(err error) bool, f func() error) error {
	var err error

	for i := 0; i < attempts; i++ {
		err = f()
		if err == nil {
			return nil
		}
		if !shouldRetry(err) {
			return err
		}

		plog.Debugf("attempt %d/%d failed: %v", i+1, attempts, err)

		if i < attempts-1 {
			time.Sleep(delay)
		}
	}

	return err
}
