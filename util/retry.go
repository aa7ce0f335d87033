// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

package util

import (
	"time"
)

// RetryConditional calls f until it succeeds, it has been called attempts
// times, or shouldRetry rejects its error. The last error is returned.
func RetryConditional(attempts int, delay time.Duration, shouldRetry func(err error) bool, f func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = f()
		if err == nil || !shouldRetry(err) {
			return err
		}
		if i < attempts-1 {
			plog.Infof("Attempt %d of %d failed, retrying in %v: %v", i+1, attempts, delay, err)
			time.Sleep(delay)
		}
	}
	return err
}
