/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package resiliency

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultBackoff returns the policy used when connecting to debug adapters:
// exponential, starting at 100 ms and giving up after maxElapsed.
func DefaultBackoff(maxElapsed time.Duration) *backoff.ExponentialBackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(100*time.Millisecond),
		backoff.WithMaxInterval(2*time.Second),
		backoff.WithMaxElapsedTime(maxElapsed),
	)
}

// RetryGet calls factory with the given back-off policy until either:
// - a value is successfully created, or
// - a permanent error occurs, or
// - the policy gives up, or
// - passed context is cancelled.
func RetryGet[T any](ctx context.Context, b backoff.BackOff, factory func() (T, error)) (T, error) {
	var lastAttemptErr error

	retval, err := backoff.RetryNotifyWithData(
		factory,
		backoff.WithContext(b, ctx),
		func(err error, _ time.Duration) {
			lastAttemptErr = err
		},
	)

	switch {
	case err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)):
		// The caller learns about the cancellation AND the reason the last attempt failed.
		return *new(T), errors.Join(lastAttemptErr, err)
	case err != nil:
		return *new(T), err
	default:
		return retval, nil
	}
}

// Permanent wraps err so that the retry loop stops immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Join joins multiple errors into one. If any of them is permanent, the result is permanent
// and still carries every joined error.
func Join(errs ...error) error {
	isPermanent := false
	var retval error

	for _, err := range errs {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			isPermanent = true
			retval = errors.Join(retval, permanent.Err)
		} else {
			retval = errors.Join(retval, err)
		}
	}

	if isPermanent {
		retval = backoff.Permanent(retval)
	}

	return retval
}
