// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package retry calls remote operations repeatedly, with exponential
// backoff, until they succeed or a limit is reached.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// Policy describes how many times to try an operation and how long
// to wait between tries. The zero value of each field selects the
// corresponding field of DefaultPolicy.
type Policy struct {
	// Total number of calls, including the first one.
	Attempts     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultPolicy tries 6 times (5 retries) waiting 1s, 2s, 4s, 8s, 16s
// between tries.
var DefaultPolicy = Policy{
	Attempts:     6,
	InitialDelay: time.Second,
	MaxDelay:     time.Minute,
	Multiplier:   2,
}

func (p Policy) withDefaults() Policy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultPolicy.Attempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = DefaultPolicy.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultPolicy.MaxDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultPolicy.Multiplier
	}
	return p
}

type permanentError struct {
	err error
}

func (pe permanentError) Error() string { return pe.err.Error() }
func (pe permanentError) Unwrap() error { return pe.err }

// Permanent wraps err so Do returns it right away instead of trying
// again. Do returns the original (unwrapped) error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err}
}

// IsPermanent returns true if err was wrapped by Permanent.
func IsPermanent(err error) bool {
	var pe permanentError
	return errors.As(err, &pe)
}

// A rate-limit error can tell us not to try again before a given
// time. lib/cloud.RateLimitError satisfies this.
type earliestRetrier interface {
	EarliestRetry() time.Time
}

// Do calls fn until it returns nil, returns a permanent error, the
// policy's attempts are used up, or ctx is done. It returns the
// last error returned by fn.
func Do(ctx context.Context, policy Policy, logger logrus.FieldLogger, op string, fn func(context.Context) error) error {
	policy = policy.withDefaults()
	delay := policy.InitialDelay
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var pe permanentError
		if errors.As(err, &pe) {
			return pe.err
		}
		if attempt >= policy.Attempts {
			return err
		}
		wait := delay
		var rle earliestRetrier
		if errors.As(err, &rle) {
			if until := time.Until(rle.EarliestRetry()); until > wait {
				wait = until
			}
		}
		logger.WithFields(logrus.Fields{
			"Op":      op,
			"Attempt": attempt,
			"Delay":   wait,
		}).WithError(err).Warn("remote call failed, will retry")
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
		delay = time.Duration(float64(delay) * policy.Multiplier)
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}
}
