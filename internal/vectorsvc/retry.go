// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vectorsvc

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Query-farm/vgi-vector/vgirpc"
)

// RetryPolicy controls how transport failures are retried. Errors reported by
// the server are never retried. MaxAttempts <= 1 disables retries.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// NoRetry is the default policy.
var NoRetry = RetryPolicy{MaxAttempts: 1}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if p.InitialBackoff > 0 {
		eb.InitialInterval = p.InitialBackoff
	}
	if p.MaxBackoff > 0 {
		eb.MaxInterval = p.MaxBackoff
	}
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.MaxAttempts-1)), ctx)
}

// run calls op until it succeeds, fails with a non-transport error or the
// attempts are exhausted.
func (p RetryPolicy) run(ctx context.Context, op func() error) error {
	if p.MaxAttempts <= 1 {
		return op()
	}
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !errors.Is(err, vgirpc.ErrTransport) {
			return backoff.Permanent(err)
		}
		return err
	}, p.backOff(ctx))
}
