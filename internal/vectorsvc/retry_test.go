// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vectorsvc

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Query-farm/vgi-vector/vgirpc"
)

func TestRetryStopsAtMaxAttempts(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
	attempts := 0
	err := p.run(context.Background(), func() error {
		attempts++
		return fmt.Errorf("%w: connection reset", vgirpc.ErrTransport)
	})
	assert.ErrorIs(t, err, vgirpc.ErrTransport)
	assert.Equal(t, 3, attempts)
}

func TestRetrySucceedsAfterTransportFailure(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond}
	attempts := 0
	err := p.run(context.Background(), func() error {
		attempts++
		if attempts == 1 {
			return vgirpc.ErrTransport
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestRetryNeverRepeatsServerErrors(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Millisecond}
	attempts := 0
	rejected := vgirpc.InvalidArgument("nope")
	err := p.run(context.Background(), func() error {
		attempts++
		return rejected
	})
	assert.ErrorIs(t, err, rejected)
	assert.True(t, vgirpc.IsInvalidArgument(err))
	assert.Equal(t, 1, attempts)
}

func TestNoRetryRunsOnce(t *testing.T) {
	attempts := 0
	boom := errors.New("boom")
	err := NoRetry.run(context.Background(), func() error {
		attempts++
		return fmt.Errorf("%w: %w", vgirpc.ErrTransport, boom)
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, attempts)
}

func TestRetryHonoursContext(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 100, InitialBackoff: 50 * time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	attempts := 0
	err := p.run(ctx, func() error {
		attempts++
		return vgirpc.ErrTransport
	})
	assert.Error(t, err)
	assert.Less(t, attempts, 100)
}
