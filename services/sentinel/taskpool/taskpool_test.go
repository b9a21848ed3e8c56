// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package taskpool

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMapPreservesInputOrder verifies results line up with inputs even
// when items finish out of order.
func TestMapPreservesInputOrder(t *testing.T) {
	items := []int{5, 3, 1, 4, 2}

	results := Map(context.Background(), 4, items, func(_ context.Context, n int) (string, error) {
		return strconv.Itoa(n * 10), nil
	})

	require.Len(t, results, len(items))
	for i, n := range items {
		require.NoError(t, results[i].Err)
		assert.Equal(t, strconv.Itoa(n*10), results[i].Value)
	}
}

// TestMapPerItemErrors verifies one failing item never aborts the rest.
func TestMapPerItemErrors(t *testing.T) {
	boom := errors.New("item failed")

	results := Map(context.Background(), 2, []int{1, 2, 3}, func(_ context.Context, n int) (int, error) {
		if n == 2 {
			return 0, boom
		}
		return n, nil
	})

	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, boom)
	assert.NoError(t, results[2].Err)
	assert.Equal(t, 3, results[2].Value)
}

// TestMapRespectsLimit verifies concurrent calls never exceed the
// limit.
func TestMapRespectsLimit(t *testing.T) {
	const limit = 2

	var mu sync.Mutex
	var active, peak int

	gate := make(chan struct{})
	var once sync.Once

	items := make([]int, 10)
	Map(context.Background(), limit, items, func(_ context.Context, _ int) (struct{}, error) {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()

		once.Do(func() { close(gate) })
		<-gate

		mu.Lock()
		active--
		mu.Unlock()
		return struct{}{}, nil
	})

	assert.LessOrEqual(t, peak, limit)
	assert.Positive(t, peak)
}

// TestMapCancelledContext verifies items that never ran report the
// context error.
func TestMapCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran atomic.Int32
	results := Map(ctx, 1, []int{1, 2, 3}, func(_ context.Context, n int) (int, error) {
		ran.Add(1)
		return n, nil
	})

	require.Len(t, results, 3)
	assert.Zero(t, ran.Load())
	for _, r := range results {
		assert.ErrorIs(t, r.Err, context.Canceled)
	}
}

// TestMapZeroLimitDefaultsToSequential verifies a non-positive limit is
// treated as 1.
func TestMapZeroLimitDefaultsToSequential(t *testing.T) {
	results := Map(context.Background(), 0, []int{1, 2}, func(_ context.Context, n int) (int, error) {
		return n + 1, nil
	})
	require.Len(t, results, 2)
	assert.Equal(t, 2, results[0].Value)
	assert.Equal(t, 3, results[1].Value)
}
