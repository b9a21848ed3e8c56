// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package taskpool runs per-item work with bounded concurrency and
// deterministic, input-order result merging.
//
// The orchestrator fans per-file engine calls out through this pool.
// Because results always come back in input order, raising the
// concurrency limit never changes observable scoring behavior; a limit
// of 1 reproduces strictly sequential calls.
package taskpool

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Result holds one item's outcome. Err is per-item: a failed item never
// aborts its siblings.
type Result[R any] struct {
	Value R
	Err   error
}

// Map applies fn to every item with at most limit concurrent calls and
// returns results in input order.
//
// Per-item errors are captured in the corresponding Result, not
// propagated. The only whole-run failure is context cancellation, which
// is reported in the Results of items that never ran.
func Map[T, R any](ctx context.Context, limit int, items []T, fn func(ctx context.Context, item T) (R, error)) []Result[R] {
	if limit <= 0 {
		limit = 1
	}

	results := make([]Result[R], len(items))

	g := &errgroup.Group{}
	g.SetLimit(limit)

	for i, item := range items {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i] = Result[R]{Err: err}
				return nil
			}
			value, err := fn(ctx, item)
			results[i] = Result[R]{Value: value, Err: err}
			return nil
		})
	}

	// Per-item errors are swallowed into results, so Wait never fails.
	_ = g.Wait()
	return results
}
