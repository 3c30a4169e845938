package chunker

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// forEach runs fn(i) for i in [0, n) on at most limit goroutines. Callers write results
// into slot i of a pre-sized slice, which keeps the output in index order no matter
// which worker finishes first. The first error cancels the remaining work.
func forEach(ctx context.Context, limit, n int, fn func(i int) error) error {
	if limit <= 1 || n <= 1 {
		for i := 0; i < n; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(i); err != nil {
				return err
			}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i := 0; i < n; i++ {
		if gctx.Err() != nil {
			break
		}
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(i)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
