// Package testutil provides helpers for running multi-rank programs in one
// process.
package testutil

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/tilegrid/internal/backbone"
	"github.com/roach88/tilegrid/internal/config"
	"github.com/roach88/tilegrid/internal/fault"
	"github.com/roach88/tilegrid/internal/transport"
)

// RankFunc is the program one rank runs.
type RankFunc func(ctx context.Context, b *backbone.Backbone) error

// RankOptions returns the backbone options of one rank.
type RankOptions func(rank int) []backbone.Option

// RunRanks executes fn on n ranks sharing a fresh fabric, one goroutine
// per rank. The first failure aborts the fabric so the other ranks fail
// fast instead of waiting for peers that will never answer.
func RunRanks(ctx context.Context, n int, cfg config.Config, fn RankFunc, opts RankOptions) error {
	fabric := transport.NewFabric(n, cfg.MaxTag)

	g, gctx := errgroup.WithContext(ctx)
	for r := 0; r < n; r++ {
		r := r
		g.Go(func() error {
			err := runRank(gctx, fabric.Endpoint(r), cfg, fn, opts)
			if err != nil {
				fabric.Abort(fmt.Errorf("rank %d: %w", r, err))
			}
			return err
		})
	}
	return g.Wait()
}

// runRank reports contract panics of the rank program as errors.
func runRank(ctx context.Context, ep *transport.Endpoint, cfg config.Config, fn RankFunc, opts RankOptions) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fault.FromPanic(r)
		}
	}()
	var bopts []backbone.Option
	if opts != nil {
		bopts = opts(ep.Rank())
	}
	b, err := backbone.New(ctx, ep, cfg, bopts...)
	if err != nil {
		return err
	}
	defer b.Close()
	return fn(ctx, b)
}
