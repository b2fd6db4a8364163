package testutil

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tilegrid/internal/backbone"
	"github.com/roach88/tilegrid/internal/config"
	"github.com/roach88/tilegrid/internal/fault"
)

func TestRunRanks_AllRanksAgreeOnRunID(t *testing.T) {
	ids := make([]string, 3)
	err := RunRanks(context.Background(), 3, config.Default(), func(_ context.Context, b *backbone.Backbone) error {
		ids[b.Rank()] = b.RunID()
		return nil
	}, func(int) []backbone.Option {
		return []backbone.Option{backbone.WithRunIDGenerator(NewStaticRunID("run-abc"))}
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"run-abc", "run-abc", "run-abc"}, ids)
}

func TestRunRanks_FailureAbortsPeers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	boom := errors.New("boom")
	err := RunRanks(ctx, 2, config.Default(), func(ctx context.Context, b *backbone.Backbone) error {
		if b.Rank() == 1 {
			return boom
		}
		// Rank 0 waits at a barrier rank 1 never reaches.
		return b.Sync(ctx)
	}, nil)
	require.Error(t, err)
}

func TestRunRanks_PanicBecomesError(t *testing.T) {
	err := RunRanks(context.Background(), 1, config.Default(), func(context.Context, *backbone.Backbone) error {
		fault.Panic(fault.ErrCodeUnbalanced, "pop of base scope")
		return nil
	}, nil)
	assert.True(t, fault.IsCode(err, fault.ErrCodeUnbalanced))
}

func TestStaticRunID(t *testing.T) {
	assert.Equal(t, "x", NewStaticRunID("x").Generate())
	assert.Equal(t, "test-run-default", NewStaticRunID("").Generate())
}
