package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type solverParams struct {
	Alpha float64 `json:"alpha"`
	Steps int     `json:"steps"`
}

func TestBroadcast_ReplicatesRootValue(t *testing.T) {
	envs := newRanks(t, 2)
	ctx := context.Background()

	values := []*Transformable[solverParams]{
		NewTransformable(solverParams{Alpha: 0.5, Steps: 3}),
		NewTransformable(solverParams{}),
	}
	for r, env := range envs {
		_, err := Broadcast(ctx, env.c, values[r], 0)
		require.NoError(t, err)
		assert.Equal(t, 0, values[r].Session())
	}
	assert.True(t, values[0].Valid())
	assert.False(t, values[1].Valid(), "non-root values are stale until the broadcast lands")

	assert.Equal(t, 1, envs[0].schedule(t))
	assert.Equal(t, 1, envs[1].schedule(t))

	assert.True(t, values[1].Valid())
	assert.Equal(t, solverParams{Alpha: 0.5, Steps: 3}, values[1].Value())
	assert.Len(t, envs[1].rec.Filter(EventBroadcast), 1)
}

func TestBroadcast_SessionsAdvance(t *testing.T) {
	env := newRanks(t, 1)[0]
	ctx := context.Background()

	v := NewTransformable(7)
	assert.Equal(t, -1, v.Session())
	for want := 0; want < 3; want++ {
		_, err := Broadcast(ctx, env.c, v, 0)
		require.NoError(t, err)
		assert.Equal(t, want, v.Session())
	}
	assert.Equal(t, 3, env.schedule(t))
	assert.Equal(t, 7, v.Value())
}

func TestBroadcast_NonRootWaitsForRoot(t *testing.T) {
	envs := newRanks(t, 2)
	ctx := context.Background()

	v := NewTransformable("")
	_, err := Broadcast(ctx, envs[1].c, v, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, envs[1].schedule(t))
	assert.Equal(t, 1, envs[1].c.Pending())

	root := NewTransformable("ready")
	_, err = Broadcast(ctx, envs[0].c, root, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, envs[1].schedule(t))
	assert.Equal(t, "ready", v.Value())
}
