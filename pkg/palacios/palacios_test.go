package palacios

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimLaunchReturnsIncreasingDeviceIDs(t *testing.T) {
	sim := &Sim{}
	ctx := context.Background()

	first, err := sim.Launch(ctx, 1, []byte("<vm/>"))
	require.NoError(t, err)
	second, err := sim.Launch(ctx, 2, []byte("<vm/>"))
	require.NoError(t, err)

	assert.Greater(t, second, first)
	assert.NoError(t, sim.Destroy(ctx, 1, first))
}

func TestSimLaunchIsSafeForConcurrentCallers(t *testing.T) {
	sim := &Sim{}
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]int, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := sim.Launch(ctx, uint64(i), nil)
			require.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	seen := make(map[int]bool)
	for _, id := range ids {
		assert.False(t, seen[id], "device ids must be unique under concurrent Launch calls")
		seen[id] = true
	}
}

func TestSimSatisfiesController(t *testing.T) {
	var _ Controller = &Sim{}
}
