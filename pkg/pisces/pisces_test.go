package pisces

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSimBootAndShutdownAlwaysSucceed(t *testing.T) {
	var sim Sim
	ctx := context.Background()

	assert.NoError(t, sim.Boot(ctx, 7, []int{0, 1}, "kitten.img"))
	assert.NoError(t, sim.Shutdown(ctx, 7))
}

func TestSimSatisfiesLoader(t *testing.T) {
	var _ Loader = Sim{}
}
