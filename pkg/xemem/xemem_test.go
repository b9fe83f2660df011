package xemem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalMakeGetRemove(t *testing.T) {
	tr := NewLocal()

	seg, err := tr.Make("queue-1", 64)
	require.NoError(t, err)
	assert.Equal(t, "queue-1", seg.Name)
	assert.Len(t, seg.Data, 64)

	_, err = tr.Make("queue-1", 64)
	require.Error(t, err, "making the same name twice must fail")

	got, err := tr.Get("queue-1")
	require.NoError(t, err)
	assert.Same(t, seg, got)

	require.NoError(t, tr.Remove("queue-1"))
	_, err = tr.Get("queue-1")
	require.Error(t, err)
}

func TestGetUnknownSegmentFails(t *testing.T) {
	tr := NewLocal()
	_, err := tr.Get("nope")
	require.Error(t, err)
}

func TestSignalWaitRoundTrip(t *testing.T) {
	tr := NewLocal()
	seg, err := tr.Make("s", 8)
	require.NoError(t, err)
	t.Cleanup(func() { _ = seg.Close() })

	require.NoError(t, seg.Signal())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, seg.Wait(ctx))
}

func TestWaitTimesOutWithoutSignal(t *testing.T) {
	tr := NewLocal()
	seg, err := tr.Make("s", 8)
	require.NoError(t, err)
	t.Cleanup(func() { _ = seg.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = seg.Wait(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRepeatedSignalsCoalesce(t *testing.T) {
	tr := NewLocal()
	seg, err := tr.Make("s", 8)
	require.NoError(t, err)
	t.Cleanup(func() { _ = seg.Close() })

	require.NoError(t, seg.Signal())
	require.NoError(t, seg.Signal())
	require.NoError(t, seg.Signal())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, seg.Wait(ctx))

	// A second Wait must block: the three Signal calls coalesced into one
	// wakeup, already consumed above.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	err = seg.Wait(ctx2)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAckDrainsPendingSignalWithoutBlocking(t *testing.T) {
	tr := NewLocal()
	seg, err := tr.Make("s", 8)
	require.NoError(t, err)
	t.Cleanup(func() { _ = seg.Close() })

	require.NoError(t, seg.Signal())
	require.NoError(t, seg.Signal())
	require.NoError(t, seg.Signal())

	seg.Ack() // must not block despite three coalesced Signal calls

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = seg.Wait(ctx)
	require.Error(t, err, "Ack must have drained the signal, leaving nothing for Wait to observe")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAckOnUnsignalledSegmentIsANoop(t *testing.T) {
	tr := NewLocal()
	seg, err := tr.Make("s", 8)
	require.NoError(t, err)
	t.Cleanup(func() { _ = seg.Close() })

	seg.Ack()
	seg.Ack()

	require.NoError(t, seg.Signal())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, seg.Wait(ctx))
}

func TestSignalAfterAckIsObservedByWait(t *testing.T) {
	tr := NewLocal()
	seg, err := tr.Make("s", 8)
	require.NoError(t, err)
	t.Cleanup(func() { _ = seg.Close() })

	require.NoError(t, seg.Signal())
	seg.Ack()
	require.NoError(t, seg.Signal())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, seg.Wait(ctx))
}
