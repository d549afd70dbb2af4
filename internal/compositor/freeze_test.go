package compositor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func notStreaming() bool { return false }

func TestFreezeMonitorRecoversOnceThenFrozenFinal(t *testing.T) {
	c := New("ws://example.invalid", "", "RotationSource")
	f := NewFreezeMonitor(c)
	f.lastFrames = 100

	recoverCalls := 0
	recover := func(ctx context.Context, wasStreaming bool) error {
		recoverCalls++
		return nil
	}

	require.NoError(t, f.recordFrames(context.Background(), 100, notStreaming, recover))
	require.NoError(t, f.recordFrames(context.Background(), 100, notStreaming, recover))
	require.NoError(t, f.recordFrames(context.Background(), 100, notStreaming, recover))
	assert.Equal(t, 1, recoverCalls)
	assert.False(t, f.FrozenFinal())

	require.NoError(t, f.recordFrames(context.Background(), 0, notStreaming, recover))
	require.NoError(t, f.recordFrames(context.Background(), 0, notStreaming, recover))
	require.NoError(t, f.recordFrames(context.Background(), 0, notStreaming, recover))
	assert.True(t, f.FrozenFinal())
	assert.Equal(t, 1, recoverCalls, "frozen_final must not trigger a second recovery")
}

func TestFreezeMonitorResetsOnProgress(t *testing.T) {
	c := New("ws://example.invalid", "", "RotationSource")
	f := NewFreezeMonitor(c)
	f.lastFrames = 100

	recover := func(ctx context.Context, wasStreaming bool) error {
		t.Fatal("recover should not be called when frames keep advancing")
		return nil
	}

	require.NoError(t, f.recordFrames(context.Background(), 100, notStreaming, recover))
	require.NoError(t, f.recordFrames(context.Background(), 100, notStreaming, recover))
	require.NoError(t, f.recordFrames(context.Background(), 150, notStreaming, recover))
	assert.Equal(t, 0, f.stallCount)
}

func TestNewFreezeMonitorDefaults(t *testing.T) {
	c := New("ws://example.invalid", "", "RotationSource")
	f := NewFreezeMonitor(c)
	require.Equal(t, 3, f.stallLimit)
}
