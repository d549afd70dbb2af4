package compositor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchEventMapsWireNames(t *testing.T) {
	c := New("ws://example.invalid", "", "RotationSource")

	c.dispatchEvent(wireEventMediaStarted)
	c.dispatchEvent(wireEventMediaEnded)
	c.dispatchEvent("SomethingElseEntirely")

	assert.Equal(t, eventStarted, <-c.Events())
	assert.Equal(t, eventEnded, <-c.Events())

	select {
	case tok := <-c.Events():
		t.Fatalf("unexpected extra event %q", tok)
	default:
	}
}

func TestDrainEventsEmptiesQueue(t *testing.T) {
	c := New("ws://example.invalid", "", "RotationSource")
	c.dispatchEvent(wireEventMediaStarted)
	c.dispatchEvent(wireEventMediaEnded)

	c.DrainEvents()

	select {
	case tok := <-c.Events():
		t.Fatalf("expected drained queue, got %q", tok)
	default:
	}
}

func TestClassifyErrorMarksDisconnected(t *testing.T) {
	c := New("ws://example.invalid", "", "RotationSource")
	c.connected.Store(true)

	_ = c.classifyError(errors.New("read tcp: connection forcibly closed by peer"))
	assert.False(t, c.IsConnected())
}

func TestClassifyErrorIgnoresUnrelatedErrors(t *testing.T) {
	c := New("ws://example.invalid", "", "RotationSource")
	c.connected.Store(true)

	_ = c.classifyError(errors.New("invalid request payload"))
	assert.True(t, c.IsConnected())
}

func TestReconnectWithBackoffSucceedsEventually(t *testing.T) {
	attempts := 0
	err := ReconnectWithBackoff(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestReconnectWithBackoffStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := ReconnectWithBackoff(ctx, func(ctx context.Context) error {
		return errors.New("always fails")
	})
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
}
