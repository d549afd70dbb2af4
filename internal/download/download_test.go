package download

import (
	"context"
	"testing"
	"time"

	"github.com/ManuGH/rotatord/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerDrainsRegistrationsAndHandoffFields(t *testing.T) {
	run := func(ctx context.Context, job Job) (Result, []domain.Video, error) {
		return Result{PlaylistName: job.PlaylistName, Success: true, DurationSeconds: 1}, []domain.Video{
			{PlaylistID: job.PlaylistID, PlaylistName: job.PlaylistName, Filename: "clip.mp4"},
		}, nil
	}

	w := NewWorker(run, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	w.Enqueue("session-1", Job{PlaylistID: 1, PlaylistName: "A", URL: "https://x"})

	require.Eventually(t, func() bool {
		return len(w.DrainPendingComplete("session-1")) == 1
	}, time.Second, 10*time.Millisecond)

	regs := w.DrainRegistrations()
	require.Len(t, regs, 1)
	assert.Equal(t, "clip.mp4", regs[0].Filename)
}

func TestWorkerRoutesCompletionsByEnqueueKey(t *testing.T) {
	run := func(ctx context.Context, job Job) (Result, []domain.Video, error) {
		return Result{PlaylistName: job.PlaylistName, Success: true}, nil, nil
	}

	w := NewWorker(run, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	w.Enqueue("start-1", Job{PlaylistName: "A"})
	w.Enqueue("next-2", Job{PlaylistName: "B"})

	require.Eventually(t, func() bool {
		return len(w.DrainPendingComplete("next-2")) == 1
	}, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(w.DrainPendingComplete("start-1")) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestWorkerNotifiesFallbackOnConsecutiveFailures(t *testing.T) {
	run := func(ctx context.Context, job Job) (Result, []domain.Video, error) {
		return Result{PlaylistName: job.PlaylistName, Success: false}, nil, assert.AnError
	}

	var notified string
	w := NewWorker(run, func(playlistName string) { notified = playlistName })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	for i := 0; i < DefaultFallbackFailureThreshold; i++ {
		w.Enqueue("session-1", Job{PlaylistName: "A"})
	}

	require.Eventually(t, func() bool {
		return notified == "A"
	}, time.Second, 10*time.Millisecond)
}

func TestWorkerResetsFailureCounterOnSuccess(t *testing.T) {
	calls := 0
	run := func(ctx context.Context, job Job) (Result, []domain.Video, error) {
		calls++
		if calls <= 2 {
			return Result{Success: false}, nil, assert.AnError
		}
		return Result{Success: true}, nil, nil
	}

	notifiedCount := 0
	w := NewWorker(run, func(string) { notifiedCount++ })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	for i := 0; i < 2; i++ {
		w.Enqueue("session-1", Job{PlaylistName: "A"})
	}
	require.Eventually(t, func() bool { return calls >= 2 }, time.Second, 10*time.Millisecond)
	w.Enqueue("session-1", Job{PlaylistName: "A"}) // success, resets counter

	for i := 0; i < 2; i++ {
		w.Enqueue("session-1", Job{PlaylistName: "A"})
	}

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, notifiedCount, "counter reset by the intervening success must prevent a premature trigger")
}
