// Package download runs the single-worker download executor. It never
// touches the store directly — results cross to the main tick loop via
// a bounded video-registration queue and two hand-off maps keyed by
// session key, exactly as spec.md §4.6/§5/§9 requires.
package download

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/ManuGH/rotatord/internal/domain"
	"github.com/ManuGH/rotatord/internal/log"
)

// DefaultFallbackFailureThreshold is the number of consecutive
// playlist-download failures that activates the fallback controller.
const DefaultFallbackFailureThreshold = 3

// Job describes one playlist download. SessionKey is stamped by
// Enqueue so the completion hand-off lands under the key the caller
// will drain, whichever goroutine runs the job.
type Job struct {
	PlaylistID   int64
	PlaylistName string
	URL          string
	Folder       string
	SessionKey   string
}

// Result is the per-playlist outcome of a download attempt.
type Result struct {
	PlaylistName    string
	Success         bool
	DurationSeconds float64
}

// Runner invokes the external downloader (and media-info probe) tool
// for one job. Production wiring shells out to yt-dlp/ffprobe; tests
// supply a fake.
type Runner func(ctx context.Context, job Job) (Result, []domain.Video, error)

// Worker is the single-worker download executor.
type Worker struct {
	run  Runner
	jobs chan Job
	regs chan domain.Video
	done chan struct{}

	mu                sync.Mutex
	pendingInitialize map[string][]string // sessionKey -> playlist names
	pendingComplete   map[string][]string

	failures    map[string]int
	onThreshold func(playlistName string)
}

// NewWorker creates a single-worker executor bound to run.
func NewWorker(run Runner, onThreshold func(playlistName string)) *Worker {
	return &Worker{
		run:               run,
		jobs:              make(chan Job, 64),
		regs:              make(chan domain.Video, 256),
		done:              make(chan struct{}),
		pendingInitialize: make(map[string][]string),
		pendingComplete:   make(map[string][]string),
		failures:          make(map[string]int),
		onThreshold:       onThreshold,
	}
}

// Enqueue schedules one playlist download under sessionKey, also
// staging its name for the "initialize" hand-off the main thread
// drains on the next tick.
func (w *Worker) Enqueue(sessionKey string, job Job) {
	job.SessionKey = sessionKey
	w.mu.Lock()
	w.pendingInitialize[sessionKey] = append(w.pendingInitialize[sessionKey], job.PlaylistName)
	w.mu.Unlock()
	w.jobs <- job
}

// Run drives the serial download loop until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	logger := log.WithComponent("download_worker")
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case job := <-w.jobs:
			jobID := uuid.NewString()
			logger.Info().Str(log.FieldJobID, jobID).Str(log.FieldPlaylistName, job.PlaylistName).Msg("download started")
			result, videos, err := w.run(ctx, job)
			if err != nil {
				logger.Warn().Err(err).Str(log.FieldJobID, jobID).Str(log.FieldPlaylistName, job.PlaylistName).Msg("download failed")
			}
			w.recordOutcome(job.PlaylistName, result.Success)

			for _, v := range videos {
				select {
				case w.regs <- v:
				default:
					logger.Warn().Msg("video registration queue full, dropping registration")
				}
			}

			w.mu.Lock()
			w.pendingComplete[job.SessionKey] = append(w.pendingComplete[job.SessionKey], job.PlaylistName)
			w.mu.Unlock()
		}
	}
}

func (w *Worker) recordOutcome(playlistName string, success bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if success {
		w.failures[playlistName] = 0
		return
	}
	w.failures[playlistName]++
	if w.failures[playlistName] >= DefaultFallbackFailureThreshold {
		w.failures[playlistName] = 0
		if w.onThreshold != nil {
			w.onThreshold(playlistName)
		}
	}
}

// Stop tears down the worker loop.
func (w *Worker) Stop() { close(w.done) }

// DrainRegistrations returns every video registered since the last
// drain; the main thread calls this once per tick
// (process_video_registration_queue in spec.md §4.6).
func (w *Worker) DrainRegistrations() []domain.Video {
	var out []domain.Video
	for {
		select {
		case v := <-w.regs:
			out = append(out, v)
		default:
			return out
		}
	}
}

// DrainPendingInitialize returns and clears the playlist names staged
// for initialization under sessionKey (process_pending_database_operations,
// initialize half).
func (w *Worker) DrainPendingInitialize(sessionKey string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	names := w.pendingInitialize[sessionKey]
	delete(w.pendingInitialize, sessionKey)
	return names
}

// DrainPendingComplete returns and clears the playlist names staged for
// completion under sessionKey.
func (w *Worker) DrainPendingComplete(sessionKey string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	names := w.pendingComplete[sessionKey]
	delete(w.pendingComplete, sessionKey)
	return names
}
