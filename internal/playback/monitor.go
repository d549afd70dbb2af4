// Package playback implements the event-suppression state machine that
// turns a raw stream of compositor "started"/"ended" tokens into
// genuine playback transitions, deleting finished files and advancing
// the current video — spec.md §4.8, the hardest single component in
// this system.
package playback

import (
	"context"
	"sort"
	"strings"

	"github.com/ManuGH/rotatord/internal/log"
)

const (
	eventStarted = "started"
	eventEnded   = "ended"
)

// Lister returns the playable video files currently in folder, in no
// particular order; the monitor sorts them.
type Lister func(folder string) ([]string, error)

// Deleter removes filename from folder. A non-nil error is treated as
// "file still locked" — the monitor does not advance its pointer and
// retries next tick, per spec.md §7.
type Deleter func(folder, filename string) error

// Reconfigurer pushes the remaining file list to the compositor's
// media input after a deletion (which itself fires another spurious
// "started" the monitor must absorb).
type Reconfigurer func(ctx context.Context, folder string, remaining []string) error

// Result is returned by Check once per invocation.
type Result struct {
	Transition      bool
	PreviousVideo   string
	CurrentVideo    string
	AllConsumed     bool
	NeedsVLCRefresh bool
}

// Monitor is the per-folder playback watcher.
type Monitor struct {
	list        Lister
	del         Deleter
	reconfigure Reconfigurer

	folder             string
	currentVideo       string
	allContentConsumed bool
	needsVLCRefresh    bool
	suspended          bool
	deleteOnTransition bool
	tempPlaybackMode   bool
	suppressStarted    int
}

// New creates a monitor with the given filesystem/compositor hooks.
func New(list Lister, del Deleter, reconfigure Reconfigurer) *Monitor {
	return &Monitor{list: list, del: del, reconfigure: reconfigure, deleteOnTransition: true}
}

// SetDeleteOnTransition toggles deletion of finished files; the
// fallback controller sets this false while looping fallback/live
// content so the same files can be replayed.
func (m *Monitor) SetDeleteOnTransition(v bool) { m.deleteOnTransition = v }

// DeleteOnTransition reports the current deletion policy.
func (m *Monitor) DeleteOnTransition() bool { return m.deleteOnTransition }

// SetTempPlaybackMode marks whether the monitor is currently watching
// the pending/ folder during temp playback.
func (m *Monitor) SetTempPlaybackMode(v bool) { m.tempPlaybackMode = v }

// SetSuspended pauses transition processing during freeze recovery.
func (m *Monitor) SetSuspended(v bool) { m.suspended = v }

// CurrentVideo returns the alphabetically-first remaining file.
func (m *Monitor) CurrentVideo() string { return m.currentVideo }

// AllContentConsumed reports the sticky "nothing left to play" flag.
func (m *Monitor) AllContentConsumed() bool { return m.allContentConsumed }

// NeedsVLCRefresh reports whether the Orchestrator must reload the
// media input from the (now larger) pending folder.
func (m *Monitor) NeedsVLCRefresh() bool { return m.needsVLCRefresh }

// ClearVLCRefresh is called by the temp-playback handler after it has
// reloaded the media input.
func (m *Monitor) ClearVLCRefresh() { m.needsVLCRefresh = false }

// Initialize points the monitor at folder, setting current_video to
// the alphabetically-first file and suppress_started=1 to absorb the
// spurious "started" the about-to-be-issued VLC reconfiguration will
// emit.
func (m *Monitor) Initialize(folder string) error {
	m.folder = folder
	m.allContentConsumed = false
	m.needsVLCRefresh = false
	m.suppressStarted = 1

	files, err := m.sortedFiles()
	if err != nil {
		return err
	}
	if len(files) == 0 {
		m.currentVideo = ""
		m.allContentConsumed = true
		return nil
	}
	m.currentVideo = files[0]
	return nil
}

func (m *Monitor) sortedFiles() ([]string, error) {
	files, err := m.list(m.folder)
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// Check processes one batch of drained compositor events. Callers are
// responsible for the early-outs described in spec.md §4.8 step 1:
// pass isConnected=false or sceneIsStream=false (after draining the
// queue themselves) to make Check a no-op for this tick.
func (m *Monitor) Check(ctx context.Context, events []string, isConnected, sceneIsStream bool) (Result, error) {
	prev := m.currentVideo

	if m.allContentConsumed {
		return Result{PreviousVideo: prev, CurrentVideo: prev, AllConsumed: true}, nil
	}
	if !isConnected || !sceneIsStream || m.suspended {
		return Result{PreviousVideo: prev, CurrentVideo: prev}, nil
	}

	logger := log.WithComponent("playback_monitor")
	localSuppress := 0
	genuineTransitions := 0

	for _, e := range events {
		switch strings.ToLower(e) {
		case eventEnded:
			genuineTransitions++
			localSuppress++
		case eventStarted:
			if m.suppressStarted > 0 {
				m.suppressStarted--
				continue
			}
			if localSuppress > 0 {
				localSuppress--
				continue
			}
			genuineTransitions++
		}
	}

	if genuineTransitions == 0 {
		return Result{PreviousVideo: prev, CurrentVideo: m.currentVideo}, nil
	}

	var anyTransition bool
	for i := 0; i < genuineTransitions; i++ {
		finished := m.currentVideo
		if finished == "" {
			break
		}

		files, err := m.sortedFiles()
		if err != nil {
			return Result{}, err
		}
		isLast := len(files) <= 1

		if !m.deleteOnTransition {
			anyTransition = true
			m.advanceAfter(finished, files)
			continue
		}

		if isLast && m.tempPlaybackMode {
			m.needsVLCRefresh = true
			return Result{Transition: anyTransition, PreviousVideo: prev, CurrentVideo: finished, NeedsVLCRefresh: true}, nil
		}

		if err := m.del(m.folder, finished); err != nil {
			logger.Warn().Err(err).Str(log.FieldVideoFile, finished).Msg("file still locked, retrying next tick")
			break
		}

		anyTransition = true
		m.advanceAfter(finished, nil)

		remaining, err := m.sortedFiles()
		if err != nil {
			return Result{}, err
		}
		if m.reconfigure != nil {
			if err := m.reconfigure(ctx, m.folder, remaining); err != nil {
				logger.Warn().Err(err).Msg("media input reconfiguration failed")
			}
		}
		m.suppressStarted++
	}

	return Result{
		Transition:    anyTransition,
		PreviousVideo: prev,
		CurrentVideo:  m.currentVideo,
		AllConsumed:   m.allContentConsumed,
	}, nil
}

// advanceAfter moves current_video to the new alphabetically-first
// file, excluding the just-finished one; if files is nil it re-lists.
func (m *Monitor) advanceAfter(finished string, files []string) {
	var err error
	if files == nil {
		files, err = m.sortedFiles()
		if err != nil {
			files = nil
		}
	}
	var remaining []string
	for _, f := range files {
		if f != finished {
			remaining = append(remaining, f)
		}
	}
	if len(remaining) == 0 {
		m.currentVideo = ""
		m.allContentConsumed = true
		return
	}
	sort.Strings(remaining)
	m.currentVideo = remaining[0]
}
