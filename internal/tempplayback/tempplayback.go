// Package tempplayback implements the Temp-Playback Handler: streaming
// directly from pending/ while the next rotation's downloads are
// still in flight, and the protocol for exiting back onto live/ once
// they finish — spec.md §4.10.
package tempplayback

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ManuGH/rotatord/internal/compositor"
	"github.com/ManuGH/rotatord/internal/config"
	"github.com/ManuGH/rotatord/internal/contentswitch"
	"github.com/ManuGH/rotatord/internal/log"
	"github.com/ManuGH/rotatord/internal/platform"
	"github.com/ManuGH/rotatord/internal/playback"
)

// ErrNoCompleteFileWithinTimeout is returned by Activate when pending/
// never produces a playable file inside the poll window.
var ErrNoCompleteFileWithinTimeout = fmt.Errorf("tempplayback: no complete file appeared in pending/ within timeout")

const defaultActivationPollTimeout = 120 * time.Second
const defaultActivationPollInterval = 2 * time.Second

// SessionState is the subset of session fields this package persists
// and restores; callers translate to/from *domain.RotationSession.
type SessionState struct {
	Active   bool
	Playlist string
	Position int
	Folder   string
	CursorMs int64
}

// Handler owns the compositor/monitor/platform side effects of
// activating, running, and exiting temp playback.
type Handler struct {
	client      *compositor.Client
	monitor     *playback.Monitor
	platforms   *platform.Manager
	liveDir     string
	pendingDir  string
	pauseScene  string
	streamScene string

	activationPollTimeout  time.Duration
	activationPollInterval time.Duration
}

// New creates a temp-playback handler bound to its collaborators and
// the fixed live/pending folder layout.
func New(client *compositor.Client, monitor *playback.Monitor, platforms *platform.Manager, liveDir, pendingDir, pauseScene, streamScene string) *Handler {
	return &Handler{
		client:                 client,
		monitor:                monitor,
		platforms:              platforms,
		liveDir:                liveDir,
		pendingDir:             pendingDir,
		pauseScene:             pauseScene,
		streamScene:            streamScene,
		activationPollTimeout:  defaultActivationPollTimeout,
		activationPollInterval: defaultActivationPollInterval,
	}
}

// ActivateInput carries the title-building values for the upcoming
// (next) playlists, distinct from the original session's.
type ActivateInput struct {
	NextPlaylistNames  []string
	StreamTitleTemplate string
}

// Activate implements spec.md §4.10's activation protocol.
func (h *Handler) Activate(ctx context.Context, in ActivateInput) (SessionState, error) {
	logger := log.WithComponent("tempplayback")

	if err := h.client.SetCurrentProgramScene(ctx, h.pauseScene); err != nil {
		logger.Warn().Err(err).Msg("failed to switch to rotation-screen scene")
	}

	if err := h.pollForCompleteFile(ctx); err != nil {
		return SessionState{}, err
	}

	files, err := listFiles(h.pendingDir)
	if err != nil {
		return SessionState{}, fmt.Errorf("tempplayback: list pending: %w", err)
	}
	if err := h.client.SetInputSettings(ctx, compositor.MediaInputSettings{Loop: true, Shuffle: false, Playlist: files}); err != nil {
		logger.Warn().Err(err).Msg("failed to reconfigure media input on pending")
	}
	if err := h.client.SetCurrentProgramScene(ctx, h.streamScene); err != nil {
		logger.Warn().Err(err).Msg("failed to switch back to stream scene")
	}

	h.monitor.SetTempPlaybackMode(true)
	if err := h.monitor.Initialize(h.pendingDir); err != nil {
		return SessionState{}, fmt.Errorf("tempplayback: initialize monitor on pending: %w", err)
	}

	title := buildTitle(in.StreamTitleTemplate, in.NextPlaylistNames)
	if h.platforms != nil {
		h.platforms.UpdateStreamInfo(ctx, title, "")
	}

	return SessionState{Active: true, Playlist: firstOrEmpty(in.NextPlaylistNames), Folder: h.pendingDir, Position: 0, CursorMs: 0}, nil
}

// Restore re-establishes temp playback after a crash: the pending
// folder's playlist is pushed to the media input with the saved video
// moved to the front so the deferred seek (driven by the session's
// per-second cursor, not the activation-time row) lands on the right
// track.
func (h *Handler) Restore(ctx context.Context, savedVideo string) error {
	logger := log.WithComponent("tempplayback")

	files, err := listFiles(h.pendingDir)
	if err != nil {
		return fmt.Errorf("tempplayback: list pending for restore: %w", err)
	}
	if savedVideo != "" {
		for i, f := range files {
			if filepath.Base(f) == savedVideo {
				files = append(append([]string{f}, files[:i]...), files[i+1:]...)
				break
			}
		}
	}
	if err := h.client.SetInputSettings(ctx, compositor.MediaInputSettings{Loop: true, Shuffle: false, Playlist: files}); err != nil {
		logger.Warn().Err(err).Msg("failed to reconfigure media input on pending during restore")
	}
	if err := h.client.SetCurrentProgramScene(ctx, h.streamScene); err != nil {
		logger.Warn().Err(err).Msg("failed to switch to stream scene during restore")
	}
	return nil
}

func (h *Handler) pollForCompleteFile(ctx context.Context) error {
	deadline := time.Now().Add(h.activationPollTimeout)
	ticker := time.NewTicker(h.activationPollInterval)
	defer ticker.Stop()

	for {
		files, err := listFiles(h.pendingDir)
		if err == nil && len(files) >= 1 {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrNoCompleteFileWithinTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RefreshIfNeeded reloads the media input from the (now larger)
// pending folder when the monitor has signalled needs_vlc_refresh,
// clearing the signal once handled.
func (h *Handler) RefreshIfNeeded(ctx context.Context) error {
	if !h.monitor.NeedsVLCRefresh() {
		return nil
	}
	files, err := listFiles(h.pendingDir)
	if err != nil {
		return fmt.Errorf("tempplayback: list pending for refresh: %w", err)
	}
	if err := h.client.SetInputSettings(ctx, compositor.MediaInputSettings{Loop: true, Shuffle: false, Playlist: files}); err != nil {
		return fmt.Errorf("tempplayback: reconfigure media input: %w", err)
	}
	h.monitor.ClearVLCRefresh()
	return nil
}

// ExitInput carries the original next-playlists order (to filter
// fully-consumed prefixes) and the title-building values for the
// filtered set.
type ExitInput struct {
	OriginalNextPlaylistOrder []string
	ConsumedPlaylists         map[string]bool // fully consumed during temp playback
	PlaylistOf                func(videoFilename string) string
	StreamTitleTemplate       string
}

// ExitResult reports the captured state the Orchestrator needs to
// finish scheduling the deferred seek and kick off the next
// preparation.
type ExitResult struct {
	CapturedVideo    string
	CapturedCursorMs int64
	FilteredOrder    []string
}

// Exit implements spec.md §4.10's exit protocol, invoked once
// next_playlists_status is all-COMPLETED.
func (h *Handler) Exit(ctx context.Context, capturedVideo string, capturedCursorMs int64, in ExitInput, switcher *contentswitch.Handler) (ExitResult, error) {
	var filtered []string
	for _, name := range in.OriginalNextPlaylistOrder {
		if in.ConsumedPlaylists != nil && in.ConsumedPlaylists[name] {
			continue
		}
		filtered = append(filtered, name)
	}

	if err := switcher.ExecuteSwitch(ctx, contentswitch.SwitchInput{
		StreamTitleTemplate: buildTitle(in.StreamTitleTemplate, filtered),
		FirstPlaylistName:   firstOrEmpty(filtered),
	}); err != nil {
		return ExitResult{}, fmt.Errorf("tempplayback: exit switch: %w", err)
	}

	if err := contentswitch.RenameWithOrderingPrefix(h.liveDir, filtered, in.PlaylistOf); err != nil {
		return ExitResult{}, fmt.Errorf("tempplayback: rename with ordering prefix: %w", err)
	}

	exitLogger := log.WithComponent("tempplayback")
	if err := h.moveCapturedVideoToFront(capturedVideo); err != nil {
		exitLogger.Warn().Err(err).Msg("failed to reorder captured video to front")
	}

	files, err := listFiles(h.liveDir)
	if err != nil {
		return ExitResult{}, fmt.Errorf("tempplayback: list live after exit: %w", err)
	}
	if err := h.client.SetInputSettings(ctx, compositor.MediaInputSettings{Loop: true, Shuffle: false, Playlist: files}); err != nil {
		exitLogger.Warn().Err(err).Msg("failed to reconfigure media input on live after exit")
	}

	h.monitor.SetTempPlaybackMode(false)
	h.monitor.ClearVLCRefresh()
	if err := h.monitor.Initialize(h.liveDir); err != nil {
		return ExitResult{}, fmt.Errorf("tempplayback: reinitialize monitor on live: %w", err)
	}

	return ExitResult{CapturedVideo: capturedVideo, CapturedCursorMs: capturedCursorMs, FilteredOrder: filtered}, nil
}

// moveCapturedVideoToFront renames the captured video's file so it
// sorts first alphabetically among live/'s NN_-prefixed files, letting
// the scheduled deferred seek land on the right track.
func (h *Handler) moveCapturedVideoToFront(capturedVideo string) error {
	if capturedVideo == "" {
		return nil
	}
	entries, err := os.ReadDir(h.liveDir)
	if err != nil {
		return err
	}
	var capturedPath string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if filepath.Base(e.Name()) == capturedVideo || hasSuffixAfterPrefix(e.Name(), capturedVideo) {
			capturedPath = e.Name()
			break
		}
	}
	if capturedPath == "" || strings.HasPrefix(capturedPath, "00_") {
		return nil
	}
	newName := "00_" + capturedVideo
	return os.Rename(filepath.Join(h.liveDir, capturedPath), filepath.Join(h.liveDir, newName))
}

func hasSuffixAfterPrefix(name, target string) bool {
	if len(name) <= 3 || name[2] != '_' {
		return false
	}
	return name[3:] == target
}

func listFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	return out, nil
}

func buildTitle(template string, playlistNames []string) string {
	return config.StreamTitle(template, playlistNames)
}

func firstOrEmpty(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return names[0]
}
