// Package rotation implements the Rotation Manager: starting a new
// rotation session, executing the content switch that promotes it to
// live, and resuming an in-flight session after a crash — spec.md
// §4.9.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ManuGH/rotatord/internal/config"
	"github.com/ManuGH/rotatord/internal/contentswitch"
	"github.com/ManuGH/rotatord/internal/domain"
	"github.com/ManuGH/rotatord/internal/download"
	"github.com/ManuGH/rotatord/internal/log"
	"github.com/ManuGH/rotatord/internal/playback"
	"github.com/ManuGH/rotatord/internal/selector"
	"github.com/ManuGH/rotatord/internal/store"
)

// ErrPendingEmpty is returned when start_session's download step leaves
// the pending folder empty.
var ErrPendingEmpty = errors.New("rotation: pending folder is empty after download")

// ErrTempPlaybackActive is returned by ExecuteContentSwitch when
// temp-playback is active: switching would destroy live/ while it is
// being streamed from.
var ErrTempPlaybackActive = errors.New("rotation: refused, temp-playback is active")

// Downloader is the subset of *download.Worker the rotation manager
// drives; satisfied by download.Worker and fakeable in tests.
type Downloader interface {
	Enqueue(sessionKey string, job download.Job)
	DrainPendingComplete(sessionKey string) []string
	DrainRegistrations() []domain.Video
}

// Manager drives session start, content switch, and crash resumption.
type Manager struct {
	store      *store.Store
	downloader Downloader
	switcher   *contentswitch.Handler
	monitor    *playback.Monitor

	liveDir    string
	pendingDir string

	downloadPollInterval time.Duration
	downloadTimeout      time.Duration
}

// New creates a rotation manager bound to its collaborators and the
// fixed live/pending folder layout.
func New(st *store.Store, dl Downloader, sw *contentswitch.Handler, mon *playback.Monitor, liveDir, pendingDir string) *Manager {
	return &Manager{
		store:                st,
		downloader:           dl,
		switcher:             sw,
		monitor:              mon,
		liveDir:              liveDir,
		pendingDir:           pendingDir,
		downloadPollInterval: 500 * time.Millisecond,
		downloadTimeout:      10 * time.Minute,
	}
}

// StartSessionInput carries everything StartSession needs beyond the
// store/downloader it already owns.
type StartSessionInput struct {
	// PrestagedPlaylists, when non-empty, is next_prepared_playlists:
	// already-downloaded content to consume instead of calling the
	// Selector and Downloader.
	PrestagedPlaylists []domain.Playlist
	// ExplicitSelection, when non-empty, bypasses the Selector but is
	// still downloaded — the manual-override path.
	ExplicitSelection   []domain.Playlist
	MinPlaylists        int
	MaxPlaylists        int
	URLOf               func(playlistName string) string
	StreamTitleTemplate string
	CurrentNextStatus   map[string]domain.NextPlaylistStatus
}

// StartSession implements spec.md §4.9 start_session.
func (m *Manager) StartSession(ctx context.Context, in StartSessionInput) (*domain.RotationSession, error) {
	logger := log.WithComponent("rotation_manager")

	prestaged := len(in.PrestagedPlaylists) > 0
	selected := in.PrestagedPlaylists

	if !prestaged {
		if len(in.ExplicitSelection) > 0 {
			selected = in.ExplicitSelection
		} else {
			allowed, err := m.store.GetEnabledPlaylists()
			if err != nil {
				return nil, fmt.Errorf("rotation: list enabled playlists: %w", err)
			}
			selected = selector.Select(allowed, in.CurrentNextStatus, in.MinPlaylists, in.MaxPlaylists)
		}

		if err := m.downloadAll(ctx, selected, in.URLOf); err != nil {
			return nil, fmt.Errorf("rotation: download selected playlists: %w", err)
		}
	}

	nonEmpty, err := pendingHasFiles(m.pendingDir)
	if err != nil {
		return nil, err
	}
	if !nonEmpty {
		return nil, ErrPendingEmpty
	}

	totalDuration, err := m.sumPendingDurations()
	if err != nil {
		logger.Warn().Err(err).Msg("failed to sum pending video durations, continuing with 0")
	}

	names := make([]string, len(selected))
	ids := make([]int64, len(selected))
	for i, p := range selected {
		names[i] = p.Name
		ids[i] = p.ID
	}
	title := config.StreamTitle(in.StreamTitleTemplate, names)

	session, err := m.store.CreateRotationSession(ids, title, totalDuration)
	if err != nil {
		return nil, fmt.Errorf("rotation: create session: %w", err)
	}
	if err := m.store.SetCurrentPlaylists(session.ID, names); err != nil {
		return nil, fmt.Errorf("rotation: set current playlists: %w", err)
	}
	session.CurrentPlaylists = names
	return session, nil
}

// downloadAll enqueues one download job per playlist and blocks until
// the worker reports every one complete, draining and persisting
// video registrations as they arrive. The worker itself runs off the
// calling goroutine (spec.md §4.9 step 2: "still off-thread").
func (m *Manager) downloadAll(ctx context.Context, playlists []domain.Playlist, urlOf func(string) string) error {
	if len(playlists) == 0 {
		return nil
	}
	sessionKey := fmt.Sprintf("start-%d", time.Now().UnixNano())

	for _, p := range playlists {
		url := p.URL
		if urlOf != nil {
			if u := urlOf(p.Name); u != "" {
				url = u
			}
		}
		m.downloader.Enqueue(sessionKey, download.Job{
			PlaylistID:   p.ID,
			PlaylistName: p.Name,
			URL:          url,
			Folder:       m.pendingDir,
		})
	}

	remaining := map[string]bool{}
	for _, p := range playlists {
		remaining[p.Name] = true
	}

	deadline := time.Now().Add(m.downloadTimeout)
	ticker := time.NewTicker(m.downloadPollInterval)
	defer ticker.Stop()

	for len(remaining) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, v := range m.downloader.DrainRegistrations() {
				if err := m.store.RegisterVideo(v); err != nil {
					return fmt.Errorf("rotation: register downloaded video: %w", err)
				}
			}
			for _, done := range m.downloader.DrainPendingComplete(sessionKey) {
				delete(remaining, done)
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("rotation: timed out waiting for downloads, %d playlists incomplete", len(remaining))
			}
		}
	}

	// Final drain: a registration may have arrived in the same tick as
	// its completion marker.
	for _, v := range m.downloader.DrainRegistrations() {
		if err := m.store.RegisterVideo(v); err != nil {
			return fmt.Errorf("rotation: register downloaded video: %w", err)
		}
	}
	return nil
}

// ExecuteContentSwitchInput carries the session-specific values the
// switch needs.
type ExecuteContentSwitchInput struct {
	Session      *domain.RotationSession
	SelectedOrder []string // playlist names in session.PlaylistsSelected's order
	PlaylistOf   func(videoFilename string) string
	StreamerLive bool
}

// ExecuteContentSwitch implements spec.md §4.9 execute_content_switch.
func (m *Manager) ExecuteContentSwitch(ctx context.Context, in ExecuteContentSwitchInput) error {
	if in.Session.TempPlaybackActive {
		return ErrTempPlaybackActive
	}

	if err := m.switcher.ExecuteSwitch(ctx, contentswitch.SwitchInput{
		StreamTitleTemplate: in.Session.StreamTitle,
		FirstPlaylistName:   firstOrEmpty(in.SelectedOrder),
		StreamerLive:        in.StreamerLive,
	}); err != nil {
		return fmt.Errorf("rotation: execute content switch: %w", err)
	}

	for _, v := range m.downloader.DrainRegistrations() {
		if err := m.store.RegisterVideo(v); err != nil {
			return fmt.Errorf("rotation: register video during switch: %w", err)
		}
	}

	if err := contentswitch.RenameWithOrderingPrefix(m.liveDir, in.SelectedOrder, in.PlaylistOf); err != nil {
		return fmt.Errorf("rotation: rename with ordering prefix: %w", err)
	}

	if err := m.monitor.Initialize(m.liveDir); err != nil {
		return fmt.Errorf("rotation: reinitialize playback monitor: %w", err)
	}

	if err := m.store.MarkPlaylistsPlayed(in.SelectedOrder, time.Now()); err != nil {
		return fmt.Errorf("rotation: mark playlists played: %w", err)
	}
	return nil
}

func firstOrEmpty(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

// ResumeResult reports what ResumeExistingSession decided.
type ResumeResult struct {
	TempPlaybackRestored bool
	HeldAsPrepared       []string
	ResumedDownloads     []string
	DeferredSeekMs       int64
	DeferredSeekPending  bool
}

// ResumeExistingSession implements spec.md §4.9 resume_existing_session,
// called once at startup.
func (m *Manager) ResumeExistingSession(ctx context.Context, session *domain.RotationSession, urlOf func(string) string) (ResumeResult, error) {
	var result ResumeResult

	if session.TempPlaybackActive {
		result.TempPlaybackRestored = true
		result.ResumedDownloads = m.resumeIncompleteDownloads(session, urlOf)
		m.monitor.SetTempPlaybackMode(true)
		if err := m.monitor.Initialize(session.TempPlaybackFolder); err != nil {
			return result, fmt.Errorf("rotation: reinitialize monitor on temp-playback folder: %w", err)
		}
		// The cursor is taken from the session's per-second save, not
		// the temp-playback row, which is only written at activation.
		if session.PlaybackCurrentVideo != "" && session.PlaybackCursorMs > 0 {
			result.DeferredSeekPending = true
			result.DeferredSeekMs = session.PlaybackCursorMs
		}
		return result, nil
	}

	if session.AllNextPlaylistsCompleted() && len(session.NextPlaylists) > 0 {
		// Hold only if the downloaded files actually survived the crash;
		// otherwise re-download the whole set.
		ok, err := m.store.ValidatePreparedPlaylistsExist(session.ID, m.pendingDir)
		if err != nil {
			validateLogger := log.WithComponent("rotation_manager")
			validateLogger.Warn().Err(err).Msg("prepared-playlist validation failed, re-downloading")
		}
		if err == nil && ok {
			result.HeldAsPrepared = session.NextPlaylists
		} else {
			result.ResumedDownloads = m.redownloadAll(session, urlOf)
		}
	} else {
		result.ResumedDownloads = m.resumeIncompleteDownloads(session, urlOf)
	}

	if err := m.monitor.Initialize(m.liveDir); err != nil {
		return result, fmt.Errorf("rotation: reinitialize playback monitor on live: %w", err)
	}

	if session.PlaybackCurrentVideo != "" &&
		session.PlaybackCurrentVideo == store.StripOrderingPrefix(m.monitor.CurrentVideo()) &&
		session.PlaybackCursorMs > 0 {
		result.DeferredSeekPending = true
		result.DeferredSeekMs = session.PlaybackCursorMs
	}

	return result, nil
}

// resumeIncompleteDownloads re-enqueues every next-playlist not yet
// COMPLETED; the external downloader tool picks up partial .part files.
// The hand-off key matches the one the orchestrator drains each tick
// so completions still land in the session row.
func (m *Manager) resumeIncompleteDownloads(session *domain.RotationSession, urlOf func(string) string) []string {
	var resumed []string
	for _, name := range session.NextPlaylists {
		if session.NextPlaylistsStatus[name] == domain.NextCompleted {
			continue
		}
		url := ""
		if urlOf != nil {
			url = urlOf(name)
		}
		m.downloader.Enqueue(fmt.Sprintf("next-%d", session.ID), download.Job{PlaylistName: name, URL: url, Folder: m.pendingDir})
		resumed = append(resumed, name)
	}
	return resumed
}

// redownloadAll enqueues every next-playlist regardless of its recorded
// status, used when a supposedly-complete set fails file validation.
func (m *Manager) redownloadAll(session *domain.RotationSession, urlOf func(string) string) []string {
	var resumed []string
	for _, name := range session.NextPlaylists {
		url := ""
		if urlOf != nil {
			url = urlOf(name)
		}
		m.downloader.Enqueue(fmt.Sprintf("next-%d", session.ID), download.Job{PlaylistName: name, URL: url, Folder: m.pendingDir})
		resumed = append(resumed, name)
	}
	return resumed
}

func pendingHasFiles(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("rotation: read pending dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			return true, nil
		}
	}
	return false, nil
}

func (m *Manager) sumPendingDurations() (float64, error) {
	entries, err := os.ReadDir(m.pendingDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	var total float64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		v, err := m.store.GetVideoByFilename(filepath.Base(e.Name()))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return total, err
		}
		total += v.DurationSeconds
	}
	return total, nil
}
