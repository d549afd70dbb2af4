// Package orchestrator owns the single tick loop spec.md §4.12
// describes: drain compositor events, advance the playback monitor,
// reconnect on disconnect, poll the live checkers, service the
// fallback and temp-playback controllers, persist playback position,
// and kick off the next rotation. Every other package in this module
// is a pure collaborator the orchestrator wires together and drives;
// this is the only place that owns wall-clock time and goroutine
// lifetime, grounded on ManuGH/xg2g's single-consumer worker loop
// shape (internal/pipeline worker run-loop: drain, act, sleep).
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/ManuGH/rotatord/internal/compositor"
	"github.com/ManuGH/rotatord/internal/config"
	"github.com/ManuGH/rotatord/internal/contentswitch"
	"github.com/ManuGH/rotatord/internal/dashboard"
	"github.com/ManuGH/rotatord/internal/domain"
	"github.com/ManuGH/rotatord/internal/download"
	"github.com/ManuGH/rotatord/internal/fallback"
	"github.com/ManuGH/rotatord/internal/livecheck"
	"github.com/ManuGH/rotatord/internal/log"
	"github.com/ManuGH/rotatord/internal/metrics"
	"github.com/ManuGH/rotatord/internal/notify"
	"github.com/ManuGH/rotatord/internal/platform"
	"github.com/ManuGH/rotatord/internal/playback"
	"github.com/ManuGH/rotatord/internal/prepared"
	"github.com/ManuGH/rotatord/internal/rotation"
	"github.com/ManuGH/rotatord/internal/selector"
	"github.com/ManuGH/rotatord/internal/store"
	"github.com/ManuGH/rotatord/internal/tempplayback"
)

// Folders is the fixed on-disk layout every content-moving component
// shares.
type Folders struct {
	Live          string
	Pending       string
	Fallback      string
	Backup        string
	PreparedBase  string
	CrashSentinel string
}

// Scenes names the three scene-collection targets the tick loop
// switches between.
type Scenes struct {
	Pause          string
	Stream         string
	RotationScreen string
}

// CompositorProcess describes how to relaunch the compositor process
// after a detected freeze (spec.md §4.3); Kill/Launch default to a
// platform-appropriate process-manager invocation but are overridable
// for testing.
type CompositorProcess struct {
	ExecutablePath string
	Kill           func() error
	Launch         func() error
}

// Deps bundles every collaborator the Orchestrator drives. All fields
// are required except Live, Platforms, Notifier and Dashboard, which
// are optional side channels.
type Deps struct {
	Store      *store.Store
	Config     *config.Provider
	Compositor *compositor.Client
	Freeze     *compositor.FreezeMonitor
	Platforms  *platform.Manager
	Live       *livecheck.Poller
	Downloader *download.Worker
	Monitor    *playback.Monitor
	Switcher   *contentswitch.Handler
	Rotation   *rotation.Manager
	TempPlay   *tempplayback.Handler
	Fallback   *fallback.Controller
	Prepared   *prepared.Manager
	Notifier   *notify.Notifier
	Dashboard  *dashboard.Server

	Folders Folders
	Scenes  Scenes
	Process CompositorProcess

	// DownloadFailureAlerts carries playlist names from the download
	// worker's consecutive-failure threshold callback (constructed
	// before the Orchestrator exists) through to the tick loop, which
	// activates the fallback controller in response. Optional; a nil
	// channel is simply never drained.
	DownloadFailureAlerts <-chan string

	// URLOf/PlaylistOf resolve a playlist's download URL and a live
	// video filename back to its owning playlist name, respectively.
	// Category resolution lives inside the content-switch handler
	// itself, which is constructed with its own resolver closure.
	URLOf      func(playlistName string) string
	PlaylistOf func(videoFilename string) string
}

// Orchestrator drives the tick loop.
type Orchestrator struct {
	d Deps

	pendingSeekSet   bool
	pendingSeekMs    int64
	pendingSeekVideo string

	manualPauseActive   bool
	lastFreezeCheckAt   time.Time
	lastDashboardPushAt time.Time
	lastPreparedPollAt  time.Time

	rotationInFlight  atomic.Bool
	reconnectInFlight atomic.Bool

	// overrideBackupOK records that the live folder was successfully
	// backed up before a prepared rotation displaced it, so the
	// original content is restored once the override set is consumed.
	overrideBackupOK atomic.Bool
}

// New wires an Orchestrator over its dependencies.
func New(d Deps) *Orchestrator {
	return &Orchestrator{d: d}
}

// SchedulePendingSeek arms a deferred seek: the tick loop issues
// SetMediaInputCursor(ms) once the compositor reports the media state
// as playing video (stripped of its ordering prefix), per spec.md
// §4.9 resume_existing_session ("schedule a deferred seek") and
// §4.12 step 8. Callers pass a zero/empty video to leave no seek
// armed.
func (o *Orchestrator) SchedulePendingSeek(ms int64, video string) {
	if video == "" {
		return
	}
	o.pendingSeekSet = true
	o.pendingSeekMs = ms
	o.pendingSeekVideo = video
}

const (
	freezeCheckInterval   = 20 * time.Second
	dashboardPushInterval = 5 * time.Second
	preparedPollInterval  = 5 * time.Second
	downloadBufferMinFrac = 0.10
	downloadBufferMaxFrac = 0.50
)

// backgroundPrepKey is the hand-off key shared by every component that
// enqueues or drains the next rotation's downloads for one session.
func backgroundPrepKey(sessionID int64) string {
	return fmt.Sprintf("next-%d", sessionID)
}

// Run executes the tick loop at a fixed 1s cadence until ctx is
// cancelled (typically by signal.NotifyContext in cmd/rotatord).
func (o *Orchestrator) Run(ctx context.Context) error {
	logger := log.WithComponent("orchestrator")
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down")
			return nil
		case <-ticker.C:
			start := time.Now()
			if err := o.Tick(ctx); err != nil {
				logger.Error().Err(err).Msg("tick failed")
			}
			metrics.ObserveTickDuration(time.Since(start).Seconds())
		}
	}
}

// Tick runs one iteration of spec.md §4.12's numbered steps. Each
// step is best-effort: a failure is logged and the loop continues
// rather than aborting the whole tick, since most steps are
// independent of one another.
func (o *Orchestrator) Tick(ctx context.Context) error {
	logger := log.WithComponent("orchestrator")
	now := time.Now()

	sceneIsStream := o.currentSceneIsStream(ctx)
	isConnected := o.d.Compositor.IsConnected()
	events := drainEvents(o.d.Compositor)

	// Config sync: new/changed playlist entries land in the store, and
	// the notification noise toggle tracks the live settings value.
	if o.d.Config.HasConfigChanged() {
		o.syncConfigPlaylists()
	}

	// Step 1-2: advance the playback monitor and persist any videos
	// the downloader registered off-thread.
	result, err := o.d.Monitor.Check(ctx, events, isConnected, sceneIsStream)
	if err != nil {
		logger.Warn().Err(err).Msg("playback monitor check failed")
	} else if result.Transition {
		metrics.IncPlaybackTransitions(1)
		if result.PreviousVideo != "" {
			o.d.Notifier.VideoTransition(ctx, result.PreviousVideo, result.CurrentVideo)
			o.logPlayback(result.PreviousVideo)
		}
	}
	for _, v := range o.d.Downloader.DrainRegistrations() {
		if err := o.d.Store.RegisterVideo(v); err != nil {
			logger.Warn().Err(err).Msg("failed to register downloaded video")
		}
	}

	// Step 3: reconnect with backoff if the compositor link dropped; at
	// most one reconnect loop runs at a time.
	if !isConnected {
		metrics.SetCompositorConnected(false)
		if o.reconnectInFlight.CompareAndSwap(false, true) {
			go func() {
				defer o.reconnectInFlight.Store(false)
				if err := compositor.ReconnectWithBackoff(ctx, o.d.Compositor.Connect); err != nil {
					logger.Warn().Err(err).Msg("compositor reconnect aborted")
					return
				}
				metrics.IncCompositorReconnects()
				metrics.SetCompositorConnected(true)
			}()
		}
	} else {
		metrics.SetCompositorConnected(true)
	}

	// Step 4: freeze-monitor poll, rate-limited to freezeCheckInterval.
	if isConnected && now.Sub(o.lastFreezeCheckAt) >= freezeCheckInterval {
		o.lastFreezeCheckAt = now
		if err := o.d.Freeze.Check(ctx, o.recoverCompositor); err != nil {
			logger.Warn().Err(err).Msg("freeze monitor check failed")
		}
	}

	// Step 5: live-checker poll and pause/resume on transition, unless
	// the ignore_streamer setting disables the discipline entirely.
	if o.d.Live != nil && !o.d.Config.Current().Document.Settings.IgnoreStreamer && o.d.Live.ShouldPoll(now) {
		transition, err := o.d.Live.Poll(ctx, now)
		if err != nil {
			logger.Warn().Err(err).Msg("live checker poll failed")
		}
		metrics.SetStreamerLive(o.d.Live.LastStatus() == livecheck.StatusLive)
		switch transition {
		case livecheck.TransitionToLive:
			o.onStreamerWentLive(ctx)
		case livecheck.TransitionToOffline:
			o.onStreamerWentOffline(ctx)
		}
	}

	// Step 6: fallback periodic retry.
	if o.d.Fallback.Active() && o.d.Fallback.ShouldRetryDownload(now) {
		o.d.Fallback.MarkRetryAttempted(now)
		go o.retryFallbackDownload(ctx)
	}

	// Step 6b: a download-worker consecutive-failure threshold arms the
	// fallback controller.
	o.drainDownloadFailureAlerts(ctx, now)

	// Step 7: VLC/media-input refresh when the monitor asked for one.
	// RefreshIfNeeded clears the signal itself on success; a failed
	// reload leaves it set so the next tick retries.
	if o.d.Monitor.NeedsVLCRefresh() {
		if err := o.d.TempPlay.RefreshIfNeeded(ctx); err != nil {
			logger.Warn().Err(err).Msg("temp-playback refresh failed")
		}
	}

	// Steps 8-9: poll media status once, apply a deferred seek if due,
	// then persist the playback cursor.
	session, sessErr := o.d.Store.GetCurrentSession()
	if sessErr != nil && !errors.Is(sessErr, store.ErrNotFound) {
		logger.Warn().Err(sessErr).Msg("failed to load current session")
	}

	// process_pending_database_operations: the worker's per-playlist
	// completion hand-off marks next playlists COMPLETED in the session
	// row; the initialize half is already recorded by SetNextPlaylists
	// before enqueueing, so it is drained and discarded.
	if sessErr == nil {
		key := backgroundPrepKey(session.ID)
		_ = o.d.Downloader.DrainPendingInitialize(key)
		for _, name := range o.d.Downloader.DrainPendingComplete(key) {
			if err := o.d.Store.CompleteNextPlaylist(session.ID, name); err != nil {
				logger.Warn().Err(err).Str(log.FieldPlaylistName, name).Msg("failed to mark next playlist completed")
			} else if sess, err := o.d.Store.GetCurrentSession(); err == nil {
				session = sess
			}
		}
	}

	if isConnected && sceneIsStream {
		status, err := o.d.Compositor.GetMediaInputStatus(ctx)
		if err == nil {
			current := store.StripOrderingPrefix(o.d.Monitor.CurrentVideo())
			if o.pendingSeekSet && status.State == "playing" && current == o.pendingSeekVideo {
				if err := o.d.Compositor.SetMediaInputCursor(ctx, o.pendingSeekMs); err != nil {
					logger.Warn().Err(err).Msg("deferred seek failed")
				}
				o.pendingSeekSet = false
			}
			if sessErr == nil {
				if err := o.d.Store.SavePlaybackPosition(session.ID, status.CursorMs, current); err != nil {
					logger.Warn().Err(err).Msg("failed to save playback position")
				}
			}
		}
	}

	// Step 10: manual override, consumed at most once per tick.
	if override, err := o.d.Config.ReadAndClearOverride(); err != nil {
		logger.Warn().Err(err).Msg("failed to read manual override")
	} else if !override.IsEmpty() {
		go o.handleManualOverride(ctx, override)
	}

	// Temp-playback exit: once every next playlist has completed, the
	// pending folder is promoted onto live/ and the cursor restored.
	if sessErr == nil && session.TempPlaybackActive && session.AllNextPlaylistsCompleted() {
		o.exitTempPlayback(ctx, session)
		return nil
	}

	// Step 11: rotation-exhaustion handling, at most one in flight.
	if sessErr == nil && o.d.Monitor.AllContentConsumed() && o.rotationInFlight.CompareAndSwap(false, true) {
		go func() {
			defer o.rotationInFlight.Store(false)
			o.handleAllContentConsumed(ctx, session)
		}()
	}

	// Step 11b: advance any prepared rotation still downloading so it
	// reaches ready without a dashboard round-trip.
	if now.Sub(o.lastPreparedPollAt) >= preparedPollInterval {
		o.lastPreparedPollAt = now
		o.pollPreparedDownloads()
	}

	// Step 12: background prep of the next rotation's content once the
	// dynamic download-trigger buffer is reached.
	if sessErr == nil && shouldTriggerBackgroundPrep(session, now) {
		go o.kickoffBackgroundPrep(ctx, session)
	}

	// Step 13: dashboard push, rate-limited.
	if o.d.Dashboard != nil && o.d.Dashboard.Connected() && now.Sub(o.lastDashboardPushAt) >= dashboardPushInterval {
		o.lastDashboardPushAt = now
		o.pushDashboardState(ctx, session)
	}
	if o.d.Dashboard != nil {
		o.drainDashboardCommands(ctx)
	}

	return nil
}

func drainEvents(c *compositor.Client) []string {
	var out []string
	for {
		select {
		case e := <-c.Events():
			out = append(out, e)
		default:
			return out
		}
	}
}

func (o *Orchestrator) currentSceneIsStream(ctx context.Context) bool {
	if !o.d.Compositor.IsConnected() {
		return false
	}
	scene, err := o.d.Compositor.GetCurrentScene(ctx)
	if err != nil {
		return false
	}
	return scene == o.d.Scenes.Stream
}

// recoverCompositor implements spec.md §4.3's crash-and-relaunch
// recovery: kill the process, clear its crash sentinel, relaunch it,
// wait for it to come back up, reconnect, and resume streaming if it
// was streaming before the freeze.
func (o *Orchestrator) recoverCompositor(ctx context.Context, wasStreaming bool) error {
	logger := log.WithComponent("orchestrator")
	logger.Warn().Bool("was_streaming", wasStreaming).Msg("recovering frozen compositor")
	metrics.IncCompositorFreezeRecoveries()

	kill := o.d.Process.Kill
	if kill == nil {
		kill = o.defaultKill
	}
	if err := kill(); err != nil {
		logger.Warn().Err(err).Msg("compositor kill failed, continuing anyway")
	}

	if o.d.Folders.CrashSentinel != "" {
		if err := os.RemoveAll(o.d.Folders.CrashSentinel); err != nil {
			logger.Warn().Err(err).Msg("failed to clear crash sentinel")
		}
	}

	launch := o.d.Process.Launch
	if launch == nil {
		launch = o.defaultLaunch
	}
	if err := launch(); err != nil {
		return fmt.Errorf("orchestrator: relaunch compositor: %w", err)
	}

	select {
	case <-time.After(8 * time.Second):
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := o.d.Compositor.Connect(ctx); err != nil {
		return fmt.Errorf("orchestrator: reconnect after recovery: %w", err)
	}
	if wasStreaming {
		if err := o.d.Compositor.StartStream(ctx); err != nil {
			return fmt.Errorf("orchestrator: resume stream after recovery: %w", err)
		}
	}
	return nil
}

func (o *Orchestrator) defaultKill() error {
	if runtime.GOOS == "windows" {
		return exec.Command("taskkill", "/F", "/IM", filepath.Base(o.d.Process.ExecutablePath)).Run()
	}
	return exec.Command("pkill", "-f", o.d.Process.ExecutablePath).Run()
}

func (o *Orchestrator) defaultLaunch() error {
	return exec.Command(o.d.Process.ExecutablePath).Start()
}

func (o *Orchestrator) onStreamerWentLive(ctx context.Context) {
	logger := log.WithComponent("orchestrator")
	if err := o.d.Compositor.SetCurrentProgramScene(ctx, o.d.Scenes.Pause); err != nil {
		logger.Warn().Err(err).Msg("failed to switch to pause scene on streamer live")
	}
	o.manualPauseActive = false
	o.d.Notifier.StreamerLive(ctx, "Streamer is live", "Rotation paused")
}

func (o *Orchestrator) onStreamerWentOffline(ctx context.Context) {
	logger := log.WithComponent("orchestrator")
	if err := o.d.Compositor.SetCurrentProgramScene(ctx, o.d.Scenes.Stream); err != nil {
		logger.Warn().Err(err).Msg("failed to switch to stream scene on streamer offline")
	}
	session, err := o.d.Store.GetCurrentSession()
	if err != nil {
		return
	}
	if session.PlaybackCurrentVideo != "" && session.PlaybackCursorMs > 0 {
		o.pendingSeekSet = true
		o.pendingSeekMs = session.PlaybackCursorMs
		o.pendingSeekVideo = store.StripOrderingPrefix(session.PlaybackCurrentVideo)
	}
}

func (o *Orchestrator) retryFallbackDownload(ctx context.Context) {
	logger := log.WithComponent("orchestrator")
	session, err := o.d.Store.GetCurrentSession()
	if err != nil {
		return
	}
	if _, err := o.d.Rotation.StartSession(ctx, rotation.StartSessionInput{
		MinPlaylists:        1,
		MaxPlaylists:        1,
		URLOf:               o.d.URLOf,
		StreamTitleTemplate: o.streamTitleTemplate(),
		CurrentNextStatus:   session.NextPlaylistsStatus,
	}); err != nil {
		logger.Debug().Err(err).Msg("fallback retry download still failing")
		return
	}
	if err := o.d.Fallback.ExitOnDownloadSuccess(ctx); err != nil {
		logger.Warn().Err(err).Msg("failed to exit fallback after successful retry download")
	}
}

// drainDownloadFailureAlerts activates the fallback controller the
// first time the download worker reports a playlist has hit its
// consecutive-failure threshold, and notifies the configured webhook.
func (o *Orchestrator) drainDownloadFailureAlerts(ctx context.Context, now time.Time) {
	if o.d.DownloadFailureAlerts == nil {
		return
	}
	logger := log.WithComponent("orchestrator")
	for {
		select {
		case playlistName, ok := <-o.d.DownloadFailureAlerts:
			if !ok {
				return
			}
			if o.d.Fallback.Active() {
				continue
			}
			tier, err := o.d.Fallback.Activate(ctx, now)
			if err != nil {
				logger.Error().Err(err).Str(log.FieldPlaylistName, playlistName).Msg("fallback activation failed")
				continue
			}
			metrics.IncFallbackActivations()
			metrics.SetFallbackTier(fallbackTierOrdinal(tier))
			if o.d.Notifier != nil {
				o.d.Notifier.Error(ctx, "Fallback activated",
					fmt.Sprintf("playlist %q hit its download failure threshold, entered tier %s", playlistName, tier))
			}
		default:
			return
		}
	}
}

// handleManualOverride implements spec.md §4.5: a manual selection is
// a filter of the enabled set by name, downloaded and switched to
// immediately regardless of the normal rotation cadence.
func (o *Orchestrator) handleManualOverride(ctx context.Context, override domain.ManualOverride) {
	logger := log.WithComponent("orchestrator")
	allowed, err := o.d.Store.GetEnabledPlaylists()
	if err != nil {
		logger.Warn().Err(err).Msg("manual override: failed to list enabled playlists")
		return
	}
	selected := selector.SelectManual(allowed, override.SelectedPlaylists, nil)
	if len(selected) == 0 {
		logger.Warn().Strs("requested", override.SelectedPlaylists).Msg("manual override named no enabled playlists")
		return
	}

	names := make([]string, len(selected))
	for i, p := range selected {
		names[i] = p.Name
	}

	session, err := o.d.Rotation.StartSession(ctx, rotation.StartSessionInput{
		ExplicitSelection:   selected,
		MinPlaylists:        len(selected),
		MaxPlaylists:        len(selected),
		URLOf:               o.d.URLOf,
		StreamTitleTemplate: o.streamTitleTemplate(),
	})
	if err != nil {
		logger.Warn().Err(err).Msg("manual override: start session failed")
		return
	}
	metrics.IncSessionsStarted()

	streamerLive := o.d.Live != nil && o.d.Live.LastStatus() == livecheck.StatusLive
	if err := o.d.Rotation.ExecuteContentSwitch(ctx, rotation.ExecuteContentSwitchInput{
		Session:       session,
		SelectedOrder: names,
		PlaylistOf:    o.d.PlaylistOf,
		StreamerLive:  streamerLive,
	}); err != nil {
		logger.Error().Err(err).Msg("manual override: content switch failed")
		o.d.Notifier.Error(ctx, "Manual override failed", err.Error())
		metrics.IncContentSwitch("failure")
		return
	}
	metrics.IncContentSwitch("success")
}

// handleAllContentConsumed implements spec.md §4.12 step 11: a
// finished rotation either falls through to temp-playback (if a
// background prep is still in flight) or starts and switches a whole
// new session synchronously.
func (o *Orchestrator) handleAllContentConsumed(ctx context.Context, session *domain.RotationSession) {
	logger := log.WithComponent("orchestrator")

	if session.TempPlaybackActive {
		return
	}

	// A consumed prepared-rotation override resumes the backed-up
	// original content before any new rotation is considered.
	if o.overrideBackupOK.CompareAndSwap(true, false) {
		if err := o.restoreAfterOverride(ctx); err == nil {
			return
		}
		logger.Warn().Msg("override restore failed, falling through to a fresh rotation")
	}

	if session.AnyNextPlaylistPending() {
		state, err := o.d.TempPlay.Activate(ctx, tempplayback.ActivateInput{
			NextPlaylistNames:   session.NextPlaylists,
			StreamTitleTemplate: o.streamTitleTemplate(),
		})
		if err != nil {
			logger.Warn().Err(err).Msg("temp-playback activation failed")
			return
		}
		if err := o.d.Store.SaveTempPlaybackState(session.ID, state.Playlist, state.Position, state.Folder, state.CursorMs); err != nil {
			logger.Warn().Err(err).Msg("failed to persist temp-playback state")
		}
		metrics.IncTempPlaybackActivations()
		return
	}

	// An all-COMPLETED next set was pre-staged into pending/ — consume
	// it instead of selecting and downloading a fresh one.
	var prestaged []domain.Playlist
	if len(session.NextPlaylists) > 0 && session.AllNextPlaylistsCompleted() {
		prestaged = o.lookupPlaylistsByName(session.NextPlaylists)
	}

	settings := o.d.Config.Current().Document.Settings
	streamerLive := o.d.Live != nil && o.d.Live.LastStatus() == livecheck.StatusLive
	newSession, err := o.d.Rotation.StartSession(ctx, rotation.StartSessionInput{
		PrestagedPlaylists:  prestaged,
		MinPlaylists:        settings.MinPlaylistsPerRotation,
		MaxPlaylists:        settings.MaxPlaylistsPerRotation,
		URLOf:               o.d.URLOf,
		StreamTitleTemplate: settings.StreamTitleTemplate,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to start next rotation session")
		o.d.Notifier.Error(ctx, "Rotation failed", err.Error())
		return
	}
	if err := o.d.Rotation.ExecuteContentSwitch(ctx, rotation.ExecuteContentSwitchInput{
		Session:       newSession,
		SelectedOrder: newSession.CurrentPlaylists,
		PlaylistOf:    o.d.PlaylistOf,
		StreamerLive:  streamerLive,
	}); err != nil {
		logger.Error().Err(err).Msg("failed to execute content switch")
		o.d.Notifier.Error(ctx, "Content switch failed", err.Error())
		metrics.IncContentSwitch("failure")
		return
	}
	metrics.IncContentSwitch("success")
	metrics.IncSessionsStarted()
}

// syncConfigPlaylists upserts the playlists document into the store,
// applying the entry-level defaults (enabled unless said otherwise).
func (o *Orchestrator) syncConfigPlaylists() {
	doc := o.d.Config.Current().Document
	entries := make([]domain.Playlist, 0, len(doc.Playlists))
	for _, e := range doc.Playlists {
		p := domain.Playlist{
			Name:           e.Name,
			URL:            e.URL,
			Enabled:        true,
			TwitchCategory: e.TwitchCategory,
			KickCategory:   e.KickCategory,
			Category:       e.Category,
		}
		if e.Enabled != nil {
			p.Enabled = *e.Enabled
		}
		if e.Priority != nil {
			p.Priority = *e.Priority
		}
		if e.IsShort != nil {
			p.IsShort = *e.IsShort
		}
		entries = append(entries, p)
	}
	if err := o.d.Store.SyncPlaylists(entries); err != nil {
		syncLogger := log.WithComponent("orchestrator")
		syncLogger.Warn().Err(err).Msg("config playlist sync failed")
	}
	if o.d.Notifier != nil {
		o.d.Notifier.SetVideoTransitionsEnabled(doc.Settings.NotifyVideoTransitions)
	}
}

// restoreAfterOverride moves the backed-up live content back in place
// and points the media input at it again.
func (o *Orchestrator) restoreAfterOverride(ctx context.Context) error {
	logger := log.WithComponent("orchestrator")
	if err := o.d.Switcher.RestoreAfterOverride(); err != nil {
		logger.Error().Err(err).Msg("restore_after_override failed")
		return err
	}
	files, err := os.ReadDir(o.d.Folders.Live)
	if err != nil {
		return err
	}
	var playlist []string
	for _, e := range files {
		if !e.IsDir() {
			playlist = append(playlist, filepath.Join(o.d.Folders.Live, e.Name()))
		}
	}
	if err := o.d.Compositor.SetInputSettings(ctx, compositor.MediaInputSettings{Loop: true, Shuffle: false, Playlist: playlist}); err != nil {
		logger.Warn().Err(err).Msg("failed to reconfigure media input on restored content")
	}
	if err := o.d.Monitor.Initialize(o.d.Folders.Live); err != nil {
		return err
	}
	return nil
}

// logPlayback appends one playback-log row for a finished video,
// resolving its video/session ids when the store knows them.
func (o *Orchestrator) logPlayback(finished string) {
	entry := domain.PlaybackLogEntry{VideoFilename: store.StripOrderingPrefix(finished)}
	if v, err := o.d.Store.GetVideoByFilename(finished); err == nil {
		id := v.ID
		entry.VideoID = &id
		entry.PlaylistName = v.PlaylistName
	}
	if sess, err := o.d.Store.GetCurrentSession(); err == nil {
		sid := sess.ID
		entry.SessionID = &sid
	}
	if err := o.d.Store.LogPlayback(entry); err != nil {
		logLogger := log.WithComponent("orchestrator")
		logLogger.Warn().Err(err).Str(log.FieldVideoFile, finished).Msg("failed to append playback log entry")
	}
}

func (o *Orchestrator) streamTitleTemplate() string {
	if o.d.Config == nil {
		return ""
	}
	return o.d.Config.Current().Document.Settings.StreamTitleTemplate
}

// lookupPlaylistsByName resolves names against the enabled-playlist set,
// preserving the given order and skipping unknown names.
func (o *Orchestrator) lookupPlaylistsByName(names []string) []domain.Playlist {
	enabled, err := o.d.Store.GetEnabledPlaylists()
	if err != nil {
		return nil
	}
	byName := make(map[string]domain.Playlist, len(enabled))
	for _, p := range enabled {
		byName[p.Name] = p
	}
	var out []domain.Playlist
	for _, n := range names {
		if p, ok := byName[n]; ok {
			out = append(out, p)
		}
	}
	return out
}

// exitTempPlayback implements spec.md §4.10's exit protocol: capture
// the cursor and current video, run the standard folder switch, arm
// the deferred seek, clear the persisted temp-playback row, and begin
// preparing the next rotation immediately.
func (o *Orchestrator) exitTempPlayback(ctx context.Context, session *domain.RotationSession) {
	logger := log.WithComponent("orchestrator")

	capturedVideo := store.StripOrderingPrefix(o.d.Monitor.CurrentVideo())
	capturedCursor := session.PlaybackCursorMs
	if status, err := o.d.Compositor.GetMediaInputStatus(ctx); err == nil {
		capturedCursor = status.CursorMs
	}

	consumed := o.consumedNextPlaylists(session.NextPlaylists)

	result, err := o.d.TempPlay.Exit(ctx, capturedVideo, capturedCursor, tempplayback.ExitInput{
		OriginalNextPlaylistOrder: session.NextPlaylists,
		ConsumedPlaylists:         consumed,
		PlaylistOf:                o.d.PlaylistOf,
		StreamTitleTemplate:       o.streamTitleTemplate(),
	}, o.d.Switcher)
	if err != nil {
		logger.Error().Err(err).Msg("temp-playback exit failed")
		if o.d.Notifier != nil {
			o.d.Notifier.Error(ctx, "Temp-playback exit failed", err.Error())
		}
		return
	}

	o.SchedulePendingSeek(result.CapturedCursorMs, result.CapturedVideo)

	if err := o.d.Store.ClearTempPlaybackState(session.ID); err != nil {
		logger.Warn().Err(err).Msg("failed to clear temp-playback state")
	}
	if err := o.d.Store.SetCurrentPlaylists(session.ID, result.FilteredOrder); err != nil {
		logger.Warn().Err(err).Msg("failed to record promoted playlists")
	}
	if err := o.d.Store.SetNextPlaylists(session.ID, nil); err != nil {
		logger.Warn().Err(err).Msg("failed to clear next playlists after exit")
	}
	if err := o.d.Store.MarkPlaylistsPlayed(result.FilteredOrder, time.Now()); err != nil {
		logger.Warn().Err(err).Msg("failed to mark promoted playlists played")
	}

	// Kick the next rotation's downloads right away rather than waiting
	// for the promoted content to near its end.
	if sess, err := o.d.Store.GetCurrentSession(); err == nil {
		go o.kickoffBackgroundPrep(ctx, sess)
	}
}

// consumedNextPlaylists reports which of the next playlists have no
// file left in pending/ — fully played during temp playback, so their
// ordering prefixes are filtered out on exit.
func (o *Orchestrator) consumedNextPlaylists(names []string) map[string]bool {
	remaining := map[string]bool{}
	if entries, err := os.ReadDir(o.d.Folders.Pending); err == nil {
		for _, e := range entries {
			if e.IsDir() || o.d.PlaylistOf == nil {
				continue
			}
			if owner := o.d.PlaylistOf(e.Name()); owner != "" {
				remaining[owner] = true
			}
		}
	}
	consumed := map[string]bool{}
	for _, n := range names {
		if !remaining[n] {
			consumed[n] = true
		}
	}
	return consumed
}

// pollPreparedDownloads advances every prepared rotation still in the
// downloading state toward ready.
func (o *Orchestrator) pollPreparedDownloads() {
	if o.d.Prepared == nil {
		return
	}
	logger := log.WithComponent("orchestrator")
	list, err := o.d.Prepared.List()
	if err != nil {
		logger.Warn().Err(err).Msg("failed to list prepared rotations")
		return
	}
	for _, pr := range list {
		if pr.Status != domain.PreparedDownloading {
			continue
		}
		if _, err := o.d.Prepared.PollDownload(pr.Slug); err != nil {
			logger.Warn().Err(err).Str(log.FieldSlug, pr.Slug).Msg("prepared download poll failed")
		}
	}
}

// shouldTriggerBackgroundPrep implements the supplemented dynamic
// download-trigger buffer (SPEC_FULL.md §6): background downloads for
// the next rotation start once the remaining playback time in the
// current session — approximated as total duration minus wall-clock
// time since the session started, since no per-tick elapsed-playback
// counter is tracked — drops to the computed lead-time threshold.
func shouldTriggerBackgroundPrep(session *domain.RotationSession, now time.Time) bool {
	if session.TempPlaybackActive || len(session.NextPlaylists) > 0 || session.TotalDurationSeconds <= 0 {
		return false
	}
	elapsed := now.Sub(session.StartedAt).Seconds()
	remaining := session.TotalDurationSeconds - elapsed
	if remaining <= 0 {
		return false
	}
	return remaining <= computeBufferThreshold(session.TotalDurationSeconds)
}

func (o *Orchestrator) kickoffBackgroundPrep(ctx context.Context, session *domain.RotationSession) {
	logger := log.WithComponent("orchestrator")
	allowed, err := o.d.Store.GetEnabledPlaylists()
	if err != nil {
		logger.Warn().Err(err).Msg("background prep: failed to list enabled playlists")
		return
	}
	settings := o.d.Config.Current().Document.Settings
	selected := selector.Select(allowed, session.NextPlaylistsStatus, settings.MinPlaylistsPerRotation, settings.MaxPlaylistsPerRotation)
	names := make([]string, len(selected))
	for i, p := range selected {
		names[i] = p.Name
	}
	if err := o.d.Store.SetNextPlaylists(session.ID, names); err != nil {
		logger.Warn().Err(err).Msg("background prep: failed to record next playlists")
		return
	}
	for _, p := range selected {
		url := p.URL
		if o.d.URLOf != nil {
			if u := o.d.URLOf(p.Name); u != "" {
				url = u
			}
		}
		o.d.Downloader.Enqueue(backgroundPrepKey(session.ID), download.Job{
			PlaylistID:   p.ID,
			PlaylistName: p.Name,
			URL:          url,
			Folder:       o.d.Folders.Pending,
		})
	}
}

// computeBufferThreshold returns the lead time used by
// shouldTriggerBackgroundPrep: 10% of total duration, raised to 50%
// for very short rotations so the downloader still gets meaningful
// time.
func computeBufferThreshold(totalDurationSeconds float64) float64 {
	frac := downloadBufferMinFrac
	if totalDurationSeconds > 0 && totalDurationSeconds < 600 {
		frac = downloadBufferMaxFrac
	}
	return totalDurationSeconds * frac
}

func (o *Orchestrator) pushDashboardState(ctx context.Context, session *domain.RotationSession) {
	snapshot := dashboard.StateSnapshot{
		CompositorConnected: o.d.Compositor.IsConnected(),
		FallbackTier:        fallbackTierName(o.d.Fallback),
		StreamerLive:        o.d.Live != nil && o.d.Live.LastStatus() == livecheck.StatusLive,
	}
	if session != nil {
		snapshot.SessionID = session.ID
		snapshot.CurrentVideo = o.d.Monitor.CurrentVideo()
		snapshot.PlaybackCursorMs = session.PlaybackCursorMs
		snapshot.StreamTitle = session.StreamTitle
		snapshot.CurrentPlaylists = session.CurrentPlaylists
		snapshot.NextPlaylists = session.NextPlaylists
		snapshot.TempPlaybackActive = session.TempPlaybackActive
	}
	o.d.Dashboard.PushState(ctx, snapshot)
	o.d.Dashboard.PushLogs(ctx, log.Recent())
}

func decodeSlug(payload json.RawMessage) (string, error) {
	var p struct {
		Slug string `json:"slug"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", err
	}
	return p.Slug, nil
}

// executePreparedRotation promotes a ready prepared rotation onto the
// live media input: its downloaded content is copied into pending/ (the
// prepared folder itself is left intact, unlike a normal rotation's
// pending/ which is consumed by the switch) and then run through the
// same content-switch handler a normal rotation uses.
func (o *Orchestrator) executePreparedRotation(ctx context.Context, slug string) {
	logger := log.WithComponent("orchestrator")

	if err := o.d.Prepared.BeginExecuting(slug); err != nil {
		logger.Warn().Err(err).Str(log.FieldSlug, slug).Msg("execute_prepared_rotation: could not begin")
		return
	}

	pr, err := o.d.Prepared.Load(slug)
	if err != nil {
		logger.Error().Err(err).Str(log.FieldSlug, slug).Msg("execute_prepared_rotation: load failed")
		return
	}
	folder, err := o.d.Prepared.FolderFor(slug)
	if err != nil {
		logger.Error().Err(err).Str(log.FieldSlug, slug).Msg("execute_prepared_rotation: resolve folder failed")
		return
	}
	if err := copyVideoFiles(folder, o.d.Folders.Pending); err != nil {
		logger.Error().Err(err).Str(log.FieldSlug, slug).Msg("execute_prepared_rotation: copy into pending failed")
		return
	}

	// Preserve the displaced live content so it resumes once the
	// prepared rotation has been consumed.
	o.overrideBackupOK.Store(o.d.Switcher.BackupCurrentContent())

	streamerLive := o.d.Live != nil && o.d.Live.LastStatus() == livecheck.StatusLive
	if err := o.d.Switcher.ExecuteSwitch(ctx, contentswitch.SwitchInput{
		StreamTitleTemplate: pr.Title,
		FirstPlaylistName:   firstOrEmpty(pr.Playlists),
		StreamerLive:        streamerLive,
	}); err != nil {
		logger.Error().Err(err).Str(log.FieldSlug, slug).Msg("execute_prepared_rotation: content switch failed")
		return
	}
	if err := o.d.Monitor.Initialize(o.d.Folders.Live); err != nil {
		logger.Warn().Err(err).Msg("execute_prepared_rotation: reinitialize monitor failed")
	}
	if err := o.d.Prepared.FinishExecuting(slug); err != nil {
		logger.Warn().Err(err).Str(log.FieldSlug, slug).Msg("execute_prepared_rotation: finish failed")
	}
	metrics.IncPreparedRotationsExecuted()
}

func firstOrEmpty(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

func copyVideoFiles(srcDir, dstDir string) error {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dstDir, 0o750); err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || e.Name() == "metadata.json" {
			continue
		}
		if err := copyFile(filepath.Join(srcDir, e.Name()), filepath.Join(dstDir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func fallbackTierName(c *fallback.Controller) string {
	switch c.Tier() {
	case fallback.TierFallbackFolder:
		return "fallback_folder"
	case fallback.TierLoopRemaining:
		return "loop_remaining"
	case fallback.TierPauseScreen:
		return "pause_screen"
	default:
		return "none"
	}
}

// fallbackTierOrdinal maps a Tier onto the fixed 0-3 scale the
// fallback_tier_active gauge exposes, matching the tier's severity.
func fallbackTierOrdinal(t fallback.Tier) int {
	switch t {
	case fallback.TierFallbackFolder:
		return 1
	case fallback.TierLoopRemaining:
		return 2
	case fallback.TierPauseScreen:
		return 3
	default:
		return 0
	}
}

// drainDashboardCommands services the handful of dashboard-initiated
// commands that map directly onto an existing operation; the rest are
// acknowledged by forwarding config changes through the usual
// hot-reloaded settings/playlists documents rather than a side
// channel, so they are logged and otherwise ignored here.
func (o *Orchestrator) drainDashboardCommands(ctx context.Context) {
	for {
		select {
		case cmd := <-o.d.Dashboard.Commands():
			o.handleDashboardCommand(ctx, cmd)
		default:
			return
		}
	}
}

func (o *Orchestrator) handleDashboardCommand(ctx context.Context, cmd dashboard.Command) {
	logger := log.WithComponent("orchestrator")
	switch cmd.Type {
	case dashboard.CmdPauseStream:
		o.manualPauseActive = true
		if err := o.d.Compositor.SetCurrentProgramScene(ctx, o.d.Scenes.Pause); err != nil {
			logger.Warn().Err(err).Msg("dashboard pause_stream failed")
		}
	case dashboard.CmdResumeStream:
		o.manualPauseActive = false
		if err := o.d.Compositor.SetCurrentProgramScene(ctx, o.d.Scenes.Stream); err != nil {
			logger.Warn().Err(err).Msg("dashboard resume_stream failed")
		}
	case dashboard.CmdSkipVideo:
		if err := o.d.Compositor.TriggerMediaInputAction(ctx, compositor.MediaActionNext); err != nil {
			logger.Warn().Err(err).Msg("dashboard skip_video failed")
		}
	case dashboard.CmdTriggerRotation:
		session, err := o.d.Store.GetCurrentSession()
		if err == nil && o.rotationInFlight.CompareAndSwap(false, true) {
			go func() {
				defer o.rotationInFlight.Store(false)
				o.handleAllContentConsumed(ctx, session)
			}()
		}
	case dashboard.CmdReloadEnv:
		if err := o.d.Config.ReloadConfig(); err != nil {
			logger.Warn().Err(err).Msg("dashboard reload_env failed")
		}
	case dashboard.CmdCreatePreparedRotation:
		var payload struct {
			Slug      string   `json:"slug"`
			Title     string   `json:"title"`
			Playlists []string `json:"playlists"`
		}
		if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
			logger.Warn().Err(err).Msg("create_prepared_rotation: bad payload")
			return
		}
		if _, err := o.d.Prepared.Create(payload.Slug, payload.Title, payload.Playlists); err != nil {
			logger.Warn().Err(err).Str(log.FieldSlug, payload.Slug).Msg("create_prepared_rotation failed")
		}
	case dashboard.CmdDownloadPreparedRotation:
		slug, err := decodeSlug(cmd.Payload)
		if err != nil {
			logger.Warn().Err(err).Msg("download_prepared_rotation: bad payload")
			return
		}
		go func() {
			if err := o.d.Prepared.StartDownload(ctx, slug, o.d.URLOf); err != nil {
				logger.Warn().Err(err).Str(log.FieldSlug, slug).Msg("download_prepared_rotation failed")
			}
		}()
	case dashboard.CmdExecutePreparedRotation:
		slug, err := decodeSlug(cmd.Payload)
		if err != nil {
			logger.Warn().Err(err).Msg("execute_prepared_rotation: bad payload")
			return
		}
		go o.executePreparedRotation(context.Background(), slug)
	case dashboard.CmdSchedulePreparedRotation:
		var payload struct {
			Slug string    `json:"slug"`
			At   time.Time `json:"at"`
		}
		if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
			logger.Warn().Err(err).Msg("schedule_prepared_rotation: bad payload")
			return
		}
		if err := o.d.Prepared.Schedule(payload.Slug, payload.At, func(slug string) {
			o.executePreparedRotation(context.Background(), slug)
		}); err != nil {
			logger.Warn().Err(err).Str(log.FieldSlug, payload.Slug).Msg("schedule_prepared_rotation failed")
		}
	case dashboard.CmdCancelPreparedRotation:
		slug, err := decodeSlug(cmd.Payload)
		if err != nil {
			logger.Warn().Err(err).Msg("cancel_prepared_rotation: bad payload")
			return
		}
		if err := o.d.Prepared.Cancel(slug); err != nil {
			logger.Warn().Err(err).Str(log.FieldSlug, slug).Msg("cancel_prepared_rotation failed")
		}
	case dashboard.CmdDeletePreparedRotation:
		slug, err := decodeSlug(cmd.Payload)
		if err != nil {
			logger.Warn().Err(err).Msg("delete_prepared_rotation: bad payload")
			return
		}
		if err := o.d.Prepared.Delete(slug); err != nil {
			logger.Warn().Err(err).Str(log.FieldSlug, slug).Msg("delete_prepared_rotation failed")
		}
	case dashboard.CmdClearCompletedPrepared:
		if _, err := o.d.Prepared.ClearCompleted(); err != nil {
			logger.Warn().Err(err).Msg("clear_completed_prepared failed")
		}
	default:
		logger.Debug().Str("command", string(cmd.Type)).Msg("dashboard command handled via config document, not the WS side channel")
	}
}
