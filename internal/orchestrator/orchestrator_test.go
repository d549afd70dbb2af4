package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/rotatord/internal/compositor"
	"github.com/ManuGH/rotatord/internal/config"
	"github.com/ManuGH/rotatord/internal/contentswitch"
	"github.com/ManuGH/rotatord/internal/domain"
	"github.com/ManuGH/rotatord/internal/download"
	"github.com/ManuGH/rotatord/internal/playback"
	"github.com/ManuGH/rotatord/internal/rotation"
	"github.com/ManuGH/rotatord/internal/store"
	"github.com/ManuGH/rotatord/internal/tempplayback"
)

func TestShouldTriggerBackgroundPrepWaitsUntilThreshold(t *testing.T) {
	now := time.Unix(10_000, 0)
	session := &domain.RotationSession{
		StartedAt:            now.Add(-1 * time.Minute),
		TotalDurationSeconds: 3600, // 1h rotation, 10% buffer = 360s
	}
	assert.False(t, shouldTriggerBackgroundPrep(session, now), "only 60s elapsed of 3600s, well before the buffer")

	late := session.StartedAt.Add(3300 * time.Second) // 3300s elapsed, 300s remaining < 360s buffer
	assert.True(t, shouldTriggerBackgroundPrep(session, late))
}

func TestShouldTriggerBackgroundPrepSkipsWhenNextAlreadyPrepping(t *testing.T) {
	session := &domain.RotationSession{
		StartedAt:            time.Unix(0, 0),
		TotalDurationSeconds: 3600,
		NextPlaylists:        []string{"Foo"},
	}
	assert.False(t, shouldTriggerBackgroundPrep(session, time.Unix(3500, 0)))
}

func TestShouldTriggerBackgroundPrepSkipsDuringTempPlayback(t *testing.T) {
	session := &domain.RotationSession{
		StartedAt:            time.Unix(0, 0),
		TotalDurationSeconds: 3600,
		TempPlaybackActive:   true,
	}
	assert.False(t, shouldTriggerBackgroundPrep(session, time.Unix(3500, 0)))
}

func TestShouldTriggerBackgroundPrepSkipsUnknownDuration(t *testing.T) {
	session := &domain.RotationSession{StartedAt: time.Unix(0, 0)}
	assert.False(t, shouldTriggerBackgroundPrep(session, time.Unix(100, 0)))
}

func TestShouldTriggerBackgroundPrepSkipsAfterRotationAlreadyOverran(t *testing.T) {
	session := &domain.RotationSession{
		StartedAt:            time.Unix(0, 0),
		TotalDurationSeconds: 600,
	}
	assert.False(t, shouldTriggerBackgroundPrep(session, time.Unix(10_000, 0)))
}

func TestComputeBufferThresholdCapsShortRotationsAtLargerFraction(t *testing.T) {
	short := computeBufferThreshold(300) // < 600s: 50% buffer
	assert.InDelta(t, 150, short, 0.001)

	long := computeBufferThreshold(7200) // >= 600s: 10% buffer
	assert.InDelta(t, 720, long, 0.001)
}

func TestSchedulePendingSeekArmsFields(t *testing.T) {
	o := New(Deps{})
	o.SchedulePendingSeek(123000, "vid.webm")
	assert.True(t, o.pendingSeekSet)
	assert.Equal(t, int64(123000), o.pendingSeekMs)
	assert.Equal(t, "vid.webm", o.pendingSeekVideo)
}

func TestSchedulePendingSeekNoOpForEmptyVideo(t *testing.T) {
	o := New(Deps{})
	o.SchedulePendingSeek(123000, "")
	assert.False(t, o.pendingSeekSet)
}

// fakeDownloader completes every enqueued job immediately, synchronously,
// from Enqueue itself, satisfying rotation.Downloader without a real
// worker goroutine.
type fakeDownloader struct {
	completed map[string][]string
	regs      []domain.Video
	videoFor  func(job download.Job) domain.Video
}

func newFakeDownloader() *fakeDownloader {
	return &fakeDownloader{completed: map[string][]string{}}
}

func (f *fakeDownloader) Enqueue(sessionKey string, job download.Job) {
	f.completed[sessionKey] = append(f.completed[sessionKey], job.PlaylistName)
	if f.videoFor != nil {
		f.regs = append(f.regs, f.videoFor(job))
	}
}

func (f *fakeDownloader) DrainPendingComplete(sessionKey string) []string {
	out := f.completed[sessionKey]
	delete(f.completed, sessionKey)
	return out
}

func (f *fakeDownloader) DrainRegistrations() []domain.Video {
	out := f.regs
	f.regs = nil
	return out
}

func TestHandleManualOverrideExecutesContentSwitch(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	liveDir, pendingDir := t.TempDir(), t.TempDir()
	_, err = st.AddPlaylist("A", "https://a", true, 1)
	require.NoError(t, err)

	dl := newFakeDownloader()
	dl.videoFor = func(job download.Job) domain.Video {
		filename := job.PlaylistName + ".mp4"
		require.NoError(t, os.WriteFile(filepath.Join(pendingDir, filename), []byte("x"), 0o644))
		return domain.Video{PlaylistID: job.PlaylistID, PlaylistName: job.PlaylistName, Filename: filename, DurationSeconds: 60}
	}

	client := compositor.New("ws://127.0.0.1:0", "", "media_input")
	switcher := contentswitch.New(client, nil, liveDir, pendingDir, filepath.Join(t.TempDir(), "backup"), "pause_scene", "stream_scene", nil)
	switcher.SetReleaseGracePeriod(time.Millisecond)

	monitor := playback.New(func(dir string) ([]string, error) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, nil
		}
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		return names, nil
	}, nil, nil)

	mgr := rotation.New(st, dl, switcher, monitor, liveDir, pendingDir)

	o := New(Deps{
		Store:      st,
		Rotation:   mgr,
		PlaylistOf: func(string) string { return "A" },
	})

	o.handleManualOverride(context.Background(), domain.ManualOverride{
		OverrideActive:    true,
		SelectedPlaylists: []string{"A"},
		TriggerNow:        true,
	})

	_, err = os.Stat(filepath.Join(liveDir, "01_A.mp4"))
	assert.NoError(t, err, "manual override must switch the downloaded content into live/")

	session, err := st.GetCurrentSession()
	require.NoError(t, err)
	assert.True(t, session.IsCurrent)
	assert.NotNil(t, session.PlaylistsSelected)
}

func TestBackgroundPrepKeyIsStablePerSession(t *testing.T) {
	assert.Equal(t, "next-7", backgroundPrepKey(7))
	assert.NotEqual(t, backgroundPrepKey(1), backgroundPrepKey(2))
}

func TestConsumedNextPlaylistsDetectsEmptiedPlaylists(t *testing.T) {
	pendingDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(pendingDir, "y1.webm"), []byte("x"), 0o644))

	o := New(Deps{
		Folders: Folders{Pending: pendingDir},
		PlaylistOf: func(filename string) string {
			if filename == "y1.webm" {
				return "Y"
			}
			return ""
		},
	})

	consumed := o.consumedNextPlaylists([]string{"X", "Y"})
	assert.True(t, consumed["X"], "X has no file left in pending/, fully consumed")
	assert.False(t, consumed["Y"], "Y still has y1.webm in pending/")
}

func TestExitTempPlaybackPromotesPendingAndArmsDeferredSeek(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	liveDir, pendingDir := t.TempDir(), t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(pendingDir, "x3.webm"), []byte("x"), 0o644))

	session, err := st.CreateRotationSession([]int64{1}, "24/7 | X", 600)
	require.NoError(t, err)
	require.NoError(t, st.SetNextPlaylists(session.ID, []string{"X"}))
	require.NoError(t, st.CompleteNextPlaylist(session.ID, "X"))
	require.NoError(t, st.SaveTempPlaybackState(session.ID, "X", 0, pendingDir, 0))
	require.NoError(t, st.SavePlaybackPosition(session.ID, 27000, "x3.webm"))

	client := compositor.New("ws://127.0.0.1:0", "", "media_input")
	monitor := playback.New(func(dir string) ([]string, error) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, nil
		}
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		return names, nil
	}, nil, nil)
	monitor.SetTempPlaybackMode(true)
	require.NoError(t, monitor.Initialize(pendingDir))

	switcher := contentswitch.New(client, nil, liveDir, pendingDir, filepath.Join(t.TempDir(), "backup"), "pause_scene", "stream_scene", nil)
	switcher.SetReleaseGracePeriod(time.Millisecond)
	tempPlay := tempplayback.New(client, monitor, nil, liveDir, pendingDir, "pause_scene", "stream_scene")

	cfgDir := t.TempDir()
	cfg, err := config.NewProvider(filepath.Join(cfgDir, "playlists.json"), filepath.Join(cfgDir, "override.json"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cfg.Close() })

	dl := download.NewWorker(func(ctx context.Context, job download.Job) (download.Result, []domain.Video, error) {
		return download.Result{PlaylistName: job.PlaylistName, Success: true}, nil, nil
	}, nil)

	o := New(Deps{
		Store:      st,
		Config:     cfg,
		Compositor: client,
		Downloader: dl,
		Monitor:    monitor,
		Switcher:   switcher,
		TempPlay:   tempPlay,
		Folders:    Folders{Live: liveDir, Pending: pendingDir},
		PlaylistOf: func(string) string { return "X" },
	})

	current, err := st.GetCurrentSession()
	require.NoError(t, err)
	o.exitTempPlayback(context.Background(), current)

	_, err = os.Stat(filepath.Join(liveDir, "00_x3.webm"))
	assert.NoError(t, err, "pending content must be promoted into live/ with the captured video reordered to the front")

	assert.True(t, o.pendingSeekSet)
	assert.Equal(t, int64(27000), o.pendingSeekMs)
	assert.Equal(t, "x3.webm", o.pendingSeekVideo)

	active, _, _, _, _, err := st.GetTempPlaybackState(current.ID)
	require.NoError(t, err)
	assert.False(t, active, "temp-playback row must be cleared on exit")
	assert.False(t, monitor.NeedsVLCRefresh())
}

func TestHandleManualOverrideSkipsWhenNoPlaylistsMatch(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	liveDir, pendingDir := t.TempDir(), t.TempDir()
	_, err = st.AddPlaylist("A", "https://a", true, 1)
	require.NoError(t, err)

	dl := newFakeDownloader()
	client := compositor.New("ws://127.0.0.1:0", "", "media_input")
	switcher := contentswitch.New(client, nil, liveDir, pendingDir, filepath.Join(t.TempDir(), "backup"), "pause_scene", "stream_scene", nil)
	monitor := playback.New(func(string) ([]string, error) { return nil, nil }, nil, nil)
	mgr := rotation.New(st, dl, switcher, monitor, liveDir, pendingDir)

	o := New(Deps{Store: st, Rotation: mgr})

	o.handleManualOverride(context.Background(), domain.ManualOverride{
		OverrideActive:    true,
		SelectedPlaylists: []string{"Nonexistent"},
		TriggerNow:        true,
	})

	assert.Empty(t, dl.completed, "no download should be enqueued when the override names no enabled playlist")
	_, err = st.GetCurrentSession()
	assert.Error(t, err, "no session should be created when the override matches nothing")
}
