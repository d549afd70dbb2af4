package rotation

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ManuGH/rotatord/internal/compositor"
	"github.com/ManuGH/rotatord/internal/contentswitch"
	"github.com/ManuGH/rotatord/internal/domain"
	"github.com/ManuGH/rotatord/internal/download"
	"github.com/ManuGH/rotatord/internal/playback"
	"github.com/ManuGH/rotatord/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDownloader completes every enqueued job immediately, synchronously,
// from Enqueue itself, simulating a worker fast enough that the first
// poll tick observes completion.
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

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestSwitcher(t *testing.T, liveDir, pendingDir string) *contentswitch.Handler {
	t.Helper()
	client := compositor.New("ws://127.0.0.1:0", "", "media_input")
	h := contentswitch.New(client, nil, liveDir, pendingDir, filepath.Join(t.TempDir(), "backup"), "pause_scene", "stream_scene", nil)
	h.SetReleaseGracePeriod(time.Millisecond)
	return h
}

func writeFile(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
}

func TestStartSessionDownloadsAndCreatesSession(t *testing.T) {
	st := newTestStore(t)
	liveDir, pendingDir := t.TempDir(), t.TempDir()

	idA, err := st.AddPlaylist("A", "https://a", true, 1)
	require.NoError(t, err)
	idB, err := st.AddPlaylist("B", "https://b", true, 1)
	require.NoError(t, err)

	dl := newFakeDownloader()
	dl.videoFor = func(job download.Job) domain.Video {
		filename := job.PlaylistName + ".mp4"
		writeFile(t, pendingDir, filename)
		return domain.Video{PlaylistID: job.PlaylistID, PlaylistName: job.PlaylistName, Filename: filename, DurationSeconds: 120}
	}

	monitor := playback.New(func(string) ([]string, error) { return nil, nil }, nil, nil)
	mgr := New(st, dl, newTestSwitcher(t, liveDir, pendingDir), monitor, liveDir, pendingDir)
	mgr.downloadPollInterval = 10 * time.Millisecond

	_ = idA
	_ = idB

	session, err := mgr.StartSession(context.Background(), StartSessionInput{
		MinPlaylists:        2,
		MaxPlaylists:        2,
		StreamTitleTemplate: "24/7 | {GAMES}",
	})
	require.NoError(t, err)
	assert.True(t, session.IsCurrent)
	assert.Equal(t, float64(240), session.TotalDurationSeconds)
	assert.Contains(t, session.StreamTitle, "A")
	assert.Contains(t, session.StreamTitle, "B")
}

func TestStartSessionUsesPrestagedPlaylistsWithoutDownloading(t *testing.T) {
	st := newTestStore(t)
	liveDir, pendingDir := t.TempDir(), t.TempDir()

	dl := newFakeDownloader()
	monitor := playback.New(func(string) ([]string, error) { return nil, nil }, nil, nil)
	mgr := New(st, dl, newTestSwitcher(t, liveDir, pendingDir), monitor, liveDir, pendingDir)

	writeFile(t, pendingDir, "preexisting.mp4")

	session, err := mgr.StartSession(context.Background(), StartSessionInput{
		PrestagedPlaylists:  []domain.Playlist{{ID: 9, Name: "Prepared"}},
		StreamTitleTemplate: "24/7 | {GAMES}",
	})
	require.NoError(t, err)
	assert.Empty(t, dl.completed, "downloader must not be invoked for prestaged playlists")
	assert.Contains(t, session.StreamTitle, "PREPARED")
}

func TestStartSessionExplicitSelectionBypassesSelectorButDownloads(t *testing.T) {
	st := newTestStore(t)
	liveDir, pendingDir := t.TempDir(), t.TempDir()

	// "B" is enabled and would win automatic selection on priority, but
	// the explicit selection names only "A".
	_, err := st.AddPlaylist("A", "https://a", true, 1)
	require.NoError(t, err)
	_, err = st.AddPlaylist("B", "https://b", true, 9)
	require.NoError(t, err)

	dl := newFakeDownloader()
	dl.videoFor = func(job download.Job) domain.Video {
		filename := job.PlaylistName + ".mp4"
		writeFile(t, pendingDir, filename)
		return domain.Video{PlaylistID: job.PlaylistID, PlaylistName: job.PlaylistName, Filename: filename}
	}
	monitor := playback.New(func(string) ([]string, error) { return nil, nil }, nil, nil)
	mgr := New(st, dl, newTestSwitcher(t, liveDir, pendingDir), monitor, liveDir, pendingDir)
	mgr.downloadPollInterval = 10 * time.Millisecond

	session, err := mgr.StartSession(context.Background(), StartSessionInput{
		ExplicitSelection:   []domain.Playlist{{ID: 1, Name: "A", URL: "https://a"}},
		StreamTitleTemplate: "24/7 | {GAMES}",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, session.CurrentPlaylists)
	assert.Contains(t, session.StreamTitle, "A")
	assert.NotContains(t, session.StreamTitle, "B")
}

func TestStartSessionFailsWhenPendingEmpty(t *testing.T) {
	st := newTestStore(t)
	liveDir, pendingDir := t.TempDir(), t.TempDir()
	dl := newFakeDownloader()
	monitor := playback.New(func(string) ([]string, error) { return nil, nil }, nil, nil)
	mgr := New(st, dl, newTestSwitcher(t, liveDir, pendingDir), monitor, liveDir, pendingDir)

	_, err := mgr.StartSession(context.Background(), StartSessionInput{
		PrestagedPlaylists: []domain.Playlist{{ID: 1, Name: "Empty"}},
	})
	assert.ErrorIs(t, err, ErrPendingEmpty)
}

func TestExecuteContentSwitchRefusesDuringTempPlayback(t *testing.T) {
	st := newTestStore(t)
	liveDir, pendingDir := t.TempDir(), t.TempDir()
	dl := newFakeDownloader()
	monitor := playback.New(func(string) ([]string, error) { return nil, nil }, nil, nil)
	mgr := New(st, dl, newTestSwitcher(t, liveDir, pendingDir), monitor, liveDir, pendingDir)

	session := &domain.RotationSession{ID: 1, TempPlaybackActive: true}
	err := mgr.ExecuteContentSwitch(context.Background(), ExecuteContentSwitchInput{Session: session})
	assert.ErrorIs(t, err, ErrTempPlaybackActive)
}

func TestExecuteContentSwitchMovesFilesAndMarksPlayed(t *testing.T) {
	st := newTestStore(t)
	liveDir, pendingDir := t.TempDir(), t.TempDir()
	_, err := st.AddPlaylist("A", "https://a", true, 1)
	require.NoError(t, err)

	writeFile(t, pendingDir, "clip.mp4")

	dl := newFakeDownloader()
	var listedDir string
	monitor := playback.New(func(dir string) ([]string, error) {
		listedDir = dir
		entries, _ := os.ReadDir(dir)
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		return names, nil
	}, nil, nil)

	mgr := New(st, dl, newTestSwitcher(t, liveDir, pendingDir), monitor, liveDir, pendingDir)

	session := &domain.RotationSession{ID: 1, StreamTitle: "24/7 | A"}
	err = mgr.ExecuteContentSwitch(context.Background(), ExecuteContentSwitchInput{
		Session:       session,
		SelectedOrder: []string{"A"},
		PlaylistOf:    func(string) string { return "A" },
	})
	require.NoError(t, err)
	assert.Equal(t, liveDir, listedDir, "playback monitor must be reinitialized on live/")

	_, err = os.Stat(filepath.Join(liveDir, "01_clip.mp4"))
	assert.NoError(t, err, "file must be moved into live/ and prefixed")

	playlists, err := st.GetEnabledPlaylists()
	require.NoError(t, err)
	require.Len(t, playlists, 1)
	assert.NotNil(t, playlists[0].LastPlayed)
}

func TestResumeExistingSessionRestoresTempPlaybackFirst(t *testing.T) {
	st := newTestStore(t)
	liveDir, pendingDir := t.TempDir(), t.TempDir()
	dl := newFakeDownloader()

	tempDir := t.TempDir()
	var listedDir string
	monitor := playback.New(func(dir string) ([]string, error) {
		listedDir = dir
		return nil, nil
	}, nil, nil)
	mgr := New(st, dl, newTestSwitcher(t, liveDir, pendingDir), monitor, liveDir, pendingDir)

	session := &domain.RotationSession{ID: 1, TempPlaybackActive: true, TempPlaybackFolder: tempDir}
	result, err := mgr.ResumeExistingSession(context.Background(), session, nil)
	require.NoError(t, err)
	assert.True(t, result.TempPlaybackRestored)
	assert.Equal(t, tempDir, listedDir)
}

func TestResumeExistingSessionTempPlaybackResumesDownloadsAndArmsSeek(t *testing.T) {
	st := newTestStore(t)
	liveDir, pendingDir := t.TempDir(), t.TempDir()
	dl := newFakeDownloader()
	monitor := playback.New(func(string) ([]string, error) { return nil, nil }, nil, nil)
	mgr := New(st, dl, newTestSwitcher(t, liveDir, pendingDir), monitor, liveDir, pendingDir)

	session := &domain.RotationSession{
		ID:                   1,
		TempPlaybackActive:   true,
		TempPlaybackFolder:   t.TempDir(),
		NextPlaylists:        []string{"X", "Y"},
		NextPlaylistsStatus:  map[string]domain.NextPlaylistStatus{"X": domain.NextCompleted, "Y": domain.NextPending},
		PlaybackCurrentVideo: "y1.webm",
		PlaybackCursorMs:     5000,
	}
	result, err := mgr.ResumeExistingSession(context.Background(), session, func(string) string { return "https://y" })
	require.NoError(t, err)
	assert.True(t, result.TempPlaybackRestored)
	assert.Equal(t, []string{"Y"}, result.ResumedDownloads, "still-pending downloads must resume alongside the restored playback")
	assert.True(t, result.DeferredSeekPending)
	assert.Equal(t, int64(5000), result.DeferredSeekMs)
}

func newCompletedNextSession(t *testing.T, st *store.Store) *domain.RotationSession {
	t.Helper()
	created, err := st.CreateRotationSession([]int64{1}, "t", 1)
	require.NoError(t, err)
	require.NoError(t, st.SetNextPlaylists(created.ID, []string{"X", "Y"}))
	require.NoError(t, st.CompleteNextPlaylist(created.ID, "X"))
	require.NoError(t, st.CompleteNextPlaylist(created.ID, "Y"))
	session, err := st.GetCurrentSession()
	require.NoError(t, err)
	return session
}

func TestResumeExistingSessionHoldsCompletedNextPlaylistsAsPrepared(t *testing.T) {
	st := newTestStore(t)
	liveDir, pendingDir := t.TempDir(), t.TempDir()
	dl := newFakeDownloader()
	monitor := playback.New(func(string) ([]string, error) { return nil, nil }, nil, nil)
	mgr := New(st, dl, newTestSwitcher(t, liveDir, pendingDir), monitor, liveDir, pendingDir)

	session := newCompletedNextSession(t, st)
	writeFile(t, pendingDir, "X_1_clip.mp4")
	writeFile(t, pendingDir, "Y_1_clip.mp4")
	require.NoError(t, st.RegisterVideo(domain.Video{PlaylistID: 1, PlaylistName: "X", Filename: "X_1_clip.mp4"}))
	require.NoError(t, st.RegisterVideo(domain.Video{PlaylistID: 2, PlaylistName: "Y", Filename: "Y_1_clip.mp4"}))

	result, err := mgr.ResumeExistingSession(context.Background(), session, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"X", "Y"}, result.HeldAsPrepared)
	assert.Empty(t, result.ResumedDownloads)
}

func TestResumeExistingSessionRedownloadsWhenPreparedFilesAreMissing(t *testing.T) {
	st := newTestStore(t)
	liveDir, pendingDir := t.TempDir(), t.TempDir()
	dl := newFakeDownloader()
	monitor := playback.New(func(string) ([]string, error) { return nil, nil }, nil, nil)
	mgr := New(st, dl, newTestSwitcher(t, liveDir, pendingDir), monitor, liveDir, pendingDir)

	session := newCompletedNextSession(t, st)
	writeFile(t, pendingDir, "X_1_clip.mp4") // Y's registered file is gone
	require.NoError(t, st.RegisterVideo(domain.Video{PlaylistID: 1, PlaylistName: "X", Filename: "X_1_clip.mp4"}))
	require.NoError(t, st.RegisterVideo(domain.Video{PlaylistID: 2, PlaylistName: "Y", Filename: "Y_1_clip.mp4"}))

	result, err := mgr.ResumeExistingSession(context.Background(), session, func(string) string { return "https://u" })
	require.NoError(t, err)
	assert.Empty(t, result.HeldAsPrepared)
	assert.Equal(t, []string{"X", "Y"}, result.ResumedDownloads, "a validation failure re-downloads the whole set")
}

func TestResumeExistingSessionResumesIncompleteDownloads(t *testing.T) {
	st := newTestStore(t)
	liveDir, pendingDir := t.TempDir(), t.TempDir()
	dl := newFakeDownloader()
	monitor := playback.New(func(string) ([]string, error) { return nil, nil }, nil, nil)
	mgr := New(st, dl, newTestSwitcher(t, liveDir, pendingDir), monitor, liveDir, pendingDir)

	session := &domain.RotationSession{
		ID:                  1,
		NextPlaylists:       []string{"X", "Y"},
		NextPlaylistsStatus: map[string]domain.NextPlaylistStatus{"X": domain.NextCompleted, "Y": domain.NextPending},
	}
	result, err := mgr.ResumeExistingSession(context.Background(), session, func(string) string { return "https://y" })
	require.NoError(t, err)
	assert.Equal(t, []string{"Y"}, result.ResumedDownloads)
	assert.Empty(t, result.HeldAsPrepared)
}

func TestResumeExistingSessionSchedulesDeferredSeekWhenVideoMatches(t *testing.T) {
	st := newTestStore(t)
	liveDir, pendingDir := t.TempDir(), t.TempDir()
	dl := newFakeDownloader()
	monitor := playback.New(func(dir string) ([]string, error) { return []string{"vid.webm"}, nil }, nil, nil)
	mgr := New(st, dl, newTestSwitcher(t, liveDir, pendingDir), monitor, liveDir, pendingDir)

	session := &domain.RotationSession{
		ID:                   1,
		PlaybackCurrentVideo: "vid.webm",
		PlaybackCursorMs:     123000,
	}
	result, err := mgr.ResumeExistingSession(context.Background(), session, nil)
	require.NoError(t, err)
	assert.True(t, result.DeferredSeekPending)
	assert.Equal(t, int64(123000), result.DeferredSeekMs)
}

func TestResumeExistingSessionSkipsDeferredSeekWhenVideoDiffers(t *testing.T) {
	st := newTestStore(t)
	liveDir, pendingDir := t.TempDir(), t.TempDir()
	dl := newFakeDownloader()
	monitor := playback.New(func(dir string) ([]string, error) { return []string{"other.webm"}, nil }, nil, nil)
	mgr := New(st, dl, newTestSwitcher(t, liveDir, pendingDir), monitor, liveDir, pendingDir)

	session := &domain.RotationSession{
		ID:                   1,
		PlaybackCurrentVideo: "vid.webm",
		PlaybackCursorMs:     123000,
	}
	result, err := mgr.ResumeExistingSession(context.Background(), session, nil)
	require.NoError(t, err)
	assert.False(t, result.DeferredSeekPending)
}
