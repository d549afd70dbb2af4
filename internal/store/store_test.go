package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ManuGH/rotatord/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "rotatord.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAddPlaylistIsIdempotent(t *testing.T) {
	s := openTestStore(t)

	id1, err := s.AddPlaylist("GameA", "https://example.invalid/a", true, 1)
	require.NoError(t, err)

	id2, err := s.AddPlaylist("gamea", "https://example.invalid/a-again", true, 9)
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
}

func TestGetEnabledPlaylistsOrdering(t *testing.T) {
	s := openTestStore(t)

	lowID, err := s.AddPlaylist("Low", "u1", true, 1)
	require.NoError(t, err)
	highID, err := s.AddPlaylist("High", "u2", true, 5)
	require.NoError(t, err)

	// Both never played: priority DESC wins.
	list, err := s.GetEnabledPlaylists()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, highID, list[0].ID)
	assert.Equal(t, lowID, list[1].ID)

	require.NoError(t, s.MarkPlaylistsPlayed([]string{"High"}, time.Now()))

	// High was just played, so Low (never played) now wins.
	list, err = s.GetEnabledPlaylists()
	require.NoError(t, err)
	assert.Equal(t, lowID, list[0].ID)
}

func TestSyncPlaylistsConvergesAndPreservesHistory(t *testing.T) {
	s := openTestStore(t)

	entries := []domain.Playlist{{Name: "GameA", URL: "https://a", Enabled: true, Priority: 2}}
	require.NoError(t, s.SyncPlaylists(entries))
	require.NoError(t, s.MarkPlaylistsPlayed([]string{"GameA"}, time.Now()))

	// Re-syncing the same document must not create duplicates or erase
	// play history; a changed URL must land.
	entries[0].URL = "https://a-moved"
	require.NoError(t, s.SyncPlaylists(entries))
	require.NoError(t, s.SyncPlaylists(entries))

	list, err := s.GetEnabledPlaylists()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "https://a-moved", list[0].URL)
	assert.EqualValues(t, 1, list[0].PlayCount)
	assert.NotNil(t, list[0].LastPlayed)
}

func TestCreateRotationSessionClearsPriorCurrent(t *testing.T) {
	s := openTestStore(t)

	first, err := s.CreateRotationSession([]int64{1}, "first", 10)
	require.NoError(t, err)
	assert.True(t, first.IsCurrent)

	second, err := s.CreateRotationSession([]int64{2}, "second", 20)
	require.NoError(t, err)
	assert.True(t, second.IsCurrent)

	cur, err := s.GetCurrentSession()
	require.NoError(t, err)
	assert.Equal(t, second.ID, cur.ID)
}

func TestStripOrderingPrefix(t *testing.T) {
	assert.Equal(t, "clip.mp4", StripOrderingPrefix("03_clip.mp4"))
	assert.Equal(t, "clip.mp4", StripOrderingPrefix("clip.mp4"))
	assert.Equal(t, "a_b.mp4", StripOrderingPrefix("a_b.mp4"))
}

func TestValidatePreparedPlaylistsExistChecksRegisteredVideos(t *testing.T) {
	s := openTestStore(t)
	pendingDir := t.TempDir()

	sess, err := s.CreateRotationSession([]int64{1}, "t", 1)
	require.NoError(t, err)
	require.NoError(t, s.SetNextPlaylists(sess.ID, []string{"X"}))

	// A stray file merely containing the playlist name is not enough:
	// the playlist has no registered video yet.
	require.NoError(t, writeTestFile(pendingDir, "not_X_content.mp4"))
	ok, err := s.ValidatePreparedPlaylistsExist(sess.ID, pendingDir)
	require.NoError(t, err)
	assert.False(t, ok)

	// A registered video whose file is missing still fails.
	require.NoError(t, s.RegisterVideo(domain.Video{PlaylistID: 1, PlaylistName: "X", Filename: "x_clip.mp4"}))
	ok, err = s.ValidatePreparedPlaylistsExist(sess.ID, pendingDir)
	require.NoError(t, err)
	assert.False(t, ok)

	// The registered video's file on disk satisfies the check.
	require.NoError(t, writeTestFile(pendingDir, "x_clip.mp4"))
	ok, err = s.ValidatePreparedPlaylistsExist(sess.ID, pendingDir)
	require.NoError(t, err)
	assert.True(t, ok)
}

func writeTestFile(dir, name string) error {
	return os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644)
}

func TestTempPlaybackStateRoundTrip(t *testing.T) {
	s := openTestStore(t)
	sess, err := s.CreateRotationSession([]int64{1}, "t", 1)
	require.NoError(t, err)

	require.NoError(t, s.SaveTempPlaybackState(sess.ID, "X", 0, "pending", 1500))
	active, playlist, pos, folder, cursor, err := s.GetTempPlaybackState(sess.ID)
	require.NoError(t, err)
	assert.True(t, active)
	assert.Equal(t, "X", playlist)
	assert.Equal(t, 0, pos)
	assert.Equal(t, "pending", folder)
	assert.EqualValues(t, 1500, cursor)

	require.NoError(t, s.ClearTempPlaybackState(sess.ID))
	active, _, _, _, _, err = s.GetTempPlaybackState(sess.ID)
	require.NoError(t, err)
	assert.False(t, active)
}
