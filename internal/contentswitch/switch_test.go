package contentswitch

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncateTitleNoOpUnderLimit(t *testing.T) {
	title := "24/7 Rotation | Foo | Bar"
	assert.Equal(t, title, TruncateTitle(title, 140))
}

func TestTruncateTitleDropsTrailingSegmentsUntilItFits(t *testing.T) {
	prefix := "24/7 Rotation"
	title := prefix + " | " + strings.Repeat("A", 60) + " | " + strings.Repeat("B", 60) + " | " + strings.Repeat("C", 60)
	require.Greater(t, len(title), 140)

	out := TruncateTitle(title, 140)
	assert.LessOrEqual(t, len(out), 140)
	assert.True(t, strings.HasPrefix(out, prefix))
}

func TestTruncateTitleFallsBackToHardCutWithNoSeparators(t *testing.T) {
	title := strings.Repeat("x", 200)
	out := TruncateTitle(title, 140)
	assert.Len(t, out, 140)
}

func TestMovePendingIntoLiveExcludesArchiveAndSorts(t *testing.T) {
	pending := t.TempDir()
	live := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(pending, "z.mp4"), []byte("z"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(pending, "a.mp4"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(pending, archiveFileName), []byte("log"), 0o644))

	moved, err := movePendingIntoLive(pending, live)
	require.NoError(t, err)
	require.Len(t, moved, 2)
	assert.True(t, strings.HasSuffix(moved[0], "a.mp4"))
	assert.True(t, strings.HasSuffix(moved[1], "z.mp4"))

	_, err = os.Stat(filepath.Join(pending, archiveFileName))
	assert.True(t, os.IsNotExist(err), "archive.txt must be removed, not moved")

	_, err = os.Stat(filepath.Join(live, "a.mp4"))
	assert.NoError(t, err)
}

func TestMovePendingIntoLiveMissingPendingDirIsNotAnError(t *testing.T) {
	live := t.TempDir()
	moved, err := movePendingIntoLive(filepath.Join(live, "does-not-exist"), live)
	require.NoError(t, err)
	assert.Nil(t, moved)
}

func TestRenameWithOrderingPrefixGroupsByPlaylistOrder(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "clip1.mp4"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "clip2.mp4"), []byte("x"), 0o644))

	playlistOf := func(filename string) string {
		if filename == "clip1.mp4" {
			return "B"
		}
		return "A"
	}

	err := RenameWithOrderingPrefix(dir, []string{"A", "B"}, playlistOf)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "02_clip1.mp4"))
	assert.NoError(t, err, "clip1 belongs to playlist B, second in order")
	_, err = os.Stat(filepath.Join(dir, "01_clip2.mp4"))
	assert.NoError(t, err, "clip2 belongs to playlist A, first in order")
}

func TestRenameWithOrderingPrefixIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "01_clip.mp4"), []byte("x"), 0o644))

	playlistOf := func(string) string { return "A" }
	require.NoError(t, RenameWithOrderingPrefix(dir, []string{"A"}, playlistOf))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "01_clip.mp4", entries[0].Name())
}
