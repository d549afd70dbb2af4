package selector

import (
	"testing"

	"github.com/ManuGH/rotatord/internal/domain"
	"github.com/stretchr/testify/assert"
)

func playlists(names ...string) []domain.Playlist {
	out := make([]domain.Playlist, len(names))
	for i, n := range names {
		out[i] = domain.Playlist{ID: int64(i + 1), Name: n, Enabled: true}
	}
	return out
}

func TestSelectRespectsMinMaxBounds(t *testing.T) {
	allowed := playlists("A", "B", "C")
	selected := Select(allowed, nil, 2, 3)
	assert.GreaterOrEqual(t, len(selected), 2)
	assert.LessOrEqual(t, len(selected), 3)
}

func TestSelectNeverExceedsAvailable(t *testing.T) {
	allowed := playlists("A")
	selected := Select(allowed, nil, 2, 3)
	assert.Len(t, selected, 1)
}

func TestSelectIncludesAtLeastOneLongPlaylist(t *testing.T) {
	allowed := []domain.Playlist{
		{ID: 1, Name: "Long1", Enabled: true, IsShort: false},
		{ID: 2, Name: "Short1", Enabled: true, IsShort: true},
		{ID: 3, Name: "Short2", Enabled: true, IsShort: true},
	}
	selected := Select(allowed, nil, 2, 3)

	hasLong := false
	for _, p := range selected {
		if !p.IsShort {
			hasLong = true
		}
	}
	assert.True(t, hasLong, "selection must never be all-shorts when a long playlist exists")
}

func TestSelectBackfillsFromLongWhenTooFewShorts(t *testing.T) {
	allowed := []domain.Playlist{
		{ID: 1, Name: "Long1", Enabled: true, IsShort: false},
		{ID: 2, Name: "Long2", Enabled: true, IsShort: false},
		{ID: 3, Name: "Long3", Enabled: true, IsShort: false},
	}
	selected := Select(allowed, nil, 2, 3)
	assert.Len(t, selected, 3)
}

func TestSelectExcludesCompletedPreparations(t *testing.T) {
	allowed := playlists("A", "B", "C")
	status := map[string]domain.NextPlaylistStatus{"B": domain.NextCompleted}

	selected := Select(allowed, status, 1, 3)
	for _, p := range selected {
		assert.NotEqual(t, "B", p.Name)
	}
}

func TestSelectRetainsPendingPreparations(t *testing.T) {
	allowed := playlists("A", "B")
	status := map[string]domain.NextPlaylistStatus{"B": domain.NextPending}

	selected := Select(allowed, status, 1, 2)
	names := make([]string, len(selected))
	for i, p := range selected {
		names[i] = p.Name
	}
	assert.Contains(t, names, "B", "PENDING preparations may still be re-selected")
}

func TestSelectManualFiltersByNameAndExcludesCompleted(t *testing.T) {
	allowed := playlists("A", "B", "C")
	status := map[string]domain.NextPlaylistStatus{"C": domain.NextCompleted}

	selected := SelectManual(allowed, []string{"A", "C"}, status)
	require := []string{}
	for _, p := range selected {
		require = append(require, p.Name)
	}
	assert.Equal(t, []string{"A"}, require)
}
