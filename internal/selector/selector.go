// Package selector picks the set of playlists for the next rotation.
package selector

import (
	"github.com/ManuGH/rotatord/internal/domain"
)

// Select runs automatic selection per spec.md §4.5: partition allowed
// playlists into long/short, clamp the target count to [min, max],
// guarantee at least one long playlist, fill the remainder with
// shorts (backfilling from long if too few shorts exist), and exclude
// any name whose preparation status is already COMPLETED. Playlists
// are assumed to arrive pre-ordered by the store's
// last_played ASC NULLS FIRST, priority DESC rule; that order is
// preserved within each group.
func Select(allowed []domain.Playlist, preparingStatus map[string]domain.NextPlaylistStatus, min, max int) []domain.Playlist {
	candidates := excludeCompleted(allowed, preparingStatus)

	var long, short []domain.Playlist
	for _, p := range candidates {
		if p.IsShort {
			short = append(short, p)
		} else {
			long = append(long, p)
		}
	}

	target := clamp(len(candidates), min, max)
	if target == 0 {
		return nil
	}

	minLong := 1
	if min-1 > minLong {
		minLong = min - 1
	}
	if minLong > len(long) {
		minLong = len(long)
	}

	selected := append([]domain.Playlist{}, long[:minLong]...)
	remainingLong := long[minLong:]

	needed := target - len(selected)
	if needed < 0 {
		needed = 0
	}
	if needed > len(short) {
		selected = append(selected, short...)
		needed -= len(short)
		if needed > len(remainingLong) {
			needed = len(remainingLong)
		}
		selected = append(selected, remainingLong[:needed]...)
	} else {
		selected = append(selected, short[:needed]...)
	}

	return selected
}

// SelectManual filters allowed by the given names, still excluding any
// name already marked COMPLETED in preparingStatus.
func SelectManual(allowed []domain.Playlist, names []string, preparingStatus map[string]domain.NextPlaylistStatus) []domain.Playlist {
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}

	var out []domain.Playlist
	for _, p := range excludeCompleted(allowed, preparingStatus) {
		if wanted[p.Name] {
			out = append(out, p)
		}
	}
	return out
}

func excludeCompleted(allowed []domain.Playlist, preparingStatus map[string]domain.NextPlaylistStatus) []domain.Playlist {
	var out []domain.Playlist
	for _, p := range allowed {
		if preparingStatus[p.Name] == domain.NextCompleted {
			continue
		}
		out = append(out, p)
	}
	return out
}

// clamp applies the usual [min, max] clamp to n, then re-clamps the
// result to n itself so the target never exceeds what's actually
// available — the "(clamped to available)" qualifier on the selector
// invariant in spec.md §8.
func clamp(n, min, max int) int {
	target := n
	if target < min {
		target = min
	}
	if target > max {
		target = max
	}
	if target > n {
		target = n
	}
	return target
}
