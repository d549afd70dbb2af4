// Package domain defines the entities shared by the store, selector,
// rotation manager and content-switch handler.
package domain

import "time"

// NextPlaylistStatus is the preparation state of one playlist inside a
// session's next_playlists set.
type NextPlaylistStatus string

const (
	NextPending   NextPlaylistStatus = "PENDING"
	NextCompleted NextPlaylistStatus = "COMPLETED"
)

// PreparedStatus is the lifecycle of a folder-backed prepared rotation.
type PreparedStatus string

const (
	PreparedCreated     PreparedStatus = "created"
	PreparedDownloading PreparedStatus = "downloading"
	PreparedReady       PreparedStatus = "ready"
	PreparedScheduled   PreparedStatus = "scheduled"
	PreparedExecuting   PreparedStatus = "executing"
	PreparedCompleted   PreparedStatus = "completed"
)

// Playlist is a named remote content source.
type Playlist struct {
	ID             int64
	Name           string
	URL            string
	Enabled        bool
	Priority       int
	IsShort        bool
	TwitchCategory string
	KickCategory   string
	Category       string
	LastPlayed     *time.Time
	PlayCount      int64
}

// Video is a single downloaded file tied to a playlist.
type Video struct {
	ID              int64
	PlaylistID      int64
	PlaylistName    string
	Filename        string // unprefixed
	Title           string
	DurationSeconds float64
	FileSizeMB      float64
	DownloadedAt    time.Time
}

// RotationSession is one cycle of selected playlists played together.
type RotationSession struct {
	ID                   int64
	StartedAt            time.Time
	EndedAt              *time.Time
	PlaylistsSelected    []int64
	StreamTitle          string
	TotalDurationSeconds float64
	IsCurrent            bool

	CurrentPlaylists    []string
	NextPlaylists       []string
	NextPlaylistsStatus map[string]NextPlaylistStatus

	TempPlaybackActive   bool
	TempPlaybackPlaylist string
	TempPlaybackPosition int
	TempPlaybackFolder   string
	TempPlaybackCursorMs int64

	PlaybackCursorMs     int64
	PlaybackCurrentVideo string
}

// AllNextPlaylistsCompleted reports whether every tracked next-playlist
// has reached the COMPLETED status. An empty set is not "all completed".
func (s *RotationSession) AllNextPlaylistsCompleted() bool {
	if len(s.NextPlaylistsStatus) == 0 {
		return false
	}
	for _, st := range s.NextPlaylistsStatus {
		if st != NextCompleted {
			return false
		}
	}
	return true
}

// AnyNextPlaylistPending reports whether at least one next-playlist is
// still being prepared.
func (s *RotationSession) AnyNextPlaylistPending() bool {
	for _, st := range s.NextPlaylistsStatus {
		if st == NextPending {
			return true
		}
	}
	return false
}

// PlaybackLogEntry is an append-only record of a detected transition.
type PlaybackLogEntry struct {
	ID            int64
	VideoID       *int64
	SessionID     *int64
	VideoFilename string
	PlaylistName  string
	PlayedAt      time.Time
}

// ManualOverride is the file-backed override document consumed once by
// the orchestrator and cleared atomically.
type ManualOverride struct {
	OverrideActive    bool     `json:"override_active"`
	SelectedPlaylists []string `json:"selected_playlists"`
	TriggerNow        bool     `json:"trigger_now"`
}

// IsEmpty reports whether the override carries no actionable state.
func (m ManualOverride) IsEmpty() bool {
	return !m.OverrideActive && len(m.SelectedPlaylists) == 0 && !m.TriggerNow
}

// PreparedRotation is a folder-backed, user-curated rotation.
type PreparedRotation struct {
	Slug        string         `json:"-"`
	Title       string         `json:"title"`
	Playlists   []string       `json:"playlists"`
	Status      PreparedStatus `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	ScheduledAt *time.Time     `json:"scheduled_at,omitempty"`
	VideoCount  int            `json:"video_count"`
	IsFallback  bool           `json:"is_fallback"`
}
