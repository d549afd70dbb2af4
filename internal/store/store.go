// Package store is the single-writer, multi-reader embedded store for
// playlists, videos, rotation sessions and the playback log. Every
// operation is one bbolt transaction: bbolt serialises all writers
// internally, which gives the re-entrant single-writer semantics this
// domain needs without a separate in-process mutex — a nested Update
// inside another Update/View callback simply cannot happen because no
// method ever calls another method from within a transaction.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ManuGH/rotatord/internal/domain"
	"github.com/ManuGH/rotatord/internal/log"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketPlaylists = []byte("b_playlists")
	bucketVideos    = []byte("b_videos")
	bucketSessions  = []byte("b_sessions")
	bucketPlayback  = []byte("b_playback_log")
	bucketMeta      = []byte("b_meta")
)

// ErrNotFound is returned when a lookup by id or name finds no row.
var ErrNotFound = errors.New("store: not found")

// Store is the embedded, transactional key-record store backing every
// domain entity except prepared rotations (which are folder-backed).
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the bbolt database at path and
// idempotently creates all buckets used by this package.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("store: path required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("store: create data dir: %w", err)
		}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketPlaylists, bucketVideos, bucketSessions, bucketPlayback, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: init buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

func itob(id int64) []byte {
	return []byte(fmt.Sprintf("%020d", id))
}

func stob(s string) []byte { return []byte(strings.ToLower(s)) }

// AddPlaylist inserts a playlist, or returns the existing id if the
// (case-insensitive) name is already present — idempotent by design.
func (s *Store) AddPlaylist(name, url string, enabled bool, priority int) (int64, error) {
	var id int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		names := tx.Bucket(bucketPlaylists)
		if existing := names.Get(stob(name)); existing != nil {
			var p domain.Playlist
			if err := json.Unmarshal(existing, &p); err != nil {
				return err
			}
			id = p.ID
			return nil
		}

		n, err := names.NextSequence()
		if err != nil {
			return err
		}
		id = int64(n)
		p := domain.Playlist{ID: id, Name: name, URL: url, Enabled: enabled, Priority: priority}
		val, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return names.Put(stob(name), val)
	})
	return id, err
}

// SyncPlaylists upserts the config document's playlists by
// (case-insensitive) name, preserving play history on existing rows.
// Running it twice with the same input converges to the same state.
func (s *Store) SyncPlaylists(entries []domain.Playlist) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPlaylists)
		for _, e := range entries {
			key := stob(e.Name)
			var p domain.Playlist
			if raw := b.Get(key); raw != nil {
				if err := json.Unmarshal(raw, &p); err != nil {
					return err
				}
			} else {
				n, err := b.NextSequence()
				if err != nil {
					return err
				}
				p.ID = int64(n)
				p.Name = e.Name
			}
			p.URL = e.URL
			p.Enabled = e.Enabled
			p.Priority = e.Priority
			p.IsShort = e.IsShort
			p.TwitchCategory = e.TwitchCategory
			p.KickCategory = e.KickCategory
			p.Category = e.Category
			val, err := json.Marshal(p)
			if err != nil {
				return err
			}
			if err := b.Put(key, val); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetEnabledPlaylists returns enabled playlists ordered by
// last_played ASC NULLS FIRST, priority DESC.
func (s *Store) GetEnabledPlaylists() ([]domain.Playlist, error) {
	var out []domain.Playlist
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPlaylists).ForEach(func(_, v []byte) error {
			var p domain.Playlist
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if p.Enabled {
				out = append(out, p)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		li, lj := out[i].LastPlayed, out[j].LastPlayed
		switch {
		case li == nil && lj == nil:
			return out[i].Priority > out[j].Priority
		case li == nil:
			return true
		case lj == nil:
			return false
		case !li.Equal(*lj):
			return li.Before(*lj)
		default:
			return out[i].Priority > out[j].Priority
		}
	})
	return out, nil
}

// MarkPlaylistsPlayed bumps play_count and sets last_played=now for the
// given playlist names, called when a rotation completes.
func (s *Store) MarkPlaylistsPlayed(names []string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPlaylists)
		for _, name := range names {
			key := stob(name)
			raw := b.Get(key)
			if raw == nil {
				continue
			}
			var p domain.Playlist
			if err := json.Unmarshal(raw, &p); err != nil {
				return err
			}
			p.PlayCount++
			t := at
			p.LastPlayed = &t
			val, err := json.Marshal(p)
			if err != nil {
				return err
			}
			if err := b.Put(key, val); err != nil {
				return err
			}
		}
		return nil
	})
}

// RegisterVideo inserts a video row; a (playlist, filename) pair that
// already exists is a no-op (idempotent against re-registration).
func (s *Store) RegisterVideo(v domain.Video) error {
	key := videoKey(v.PlaylistID, v.Filename)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVideos)
		if b.Get(key) != nil {
			return nil
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		v.ID = int64(seq)
		v.DownloadedAt = time.Now()
		val, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return b.Put(key, val)
	})
}

func videoKey(playlistID int64, filename string) []byte {
	return []byte(fmt.Sprintf("%020d/%s", playlistID, strings.ToLower(filename)))
}

// GetVideoByFilename looks up a video by its unprefixed filename across
// all playlists.
func (s *Store) GetVideoByFilename(filename string) (domain.Video, error) {
	filename = StripOrderingPrefix(filename)
	var found domain.Video
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVideos).ForEach(func(_, v []byte) error {
			var vid domain.Video
			if err := json.Unmarshal(v, &vid); err != nil {
				return err
			}
			if strings.EqualFold(vid.Filename, filename) {
				found = vid
			}
			return nil
		})
	})
	if err != nil {
		return domain.Video{}, err
	}
	if found.ID == 0 {
		return domain.Video{}, ErrNotFound
	}
	return found, nil
}

// StripOrderingPrefix removes a leading two-digit "NN_" ordering group
// from a filename, if present.
func StripOrderingPrefix(filename string) string {
	if len(filename) >= 3 && filename[2] == '_' {
		if filename[0] >= '0' && filename[0] <= '9' && filename[1] >= '0' && filename[1] <= '9' {
			return filename[3:]
		}
	}
	return filename
}

// CreateRotationSession clears is_current on any prior row then inserts
// a new current session, all inside one transaction.
func (s *Store) CreateRotationSession(playlistIDs []int64, title string, totalDurationSeconds float64) (*domain.RotationSession, error) {
	var created domain.RotationSession
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)

		cur := tx.Bucket(bucketMeta)
		if err := unsetCurrent(b); err != nil {
			return err
		}

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		sess := domain.RotationSession{
			ID:                   int64(seq),
			StartedAt:            time.Now(),
			PlaylistsSelected:    playlistIDs,
			StreamTitle:          title,
			TotalDurationSeconds: totalDurationSeconds,
			IsCurrent:            true,
			NextPlaylistsStatus:  map[string]domain.NextPlaylistStatus{},
		}
		if err := putSession(b, &sess); err != nil {
			return err
		}
		if err := cur.Put([]byte("current_session_id"), itob(sess.ID)); err != nil {
			return err
		}
		created = sess
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

func unsetCurrent(b *bolt.Bucket) error {
	return b.ForEach(func(k, v []byte) error {
		var sess domain.RotationSession
		if err := json.Unmarshal(v, &sess); err != nil {
			return err
		}
		if !sess.IsCurrent {
			return nil
		}
		sess.IsCurrent = false
		now := time.Now()
		sess.EndedAt = &now
		val, err := json.Marshal(sess)
		if err != nil {
			return err
		}
		return b.Put(k, val)
	})
}

func putSession(b *bolt.Bucket, sess *domain.RotationSession) error {
	val, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return b.Put(itob(sess.ID), val)
}

// GetCurrentSession returns the session with is_current=true, if any.
func (s *Store) GetCurrentSession() (*domain.RotationSession, error) {
	var found *domain.RotationSession
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(_, v []byte) error {
			var sess domain.RotationSession
			if err := json.Unmarshal(v, &sess); err != nil {
				return err
			}
			if sess.IsCurrent {
				s := sess
				found = &s
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// mutateSession loads, applies fn, and saves the session with id,
// inside one transaction.
func (s *Store) mutateSession(id int64, fn func(*domain.RotationSession) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		raw := b.Get(itob(id))
		if raw == nil {
			return ErrNotFound
		}
		var sess domain.RotationSession
		if err := json.Unmarshal(raw, &sess); err != nil {
			return err
		}
		if err := fn(&sess); err != nil {
			return err
		}
		return putSession(b, &sess)
	})
}

// SavePlaybackPosition records the playback cursor, called every tick.
func (s *Store) SavePlaybackPosition(sessionID int64, cursorMs int64, currentVideo string) error {
	return s.mutateSession(sessionID, func(sess *domain.RotationSession) error {
		sess.PlaybackCursorMs = cursorMs
		sess.PlaybackCurrentVideo = currentVideo
		return nil
	})
}

// SaveTempPlaybackState persists the temp-playback activation row.
func (s *Store) SaveTempPlaybackState(sessionID int64, playlist string, position int, folder string, cursorMs int64) error {
	return s.mutateSession(sessionID, func(sess *domain.RotationSession) error {
		sess.TempPlaybackActive = true
		sess.TempPlaybackPlaylist = playlist
		sess.TempPlaybackPosition = position
		sess.TempPlaybackFolder = folder
		sess.TempPlaybackCursorMs = cursorMs
		return nil
	})
}

// GetTempPlaybackState returns the current temp-playback fields.
func (s *Store) GetTempPlaybackState(sessionID int64) (active bool, playlist string, position int, folder string, cursorMs int64, err error) {
	sess, err := s.getSession(sessionID)
	if err != nil {
		return false, "", 0, "", 0, err
	}
	return sess.TempPlaybackActive, sess.TempPlaybackPlaylist, sess.TempPlaybackPosition, sess.TempPlaybackFolder, sess.TempPlaybackCursorMs, nil
}

// ClearTempPlaybackState resets temp-playback fields to their zero values.
func (s *Store) ClearTempPlaybackState(sessionID int64) error {
	return s.mutateSession(sessionID, func(sess *domain.RotationSession) error {
		sess.TempPlaybackActive = false
		sess.TempPlaybackPlaylist = ""
		sess.TempPlaybackPosition = 0
		sess.TempPlaybackFolder = ""
		sess.TempPlaybackCursorMs = 0
		return nil
	})
}

func (s *Store) getSession(id int64) (domain.RotationSession, error) {
	var sess domain.RotationSession
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketSessions).Get(itob(id))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &sess)
	})
	return sess, err
}

// SetCurrentPlaylists records the playlist names selected for a
// session's active rotation, used for ordering-prefix rename and
// dashboard display.
func (s *Store) SetCurrentPlaylists(sessionID int64, names []string) error {
	return s.mutateSession(sessionID, func(sess *domain.RotationSession) error {
		sess.CurrentPlaylists = names
		return nil
	})
}

// SetNextPlaylists records the names being prepared for the next
// rotation, all initially PENDING.
func (s *Store) SetNextPlaylists(sessionID int64, names []string) error {
	return s.mutateSession(sessionID, func(sess *domain.RotationSession) error {
		sess.NextPlaylists = names
		sess.NextPlaylistsStatus = make(map[string]domain.NextPlaylistStatus, len(names))
		for _, n := range names {
			sess.NextPlaylistsStatus[n] = domain.NextPending
		}
		return nil
	})
}

// CompleteNextPlaylist marks one next-playlist as COMPLETED.
func (s *Store) CompleteNextPlaylist(sessionID int64, name string) error {
	return s.mutateSession(sessionID, func(sess *domain.RotationSession) error {
		if sess.NextPlaylistsStatus == nil {
			sess.NextPlaylistsStatus = map[string]domain.NextPlaylistStatus{}
		}
		sess.NextPlaylistsStatus[name] = domain.NextCompleted
		return nil
	})
}

// ValidatePreparedPlaylistsExist cross-checks the next_playlists set
// against the videos table, confirming each expected playlist has at
// least one registered video whose file still exists in pendingFolder.
func (s *Store) ValidatePreparedPlaylistsExist(sessionID int64, pendingFolder string) (bool, error) {
	sess, err := s.getSession(sessionID)
	if err != nil {
		return false, err
	}

	filenamesByPlaylist := map[string][]string{}
	err = s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVideos).ForEach(func(_, v []byte) error {
			var vid domain.Video
			if err := json.Unmarshal(v, &vid); err != nil {
				return err
			}
			key := strings.ToLower(vid.PlaylistName)
			filenamesByPlaylist[key] = append(filenamesByPlaylist[key], vid.Filename)
			return nil
		})
	})
	if err != nil {
		return false, err
	}

	for _, name := range sess.NextPlaylists {
		found := false
		for _, filename := range filenamesByPlaylist[strings.ToLower(name)] {
			if _, err := os.Stat(filepath.Join(pendingFolder, filename)); err == nil {
				found = true
				break
			}
		}
		if !found {
			logger := log.WithComponent("store")
			logger.Warn().
				Str(log.FieldPlaylistName, name).
				Msg("no registered video file on disk for prepared playlist")
			return false, nil
		}
	}
	return true, nil
}

// LogPlayback appends a playback transition entry in its own
// transaction. Like every other method here it must not be called from
// inside another transaction's callback.
func (s *Store) LogPlayback(entry domain.PlaybackLogEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPlayback)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		entry.ID = int64(seq)
		entry.PlayedAt = time.Now()
		val, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put(itob(entry.ID), val)
	})
}
