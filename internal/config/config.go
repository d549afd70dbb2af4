// Package config owns the two on-disk documents the orchestrator reads
// every tick: the playlists/settings document and the manual-override
// document. Both hot-reload on file change via fsnotify, the way
// ManuGH/xg2g's ConfigHolder does it, but exposed here as the
// poll-friendly has_*_changed probes the orchestrator's tick loop wants.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ManuGH/rotatord/internal/domain"
	"github.com/ManuGH/rotatord/internal/log"
	"github.com/fsnotify/fsnotify"
)

// ErrInvalidConfig is wrapped with details when the playlists/settings
// document fails validation.
var ErrInvalidConfig = errors.New("config: invalid document")

// PlaylistEntry is one entry of the playlists.json "playlists" array.
type PlaylistEntry struct {
	Name           string `json:"name"`
	URL            string `json:"url"`
	Enabled        *bool  `json:"enabled,omitempty"`
	Priority       *int   `json:"priority,omitempty"`
	TwitchCategory string `json:"twitch_category,omitempty"`
	KickCategory   string `json:"kick_category,omitempty"`
	Category       string `json:"category,omitempty"`
	IsShort        *bool  `json:"is_short,omitempty"`
}

// Settings is the known-keys table from settings.json; unknown keys are
// ignored on read, and writes from the dashboard are allow-listed to
// exactly these fields.
type Settings struct {
	RotationHours            float64 `json:"rotation_hours"`
	VideoFolder              string  `json:"video_folder"`
	NextRotationFolder       string  `json:"next_rotation_folder"`
	MinPlaylistsPerRotation  int     `json:"min_playlists_per_rotation"`
	MaxPlaylistsPerRotation  int     `json:"max_playlists_per_rotation"`
	DownloadRetryAttempts    int     `json:"download_retry_attempts"`
	StreamTitleTemplate      string  `json:"stream_title_template"`
	IgnoreStreamer           bool    `json:"ignore_streamer"`
	NotifyVideoTransitions   bool    `json:"notify_video_transitions"`
	LiveCheckIntervalSeconds int     `json:"live_check_interval_seconds"`
	YtDlpUseCookies          bool    `json:"yt_dlp_use_cookies"`
	YtDlpBrowserForCookies   string  `json:"yt_dlp_browser_for_cookies"`
	YtDlpVerbose             bool    `json:"yt_dlp_verbose"`
}

// Document is the full playlists.json shape.
type Document struct {
	Playlists []PlaylistEntry `json:"playlists"`
	Settings  Settings        `json:"settings"`
}

func defaultDocument() Document {
	return Document{
		Playlists: []PlaylistEntry{},
		Settings: Settings{
			RotationHours:            6,
			VideoFolder:              "content/live",
			NextRotationFolder:       "content/pending",
			MinPlaylistsPerRotation:  2,
			MaxPlaylistsPerRotation:  4,
			DownloadRetryAttempts:    3,
			StreamTitleTemplate:      "24/7 Rotation | {GAMES}",
			LiveCheckIntervalSeconds: 60,
		},
	}
}

func defaultOverride() domain.ManualOverride {
	return domain.ManualOverride{}
}

// Validate enforces the required-keys rule from the external interface
// spec: entries missing name/url are rejected, and settings missing
// rotation_hours, video_folder, or next_rotation_folder are rejected.
func Validate(raw []byte) (Document, error) {
	var probe struct {
		Playlists []map[string]json.RawMessage `json:"playlists"`
		Settings  map[string]json.RawMessage   `json:"settings"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	for i, p := range probe.Playlists {
		if _, ok := p["name"]; !ok {
			return Document{}, fmt.Errorf("%w: playlist[%d] missing name", ErrInvalidConfig, i)
		}
		if _, ok := p["url"]; !ok {
			return Document{}, fmt.Errorf("%w: playlist[%d] missing url", ErrInvalidConfig, i)
		}
	}
	for _, required := range []string{"rotation_hours", "video_folder", "next_rotation_folder"} {
		if _, ok := probe.Settings[required]; !ok {
			return Document{}, fmt.Errorf("%w: settings missing %q", ErrInvalidConfig, required)
		}
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return doc, nil
}

// Snapshot is the immutable, atomically-swapped view of both documents.
type Snapshot struct {
	Document Document
	Override domain.ManualOverride
}

// Provider owns the playlists/settings document and the manual-override
// document, hot-reloading both on file change.
type Provider struct {
	playlistsPath string
	overridePath  string

	snapshot atomic.Pointer[Snapshot]

	mu                sync.Mutex
	lastConfigMtime   time.Time
	lastOverrideMtime time.Time
	configChanged     bool
	overrideChanged   bool

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewProvider loads (creating with defaults if absent) both documents
// and starts an fsnotify watcher over their containing directories.
func NewProvider(playlistsPath, overridePath string) (*Provider, error) {
	p := &Provider{
		playlistsPath: playlistsPath,
		overridePath:  overridePath,
		done:          make(chan struct{}),
	}

	if err := ensureDefaultFile(playlistsPath, defaultDocument()); err != nil {
		return nil, err
	}
	if err := ensureDefaultFile(overridePath, defaultOverride()); err != nil {
		return nil, err
	}

	if err := p.reloadConfigLocked(); err != nil {
		return nil, err
	}
	if err := p.reloadOverrideLocked(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	for _, dir := range uniqueDirs(playlistsPath, overridePath) {
		if err := watcher.Add(dir); err != nil {
			logger := log.WithComponent("config")
			logger.Warn().Err(err).Str(log.FieldPath, dir).Msg("watch directory failed")
		}
	}
	p.watcher = watcher
	go p.watchLoop()

	return p, nil
}

func uniqueDirs(paths ...string) []string {
	seen := map[string]bool{}
	var out []string
	for _, p := range paths {
		d := filepath.Dir(p)
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	return out
}

func ensureDefaultFile(path string, v any) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	val, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, val, 0o640)
}

func (p *Provider) watchLoop() {
	logger := log.WithComponent("config")
	for {
		select {
		case <-p.done:
			return
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			switch filepath.Clean(ev.Name) {
			case filepath.Clean(p.playlistsPath):
				if err := p.ReloadConfig(); err != nil {
					logger.Warn().Err(err).Msg("config reload failed, keeping last-good values")
				}
			case filepath.Clean(p.overridePath):
				p.mu.Lock()
				if err := p.reloadOverrideLocked(); err != nil {
					logger.Warn().Err(err).Msg("override reload failed")
				}
				p.mu.Unlock()
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn().Err(err).Msg("config watcher error")
		}
	}
}

// Close stops the watcher goroutine.
func (p *Provider) Close() error {
	close(p.done)
	if p.watcher != nil {
		return p.watcher.Close()
	}
	return nil
}

// Current returns the active immutable snapshot.
func (p *Provider) Current() Snapshot {
	return *p.snapshot.Load()
}

func (p *Provider) swap(mutate func(*Snapshot)) {
	cur := p.snapshot.Load()
	var next Snapshot
	if cur != nil {
		next = *cur
	}
	mutate(&next)
	p.snapshot.Store(&next)
}

// ReloadConfig re-reads and validates the playlists/settings document,
// swapping the snapshot on success. On failure it returns the error
// (logging is left to the caller) and keeps serving the last-good
// values.
func (p *Provider) ReloadConfig() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reloadConfigLocked()
}

func (p *Provider) reloadConfigLocked() error {
	raw, err := os.ReadFile(p.playlistsPath)
	if err != nil {
		return fmt.Errorf("config: read playlists document: %w", err)
	}
	doc, err := Validate(raw)
	if err != nil {
		return err
	}
	p.swap(func(s *Snapshot) { s.Document = doc })
	if info, err := os.Stat(p.playlistsPath); err == nil {
		p.lastConfigMtime = info.ModTime()
	}
	p.configChanged = true
	return nil
}

func (p *Provider) reloadOverrideLocked() error {
	raw, err := os.ReadFile(p.overridePath)
	if err != nil {
		return fmt.Errorf("config: read override document: %w", err)
	}
	var ov domain.ManualOverride
	if err := json.Unmarshal(raw, &ov); err != nil {
		return fmt.Errorf("config: parse override document: %w", err)
	}
	p.swap(func(s *Snapshot) { s.Override = ov })
	if info, err := os.Stat(p.overridePath); err == nil {
		p.lastOverrideMtime = info.ModTime()
	}
	p.overrideChanged = true
	return nil
}

// HasConfigChanged reports and consumes a pending playlists/settings
// change: it returns true exactly once per change, comparing the file
// mtime against the last observed value.
func (p *Provider) HasConfigChanged() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, err := os.Stat(p.playlistsPath)
	if err != nil {
		return false
	}
	changed := p.configChanged || info.ModTime().After(p.lastConfigMtime)
	if changed {
		p.configChanged = false
		p.lastConfigMtime = info.ModTime()
	}
	return changed
}

// HasOverrideChanged is the override-document equivalent of
// HasConfigChanged.
func (p *Provider) HasOverrideChanged() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, err := os.Stat(p.overridePath)
	if err != nil {
		return false
	}
	changed := p.overrideChanged || info.ModTime().After(p.lastOverrideMtime)
	if changed {
		p.overrideChanged = false
		p.lastOverrideMtime = info.ModTime()
	}
	return changed
}

// ReadAndClearOverride atomically consumes the override document when
// it is active and trigger_now is set, rewriting the file with all
// three fields zeroed.
func (p *Provider) ReadAndClearOverride() (domain.ManualOverride, error) {
	cur := p.Current().Override
	if !(cur.OverrideActive && cur.TriggerNow) {
		return domain.ManualOverride{}, nil
	}

	cleared := domain.ManualOverride{}
	val, err := json.MarshalIndent(cleared, "", "  ")
	if err != nil {
		return domain.ManualOverride{}, err
	}
	if err := os.WriteFile(p.overridePath, val, 0o640); err != nil {
		return domain.ManualOverride{}, fmt.Errorf("config: clear override: %w", err)
	}
	p.swap(func(s *Snapshot) { s.Override = cleared })
	return cur, nil
}

// StreamTitle applies the configured template, substituting the
// literal "{GAMES}" token with the uppercased, pipe-joined playlist
// names.
func StreamTitle(template string, playlistNames []string) string {
	upper := make([]string, len(playlistNames))
	for i, n := range playlistNames {
		upper[i] = strings.ToUpper(n)
	}
	games := strings.Join(upper, " | ")
	return strings.ReplaceAll(template, "{GAMES}", games)
}
