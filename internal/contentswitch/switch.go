// Package contentswitch performs the atomic folder swap, compositor
// reconfiguration, and title/category push that moves a freshly
// downloaded rotation from the pending folder onto the live media
// input — spec.md §4.7.
package contentswitch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ManuGH/rotatord/internal/compositor"
	"github.com/ManuGH/rotatord/internal/log"
	"github.com/ManuGH/rotatord/internal/platform"
	"github.com/ManuGH/rotatord/internal/store"
)

// archiveFileName is excluded from the pending → live move and removed
// afterwards rather than relocated.
const archiveFileName = "archive.txt"

const maxTitleLength = 140

// defaultReleaseGracePeriod is the pause between releasing the media
// input's file handles and wiping live/, giving the OS time to drop
// locks.
const defaultReleaseGracePeriod = 3 * time.Second

// CategoryResolver answers "what category does this video/playlist
// belong to", letting the handler stay agnostic of the store.
type CategoryResolver func(firstVideoFilename, firstPlaylistName string) string

// Handler owns the filesystem/compositor/platform side effects of one
// content switch.
type Handler struct {
	client      *compositor.Client
	platforms   *platform.Manager
	liveDir     string
	pendingDir  string
	backupDir   string
	pauseScene  string
	streamScene string
	resolveCat  CategoryResolver

	releaseGracePeriod time.Duration
}

// New creates a content-switch handler bound to the given folders,
// scene names, and collaborators.
func New(client *compositor.Client, platforms *platform.Manager, liveDir, pendingDir, backupDir, pauseScene, streamScene string, resolveCat CategoryResolver) *Handler {
	return &Handler{
		client:             client,
		platforms:          platforms,
		liveDir:            liveDir,
		pendingDir:         pendingDir,
		backupDir:          backupDir,
		pauseScene:         pauseScene,
		streamScene:        streamScene,
		resolveCat:         resolveCat,
		releaseGracePeriod: defaultReleaseGracePeriod,
	}
}

// SetReleaseGracePeriod overrides the default pause between releasing
// the media input and wiping live/; tests shorten it to avoid real
// sleeps.
func (h *Handler) SetReleaseGracePeriod(d time.Duration) { h.releaseGracePeriod = d }

// SwitchInput is everything the handler needs beyond the fixed folder
// layout to execute one normal rotation switch.
type SwitchInput struct {
	StreamTitleTemplate string
	FirstPlaylistName   string
	StreamerLive        bool
}

// ExecuteSwitch runs the full atomic swap protocol described in
// spec.md §4.7: pause the scene, release the media input, wipe live/,
// move pending/* into live/ under their existing names, reconfigure the
// media input, switch scene, and push the updated title/category.
// Ordering prefixes are not applied here; RenameWithOrderingPrefix is a
// separate step.
func (h *Handler) ExecuteSwitch(ctx context.Context, in SwitchInput) error {
	logger := log.WithComponent("content_switch")

	transitionScene := h.pauseScene
	if err := h.client.SetCurrentProgramScene(ctx, transitionScene); err != nil {
		logger.Warn().Err(err).Msg("failed to switch to transition scene")
	}
	if err := h.client.SetInputSettings(ctx, compositor.MediaInputSettings{Loop: true, Shuffle: false, Playlist: nil}); err != nil {
		logger.Warn().Err(err).Msg("failed to release media input before wipe")
	}

	time.Sleep(h.releaseGracePeriod)

	if err := wipeDir(h.liveDir); err != nil {
		return fmt.Errorf("content_switch: wipe live: %w", err)
	}

	files, err := movePendingIntoLive(h.pendingDir, h.liveDir)
	if err != nil {
		return fmt.Errorf("content_switch: move pending into live: %w", err)
	}

	if err := h.client.SetInputSettings(ctx, compositor.MediaInputSettings{
		Loop:     true,
		Shuffle:  false,
		Playlist: files,
	}); err != nil {
		logger.Warn().Err(err).Msg("failed to reconfigure media input with new content")
	}

	targetScene := h.streamScene
	if in.StreamerLive {
		targetScene = h.pauseScene
	}
	if err := h.client.SetCurrentProgramScene(ctx, targetScene); err != nil {
		logger.Warn().Err(err).Msg("failed to switch to target scene")
	}

	var category string
	if h.resolveCat != nil {
		firstVideo := ""
		if len(files) > 0 {
			firstVideo = store.StripOrderingPrefix(filepath.Base(files[0]))
		}
		category = h.resolveCat(firstVideo, in.FirstPlaylistName)
	}

	title := TruncateTitle(in.StreamTitleTemplate, maxTitleLength)
	if h.platforms != nil {
		h.platforms.UpdateStreamInfo(ctx, title, category)
	}

	return nil
}

// AddOverrideContent copies pending/ into live/ without wiping it
// first, preserving the original content underneath — the "override
// resumption" variant of spec.md §4.7.
func (h *Handler) AddOverrideContent() error {
	_, err := movePendingIntoLive(h.pendingDir, h.liveDir)
	return err
}

// BackupCurrentContent moves live/ into the configured backup folder
// ahead of an "override switch", returning whether the backup
// succeeded (the caller keeps this result so that it only calls
// RestoreAfterOverride when there is something to restore).
func (h *Handler) BackupCurrentContent() bool {
	if err := wipeDir(h.backupDir); err != nil {
		return false
	}
	entries, err := os.ReadDir(h.liveDir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		src := filepath.Join(h.liveDir, e.Name())
		dst := filepath.Join(h.backupDir, e.Name())
		if err := os.Rename(src, dst); err != nil {
			return false
		}
	}
	return true
}

// RestoreAfterOverride moves the backed-up content back into live/.
// Callers must only invoke this when BackupCurrentContent previously
// reported success.
func (h *Handler) RestoreAfterOverride() error {
	if err := wipeDir(h.liveDir); err != nil {
		return err
	}
	entries, err := os.ReadDir(h.backupDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		src := filepath.Join(h.backupDir, e.Name())
		dst := filepath.Join(h.liveDir, e.Name())
		if err := os.Rename(src, dst); err != nil {
			return err
		}
	}
	return nil
}

// TruncateTitle shortens title to at most max characters by dropping
// trailing "| PLAYLIST" segments one at a time, preserving the
// template prefix before the first "|", and appends a trailing " | "
// if room remains — spec.md §4.7.
func TruncateTitle(title string, max int) string {
	if len(title) <= max {
		return title
	}

	parts := strings.Split(title, "|")
	if len(parts) <= 1 {
		return title[:max]
	}

	prefix := parts[0]
	segments := parts[1:]

	for len(segments) > 0 {
		candidate := prefix
		for _, s := range segments {
			candidate += "|" + s
		}
		if len(candidate) <= max {
			trimmed := strings.TrimRight(candidate, " ")
			if len(trimmed)+3 <= max {
				return trimmed + " | "
			}
			return candidate
		}
		segments = segments[:len(segments)-1]
	}

	trimmed := strings.TrimRight(prefix, " ")
	if len(trimmed)+3 <= max {
		return trimmed + " | "
	}
	if len(trimmed) > max {
		return trimmed[:max]
	}
	return trimmed
}

func wipeDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(dir, 0o755)
		}
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// movePendingIntoLive relocates every file from pending (excluding
// archiveFileName, which is removed instead) into live, returning the
// moved filenames sorted alphabetically.
func movePendingIntoLive(pendingDir, liveDir string) ([]string, error) {
	entries, err := os.ReadDir(pendingDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if err := os.MkdirAll(liveDir, 0o755); err != nil {
		return nil, err
	}

	var moved []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if e.Name() == archiveFileName {
			_ = os.Remove(filepath.Join(pendingDir, e.Name()))
			continue
		}
		src := filepath.Join(pendingDir, e.Name())
		dst := filepath.Join(liveDir, e.Name())
		if err := os.Rename(src, dst); err != nil {
			return nil, err
		}
		moved = append(moved, dst)
	}
	sort.Strings(moved)
	return moved, nil
}

// RenameWithOrderingPrefix prefixes every file in dir belonging to
// playlistOf[filename] with a two-digit index (1-based) reflecting
// that playlist's position in selectedOrder, forcing alphabetical
// grouping by playlist — spec.md §4.9 step 4.
func RenameWithOrderingPrefix(dir string, selectedOrder []string, playlistOf func(filename string) string) error {
	order := make(map[string]int, len(selectedOrder))
	for i, name := range selectedOrder {
		order[name] = i + 1
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		base := store.StripOrderingPrefix(name)
		playlistName := playlistOf(base)
		idx, ok := order[playlistName]
		if !ok {
			continue
		}
		newName := fmt.Sprintf("%02d_%s", idx, base)
		if newName == name {
			continue
		}
		if err := os.Rename(filepath.Join(dir, name), filepath.Join(dir, newName)); err != nil {
			return err
		}
	}
	return nil
}
