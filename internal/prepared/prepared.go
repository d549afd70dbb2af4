// Package prepared implements user-curated Prepared Rotations: a
// folder-backed, independent content set with its own lifecycle and
// optional one-shot schedule, distinct from the automatic rotation
// cycle — spec.md §3/§6/§9.
package prepared

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ManuGH/rotatord/internal/domain"
	"github.com/ManuGH/rotatord/internal/download"
	"github.com/ManuGH/rotatord/internal/fsutil"
	"github.com/ManuGH/rotatord/internal/log"
)

const metadataFileName = "metadata.json"

var (
	// ErrInvalidSlug is returned for any slug containing a path
	// separator, NUL byte, or leading dot, per spec.md's path-traversal
	// hardening requirement.
	ErrInvalidSlug = fmt.Errorf("prepared: invalid slug")
	// ErrNotFound is returned when a slug has no metadata.json.
	ErrNotFound = fmt.Errorf("prepared: rotation not found")
	// ErrWrongStatus is returned when an operation's required status
	// transition isn't satisfied by the rotation's current status.
	ErrWrongStatus = fmt.Errorf("prepared: rotation is not in the required status")
)

// ValidateSlug rejects any slug that could escape the prepared-base
// directory: path separators, NUL bytes, and leading dots are all
// refused outright.
func ValidateSlug(slug string) error {
	if slug == "" {
		return ErrInvalidSlug
	}
	if strings.ContainsAny(slug, "/\\\x00") {
		return ErrInvalidSlug
	}
	if strings.HasPrefix(slug, ".") {
		return ErrInvalidSlug
	}
	if slug == ".." {
		return ErrInvalidSlug
	}
	return nil
}

// Downloader is the subset of internal/download.Worker this package
// needs to kick off a prepared rotation's playlist downloads.
type Downloader interface {
	Enqueue(sessionKey string, job download.Job)
	DrainPendingComplete(sessionKey string) []string
}

// Manager owns the prepared-base directory and the cron-driven
// one-shot scheduling of execution times.
type Manager struct {
	baseDir    string
	downloader Downloader

	mu      sync.Mutex
	cronSvc *cron.Cron
	entries map[string]cron.EntryID
}

// New creates a prepared-rotation manager rooted at baseDir (the
// content/prepared/ directory).
func New(baseDir string, downloader Downloader) *Manager {
	return &Manager{
		baseDir:    baseDir,
		downloader: downloader,
		cronSvc:    cron.New(),
		entries:    make(map[string]cron.EntryID),
	}
}

// Start begins the underlying cron scheduler so any already-scheduled
// rotations loaded from disk can fire.
func (m *Manager) Start() { m.cronSvc.Start() }

// Stop halts the cron scheduler.
func (m *Manager) Stop() { m.cronSvc.Stop() }

// FolderFor returns the on-disk folder a prepared rotation's content
// lives in, for callers (the orchestrator's execute step) that need
// to read its downloaded files directly.
func (m *Manager) FolderFor(slug string) (string, error) {
	return m.folderFor(slug)
}

func (m *Manager) folderFor(slug string) (string, error) {
	if err := ValidateSlug(slug); err != nil {
		return "", err
	}
	target := filepath.Join(m.baseDir, slug)
	confined, err := fsutil.ConfineAbsPath(m.baseDir, target)
	if err != nil {
		// The folder may not exist yet (Create case); ConfineAbsPath
		// still resolves the parent, so only a genuine escape attempt
		// reaches here as an error once baseDir itself exists.
		if os.IsNotExist(err) {
			return target, nil
		}
		return "", err
	}
	return confined, nil
}

// Create lays down a new prepared rotation folder with status=created.
func (m *Manager) Create(slug, title string, playlists []string) (*domain.PreparedRotation, error) {
	folder, err := m.folderFor(slug)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(filepath.Join(folder, metadataFileName)); err == nil {
		return nil, fmt.Errorf("prepared: slug %q already exists", slug)
	}
	if err := os.MkdirAll(folder, 0o750); err != nil {
		return nil, fmt.Errorf("prepared: create folder: %w", err)
	}

	pr := &domain.PreparedRotation{
		Slug:      slug,
		Title:     title,
		Playlists: playlists,
		Status:    domain.PreparedCreated,
		CreatedAt: time.Now(),
	}
	if err := m.save(pr); err != nil {
		return nil, err
	}
	return pr, nil
}

// Load reads one prepared rotation's metadata.json.
func (m *Manager) Load(slug string) (*domain.PreparedRotation, error) {
	folder, err := m.folderFor(slug)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(filepath.Join(folder, metadataFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var pr domain.PreparedRotation
	if err := json.Unmarshal(raw, &pr); err != nil {
		return nil, fmt.Errorf("prepared: corrupt metadata for %q: %w", slug, err)
	}
	pr.Slug = slug
	return &pr, nil
}

func (m *Manager) save(pr *domain.PreparedRotation) error {
	folder, err := m.folderFor(pr.Slug)
	if err != nil {
		return err
	}
	raw, err := json.MarshalIndent(pr, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(folder, metadataFileName), raw, 0o640)
}

// List enumerates every prepared rotation under the base directory,
// sorted by slug.
func (m *Manager) List() ([]*domain.PreparedRotation, error) {
	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []*domain.PreparedRotation
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pr, err := m.Load(e.Name())
		if err != nil {
			if err == ErrNotFound {
				continue
			}
			return nil, err
		}
		out = append(out, pr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

// StartDownload transitions created -> downloading and enqueues every
// playlist's download, keyed by "prepared:<slug>" so the orchestrator
// can drain this rotation's completions independently of the live
// session's own downloads.
func (m *Manager) StartDownload(ctx context.Context, slug string, urlOf func(playlistName string) string) error {
	pr, err := m.Load(slug)
	if err != nil {
		return err
	}
	if pr.Status != domain.PreparedCreated {
		return ErrWrongStatus
	}

	folder, err := m.folderFor(slug)
	if err != nil {
		return err
	}

	pr.Status = domain.PreparedDownloading
	if err := m.save(pr); err != nil {
		return err
	}

	sessionKey := sessionKeyFor(slug)
	for _, name := range pr.Playlists {
		m.downloader.Enqueue(sessionKey, download.Job{
			PlaylistName: name,
			URL:          urlOf(name),
			Folder:       folder,
		})
	}
	return nil
}

// PollDownload drains this rotation's completion queue (video
// registrations are drained by the orchestrator's tick loop). When a
// poll drains at least one completion and the folder holds at least
// as many video files as the rotation has playlists, the rotation
// moves to ready with video_count set from that file count. Which
// playlists have completed is not tracked across polls.
func (m *Manager) PollDownload(slug string) (*domain.PreparedRotation, error) {
	pr, err := m.Load(slug)
	if err != nil {
		return nil, err
	}
	if pr.Status != domain.PreparedDownloading {
		return pr, nil
	}

	sessionKey := sessionKeyFor(slug)
	completed := m.downloader.DrainPendingComplete(sessionKey)
	if len(completed) == 0 {
		return pr, nil
	}

	folder, err := m.folderFor(slug)
	if err != nil {
		return nil, err
	}
	count, err := countVideoFiles(folder)
	if err != nil {
		return nil, err
	}
	pr.VideoCount = count

	if count >= len(pr.Playlists) {
		pr.Status = domain.PreparedReady
		readyLogger := log.WithComponent("prepared")
		readyLogger.Info().Str("slug", slug).Int("video_count", count).Msg("prepared rotation ready")
	}
	if err := m.save(pr); err != nil {
		return nil, err
	}
	return pr, nil
}

// Schedule sets scheduled_at and registers a one-shot cron entry that
// invokes executeFn at that time, per spec.md §6's
// schedule_prepared_rotation command.
func (m *Manager) Schedule(slug string, at time.Time, executeFn func(slug string)) error {
	pr, err := m.Load(slug)
	if err != nil {
		return err
	}
	if pr.Status != domain.PreparedReady {
		return ErrWrongStatus
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	spec := oneShotCronSpec(at)
	var entryID cron.EntryID
	entryID, err = m.cronSvc.AddFunc(spec, func() {
		executeFn(slug)
		m.mu.Lock()
		m.cronSvc.Remove(entryID)
		delete(m.entries, slug)
		m.mu.Unlock()
	})
	if err != nil {
		return fmt.Errorf("prepared: schedule %q: %w", slug, err)
	}
	m.entries[slug] = entryID

	pr.Status = domain.PreparedScheduled
	pr.ScheduledAt = &at
	return m.save(pr)
}

// Cancel reverts a scheduled rotation to ready and removes its cron
// entry, per spec.md §6's cancel_prepared_rotation command.
func (m *Manager) Cancel(slug string) error {
	pr, err := m.Load(slug)
	if err != nil {
		return err
	}
	if pr.Status != domain.PreparedScheduled {
		return ErrWrongStatus
	}

	m.mu.Lock()
	if entryID, ok := m.entries[slug]; ok {
		m.cronSvc.Remove(entryID)
		delete(m.entries, slug)
	}
	m.mu.Unlock()

	pr.Status = domain.PreparedReady
	pr.ScheduledAt = nil
	return m.save(pr)
}

// BeginExecuting marks a rotation executing; the Orchestrator calls
// this immediately before switching content over to it.
func (m *Manager) BeginExecuting(slug string) error {
	pr, err := m.Load(slug)
	if err != nil {
		return err
	}
	if pr.Status != domain.PreparedReady && pr.Status != domain.PreparedScheduled {
		return ErrWrongStatus
	}
	pr.Status = domain.PreparedExecuting
	return m.save(pr)
}

// FinishExecuting marks a rotation completed after the Orchestrator
// has finished the content switch onto it.
func (m *Manager) FinishExecuting(slug string) error {
	pr, err := m.Load(slug)
	if err != nil {
		return err
	}
	if pr.Status != domain.PreparedExecuting {
		return ErrWrongStatus
	}
	pr.Status = domain.PreparedCompleted
	return m.save(pr)
}

// Delete removes a prepared rotation's folder entirely and cancels
// any pending schedule. Per spec.md §9's "downloading -> created"
// dashboard reset, the caller should not call Delete on an actively
// downloading rotation without first erasing partial files.
func (m *Manager) Delete(slug string) error {
	folder, err := m.folderFor(slug)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if entryID, ok := m.entries[slug]; ok {
		m.cronSvc.Remove(entryID)
		delete(m.entries, slug)
	}
	m.mu.Unlock()

	if err := os.RemoveAll(folder); err != nil {
		return fmt.Errorf("prepared: delete %q: %w", slug, err)
	}
	return nil
}

// ClearCompleted deletes every rotation whose status is completed,
// per spec.md §6's clear_completed_prepared command, returning the
// slugs removed.
func (m *Manager) ClearCompleted() ([]string, error) {
	all, err := m.List()
	if err != nil {
		return nil, err
	}
	var cleared []string
	for _, pr := range all {
		if pr.Status != domain.PreparedCompleted {
			continue
		}
		if err := m.Delete(pr.Slug); err != nil {
			return cleared, err
		}
		cleared = append(cleared, pr.Slug)
	}
	return cleared, nil
}

// ResetStaleExecuting force-resets any rotation stuck in executing
// back to ready, per spec.md §3: "On startup any executing entry is
// force-reset to ready (stale from crash)."
func (m *Manager) ResetStaleExecuting() (int, error) {
	all, err := m.List()
	if err != nil {
		return 0, err
	}
	reset := 0
	for _, pr := range all {
		if pr.Status != domain.PreparedExecuting {
			continue
		}
		pr.Status = domain.PreparedReady
		if err := m.save(pr); err != nil {
			return reset, err
		}
		reset++
		resetLogger := log.WithComponent("prepared")
		resetLogger.Warn().Str("slug", pr.Slug).Msg("reset stale executing rotation to ready after crash")
	}
	return reset, nil
}

func sessionKeyFor(slug string) string { return "prepared:" + slug }

// oneShotCronSpec builds a 5-field cron expression matching the given
// minute/hour/day/month on any day-of-week; Schedule removes the entry
// after its first run, so it fires once.
func oneShotCronSpec(at time.Time) string {
	return fmt.Sprintf("%d %d %d %d *", at.Minute(), at.Hour(), at.Day(), int(at.Month()))
}

func countVideoFiles(folder string) (int, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	count := 0
	for _, e := range entries {
		if e.IsDir() || e.Name() == metadataFileName {
			continue
		}
		count++
	}
	return count, nil
}
