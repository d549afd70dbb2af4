// Package ytdlp shells out to yt-dlp and ffprobe to implement
// internal/download.Runner — the actual playlist download and
// duration-probe step behind spec.md §4.6. No Go wrapper for either
// tool appears anywhere in the example pack, so this follows the same
// os/exec approach internal/orchestrator already uses for compositor
// process recovery.
package ytdlp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ManuGH/rotatord/internal/domain"
	"github.com/ManuGH/rotatord/internal/download"
	"github.com/ManuGH/rotatord/internal/log"
)

var videoExtensions = map[string]bool{
	".mp4":  true,
	".mkv":  true,
	".avi":  true,
	".webm": true,
	".flv":  true,
	".mov":  true,
}

const downloadUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"

// Options mirrors the yt_dlp_* settings table from spec.md §4.2.
type Options struct {
	UseCookies        bool
	BrowserForCookies string
	Verbose           bool
	Retries           int
}

// NewRunner builds a download.Runner that downloads job.URL into
// job.Folder with yt-dlp and probes each newly-appeared video file's
// duration with ffprobe.
func NewRunner(opts Options) download.Runner {
	return func(ctx context.Context, job download.Job) (download.Result, []domain.Video, error) {
		logger := log.WithComponent("ytdlp")

		if err := os.MkdirAll(job.Folder, 0o750); err != nil {
			return download.Result{PlaylistName: job.PlaylistName}, nil, fmt.Errorf("ytdlp: create folder: %w", err)
		}

		before, err := listVideoFiles(job.Folder)
		if err != nil {
			return download.Result{PlaylistName: job.PlaylistName}, nil, fmt.Errorf("ytdlp: list existing files: %w", err)
		}

		retries := opts.Retries
		if retries <= 0 {
			retries = 3
		}
		args := []string{
			"--download-archive", filepath.Join(job.Folder, "archive.txt"),
			"-o", filepath.Join(job.Folder, "%(playlist_title)s_%(playlist_index)s_%(title)s.%(ext)s"),
			"--no-overwrites",
			"--retries", strconv.Itoa(retries),
			"--fragment-retries", strconv.Itoa(retries),
			"--geo-bypass",
			"--user-agent", downloadUserAgent,
		}
		if opts.UseCookies && opts.BrowserForCookies != "" {
			args = append(args, "--cookies-from-browser", opts.BrowserForCookies)
		}
		if !opts.Verbose {
			args = append(args, "-q", "--no-warnings")
		}
		args = append(args, job.URL)

		start := time.Now()
		cmd := exec.CommandContext(ctx, "yt-dlp", args...)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		runErr := cmd.Run()
		elapsed := time.Since(start).Seconds()

		if runErr != nil {
			logger.Warn().Err(runErr).Str("stderr", stderr.String()).Str(log.FieldPlaylistName, job.PlaylistName).Msg("yt-dlp failed")
			return download.Result{PlaylistName: job.PlaylistName, Success: false, DurationSeconds: elapsed}, nil,
				fmt.Errorf("ytdlp: download %s: %w: %s", job.PlaylistName, runErr, strings.TrimSpace(stderr.String()))
		}

		after, err := listVideoFiles(job.Folder)
		if err != nil {
			return download.Result{PlaylistName: job.PlaylistName, Success: true, DurationSeconds: elapsed}, nil,
				fmt.Errorf("ytdlp: list downloaded files: %w", err)
		}

		newFiles := diffNames(before, after)
		videos := make([]domain.Video, 0, len(newFiles))
		for _, f := range newFiles {
			dur, err := probeDuration(ctx, filepath.Join(job.Folder, f))
			if err != nil {
				logger.Warn().Err(err).Str(log.FieldVideoFile, f).Msg("ffprobe failed, recording zero duration")
			}
			videos = append(videos, domain.Video{
				PlaylistID:      job.PlaylistID,
				PlaylistName:    job.PlaylistName,
				Filename:        f,
				DurationSeconds: dur,
				DownloadedAt:    time.Now(),
			})
		}

		return download.Result{PlaylistName: job.PlaylistName, Success: true, DurationSeconds: elapsed}, videos, nil
	}
}

func listVideoFiles(dir string) (map[string]bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]bool{}, nil
		}
		return nil, err
	}
	out := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if videoExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			out[e.Name()] = true
		}
	}
	return out, nil
}

func diffNames(before, after map[string]bool) []string {
	var out []string
	for name := range after {
		if !before[name] {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func probeDuration(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, "ffprobe", "-v", "error", "-show_entries", "format=duration", "-of", "json", path)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("ytdlp: ffprobe: %w", err)
	}
	var parsed struct {
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}
	if err := json.Unmarshal(out.Bytes(), &parsed); err != nil {
		return 0, fmt.Errorf("ytdlp: parse ffprobe output: %w", err)
	}
	return strconv.ParseFloat(parsed.Format.Duration, 64)
}
