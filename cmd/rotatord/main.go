// Command rotatord runs the 24/7 rotation controller: it bootstraps
// every collaborator package under internal/ and hands them to
// internal/orchestrator's tick loop until SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ManuGH/rotatord/internal/compositor"
	"github.com/ManuGH/rotatord/internal/config"
	"github.com/ManuGH/rotatord/internal/contentswitch"
	"github.com/ManuGH/rotatord/internal/dashboard"
	"github.com/ManuGH/rotatord/internal/download"
	"github.com/ManuGH/rotatord/internal/fallback"
	"github.com/ManuGH/rotatord/internal/livecheck"
	"github.com/ManuGH/rotatord/internal/log"
	"github.com/ManuGH/rotatord/internal/notify"
	"github.com/ManuGH/rotatord/internal/orchestrator"
	"github.com/ManuGH/rotatord/internal/platform"
	"github.com/ManuGH/rotatord/internal/playback"
	"github.com/ManuGH/rotatord/internal/prepared"
	"github.com/ManuGH/rotatord/internal/rotation"
	"github.com/ManuGH/rotatord/internal/store"
	"github.com/ManuGH/rotatord/internal/tempplayback"
	"github.com/ManuGH/rotatord/internal/ytdlp"
)

func main() {
	log.Configure(log.Config{Level: getEnv("LOG_LEVEL", "info"), Service: "rotatord"})
	logger := log.WithComponent("main")

	if err := run(); err != nil {
		logger.Fatal().Err(err).Msg("fatal startup error")
	}
}

func run() error {
	logger := log.WithComponent("main")

	dataDir := getEnv("DATA_DIR", "data")
	liveDir := getEnv("LIVE_DIR", filepath.Join(dataDir, "content", "live"))
	pendingDir := getEnv("PENDING_DIR", filepath.Join(dataDir, "content", "pending"))
	fallbackDir := getEnv("FALLBACK_DIR", filepath.Join(dataDir, "content", "fallback"))
	backupDir := getEnv("BACKUP_DIR", filepath.Join(dataDir, "content", "backup"))
	preparedBaseDir := getEnv("PREPARED_BASE_DIR", filepath.Join(dataDir, "prepared"))

	st, err := store.Open(getEnv("DB_PATH", filepath.Join(dataDir, "rotatord.db")))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	cfg, err := config.NewProvider(
		getEnv("PLAYLISTS_PATH", filepath.Join(dataDir, "playlists.json")),
		getEnv("OVERRIDE_PATH", filepath.Join(dataDir, "override.json")),
	)
	if err != nil {
		return fmt.Errorf("open config provider: %w", err)
	}
	defer func() { _ = cfg.Close() }()
	settings := cfg.Current().Document.Settings

	scenes := orchestrator.Scenes{
		Pause:          getEnv("SCENE_PAUSE", "Pause"),
		Stream:         getEnv("SCENE_STREAM", "Stream"),
		RotationScreen: getEnv("SCENE_ROTATION_SCREEN", "RotationScreen"),
	}

	compositorClient := compositor.New(
		fmt.Sprintf("ws://%s:%s", getEnv("OBS_HOST", "localhost"), getEnv("OBS_PORT", "4455")),
		os.Getenv("OBS_PASSWORD"),
		getEnv("VLC_SOURCE_NAME", "VLC Source"),
	)
	bootCtx, bootCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := compositorClient.Connect(bootCtx); err != nil {
		bootCancel()
		return fmt.Errorf("connect to compositor: %w", err)
	}
	bootCancel()
	freezeMonitor := compositor.NewFreezeMonitor(compositorClient)

	var adapters []platform.Adapter
	if getEnvBool("ENABLE_TWITCH", false) {
		adapters = append(adapters, platform.NewTwitchAdapter(
			os.Getenv("TWITCH_CLIENT_ID"), os.Getenv("TWITCH_CLIENT_SECRET"), os.Getenv("TWITCH_BROADCASTER_ID")))
	}
	if getEnvBool("ENABLE_KICK", false) {
		adapters = append(adapters, platform.NewKickAdapter(
			os.Getenv("KICK_CLIENT_ID"), os.Getenv("KICK_CLIENT_SECRET"), os.Getenv("KICK_CHANNEL_ID")))
	}
	platforms := platform.NewManager(adapters...)

	var checkers []livecheck.Checker
	if target := os.Getenv("TARGET_TWITCH_STREAMER"); target != "" {
		checkers = append(checkers, livecheck.NewTwitchChecker(os.Getenv("TWITCH_CLIENT_ID"), os.Getenv("TWITCH_CLIENT_SECRET"), target))
	}
	if target := os.Getenv("TARGET_KICK_STREAMER"); target != "" {
		checkers = append(checkers, livecheck.NewKickChecker(os.Getenv("KICK_CLIENT_ID"), os.Getenv("KICK_CLIENT_SECRET"), target))
	}
	liveInterval := time.Duration(settings.LiveCheckIntervalSeconds) * time.Second
	if liveInterval <= 0 {
		liveInterval = 60 * time.Second
	}
	livePoller := livecheck.New(checkers, liveInterval)

	notifier := notify.New(os.Getenv("DISCORD_WEBHOOK_URL"), settings.NotifyVideoTransitions)

	downloadFailureAlerts := make(chan string, 8)
	downloader := download.NewWorker(ytdlp.NewRunner(ytdlp.Options{
		UseCookies:        settings.YtDlpUseCookies,
		BrowserForCookies: settings.YtDlpBrowserForCookies,
		Verbose:           settings.YtDlpVerbose,
		Retries:           settings.DownloadRetryAttempts,
	}), func(playlistName string) {
		logger.Warn().Str(log.FieldPlaylistName, playlistName).Msg("download failure threshold reached")
		select {
		case downloadFailureAlerts <- playlistName:
		default:
		}
	})
	downloadCtx, downloadCancel := context.WithCancel(context.Background())
	defer downloadCancel()
	go downloader.Run(downloadCtx)

	monitor := playback.New(
		func(folder string) ([]string, error) { return listDir(folder) },
		func(folder, filename string) error { return os.Remove(filepath.Join(folder, filename)) },
		func(ctx context.Context, folder string, remaining []string) error {
			return compositorClient.SetInputSettings(ctx, compositor.MediaInputSettings{Loop: true, Shuffle: false, Playlist: remaining})
		},
	)

	categoryOf := func(videoFilename, playlistName string) string {
		playlists, err := st.GetEnabledPlaylists()
		if err != nil {
			return ""
		}
		for _, p := range playlists {
			if p.Name == playlistName {
				return p.Category
			}
		}
		return ""
	}

	switcher := contentswitch.New(compositorClient, platforms, liveDir, pendingDir, backupDir, scenes.Pause, scenes.Stream, categoryOf)
	fallbackController := fallback.New(compositorClient, monitor, func(dir string) ([]string, error) { return listDir(dir) }, fallbackDir, liveDir, scenes.Pause, scenes.Stream)
	tempPlayHandler := tempplayback.New(compositorClient, monitor, platforms, liveDir, pendingDir, scenes.RotationScreen, scenes.Stream)
	rotationManager := rotation.New(st, downloader, switcher, monitor, liveDir, pendingDir)
	preparedManager := prepared.New(preparedBaseDir, downloader)
	if n, err := preparedManager.ResetStaleExecuting(); err != nil {
		logger.Warn().Err(err).Msg("failed to reset stale executing prepared rotations")
	} else if n > 0 {
		logger.Info().Int("reset", n).Msg("reset stale executing prepared rotations to ready")
	}
	preparedManager.Start()
	defer preparedManager.Stop()

	var dashboardServer *dashboard.Server
	if getEnvBool("ENABLE_DASHBOARD", true) {
		dashboardServer = dashboard.New()
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", dashboardServer.HandleWS)
		addr := getEnv("DASHBOARD_ADDR", ":8090")
		go func() {
			if err := http.ListenAndServe(addr, mux); err != nil { //nolint:gosec // internal dashboard, no TLS requirement specified
				logger.Error().Err(err).Msg("dashboard http server exited")
			}
		}()
	}

	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		addr := getEnv("METRICS_ADDR", ":9090")
		if err := http.ListenAndServe(addr, metricsMux); err != nil { //nolint:gosec // internal metrics endpoint
			logger.Error().Err(err).Msg("metrics http server exited")
		}
	}()

	urlOf := func(playlistName string) string {
		playlists, err := st.GetEnabledPlaylists()
		if err != nil {
			return ""
		}
		for _, p := range playlists {
			if p.Name == playlistName {
				return p.URL
			}
		}
		return ""
	}
	playlistOf := func(videoFilename string) string {
		v, err := st.GetVideoByFilename(store.StripOrderingPrefix(videoFilename))
		if err != nil {
			return ""
		}
		return v.PlaylistName
	}

	o := orchestrator.New(orchestrator.Deps{
		Store:      st,
		Config:     cfg,
		Compositor: compositorClient,
		Freeze:     freezeMonitor,
		Platforms:  platforms,
		Live:       livePoller,
		Downloader: downloader,
		Monitor:    monitor,
		Switcher:   switcher,
		Rotation:   rotationManager,
		TempPlay:   tempPlayHandler,
		Fallback:   fallbackController,
		Prepared:   preparedManager,
		Notifier:   notifier,
		Dashboard:  dashboardServer,
		Folders: orchestrator.Folders{
			Live:          liveDir,
			Pending:       pendingDir,
			Fallback:      fallbackDir,
			Backup:        backupDir,
			PreparedBase:  preparedBaseDir,
			CrashSentinel: getEnv("CRASH_SENTINEL_DIR", filepath.Join(dataDir, "crash_sentinel")),
		},
		Scenes: scenes,
		Process: orchestrator.CompositorProcess{
			ExecutablePath: getEnv("COMPOSITOR_EXECUTABLE", "obs"),
		},
		DownloadFailureAlerts: downloadFailureAlerts,
		URLOf:                 urlOf,
		PlaylistOf:            playlistOf,
	})

	if session, err := st.GetCurrentSession(); err == nil {
		resumeCtx, resumeCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if result, err := rotationManager.ResumeExistingSession(resumeCtx, session, urlOf); err != nil {
			logger.Error().Err(err).Msg("failed to resume existing session")
		} else {
			logger.Info().
				Bool("temp_playback_restored", result.TempPlaybackRestored).
				Strs("resumed_downloads", result.ResumedDownloads).
				Bool("deferred_seek_pending", result.DeferredSeekPending).
				Msg("resumed existing session")
			if result.TempPlaybackRestored {
				if err := tempPlayHandler.Restore(resumeCtx, store.StripOrderingPrefix(session.PlaybackCurrentVideo)); err != nil {
					logger.Warn().Err(err).Msg("failed to restore temp playback media input")
				}
			}
			if result.DeferredSeekPending {
				o.SchedulePendingSeek(result.DeferredSeekMs, store.StripOrderingPrefix(session.PlaybackCurrentVideo))
			}
		}
		resumeCancel()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().Msg("rotatord started")
	return o.Run(ctx)
}

func listDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}
