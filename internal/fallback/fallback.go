// Package fallback implements the Fallback Controller: a three-tier
// emergency playback state machine chosen when the download pipeline
// can no longer keep the rotation supplied with fresh content —
// spec.md §4.11.
package fallback

import (
	"context"
	"fmt"
	"time"

	"github.com/ManuGH/rotatord/internal/compositor"
	"github.com/ManuGH/rotatord/internal/log"
	"github.com/ManuGH/rotatord/internal/playback"
)

// Tier identifies one of the three emergency playback modes.
type Tier string

const (
	TierNone           Tier = "NONE"
	TierFallbackFolder Tier = "FALLBACK_FOLDER"
	TierLoopRemaining  Tier = "LOOP_REMAINING"
	TierPauseScreen    Tier = "PAUSE_SCREEN"
)

// Event identifies an edge in the fallback state machine.
type Event string

const (
	EvActivate          Event = "activate"
	EvDownloadSucceeded Event = "download_succeeded"
)

// transition is one allowed edge, in the same From/Event/To shape used
// by this codebase's other lifecycle tables.
type transition struct {
	From  Tier
	Event Event
	To    Tier
}

// exitTransitions documents that a download success always returns to
// TierNone regardless of which tier was active; entry transitions are
// decided dynamically by Activate since they depend on filesystem
// state rather than a fixed edge.
var exitTransitions = []transition{
	{TierFallbackFolder, EvDownloadSucceeded, TierNone},
	{TierLoopRemaining, EvDownloadSucceeded, TierNone},
	{TierPauseScreen, EvDownloadSucceeded, TierNone},
}

func transitionFor(from Tier, ev Event) (transition, bool) {
	for _, tr := range exitTransitions {
		if tr.From == from && tr.Event == ev {
			return tr, true
		}
	}
	return transition{}, false
}

const defaultRetryInterval = 5 * time.Minute

// Lister returns the files currently in dir.
type Lister func(dir string) ([]string, error)

// Controller owns the fallback tier state and its compositor/monitor
// side effects.
type Controller struct {
	client  *compositor.Client
	monitor *playback.Monitor
	list    Lister

	fallbackDir string
	liveDir     string
	pauseScene  string
	streamScene string

	retryInterval time.Duration

	tier        Tier
	lastRetryAt time.Time
}

// New creates a fallback controller bound to its collaborators and
// the fixed fallback/live folder layout.
func New(client *compositor.Client, monitor *playback.Monitor, list Lister, fallbackDir, liveDir, pauseScene, streamScene string) *Controller {
	return &Controller{
		client:        client,
		monitor:       monitor,
		list:          list,
		fallbackDir:   fallbackDir,
		liveDir:       liveDir,
		pauseScene:    pauseScene,
		streamScene:   streamScene,
		retryInterval: defaultRetryInterval,
		tier:          TierNone,
	}
}

// Tier reports the currently active tier.
func (c *Controller) Tier() Tier { return c.tier }

// Active reports whether any fallback tier is currently engaged.
func (c *Controller) Active() bool { return c.tier != TierNone }

// AlertVisible reports whether the on-screen alert overlay should be
// shown — true for the whole duration any tier is active.
func (c *Controller) AlertVisible() bool { return c.Active() }

// Activate chooses and engages a tier per the table in spec.md §4.11:
// fallback/ with content wins, then looping the remainder of live/,
// then the pause screen as a last resort.
func (c *Controller) Activate(ctx context.Context, now time.Time) (Tier, error) {
	logger := log.WithComponent("fallback_controller")

	fallbackFiles, fallbackErr := c.list(c.fallbackDir)
	if fallbackErr == nil && len(fallbackFiles) > 0 {
		c.monitor.SetDeleteOnTransition(false)
		// The monitor must track the folder the compositor is actually
		// looping, or it keeps reporting transitions against stale
		// live/ listings.
		if err := c.monitor.Initialize(c.fallbackDir); err != nil {
			logger.Warn().Err(err).Msg("failed to repoint playback monitor at fallback folder")
		}
		if err := c.client.SetInputSettings(ctx, compositor.MediaInputSettings{Loop: true, Shuffle: false, Playlist: fallbackFiles}); err != nil {
			logger.Warn().Err(err).Msg("failed to point media input at fallback folder")
		}
		c.tier = TierFallbackFolder
		c.lastRetryAt = now
		return c.tier, nil
	}

	liveFiles, liveErr := c.list(c.liveDir)
	if liveErr == nil && len(liveFiles) > 0 {
		c.monitor.SetDeleteOnTransition(false)
		c.tier = TierLoopRemaining
		c.lastRetryAt = now
		return c.tier, nil
	}

	if err := c.client.SetCurrentProgramScene(ctx, c.pauseScene); err != nil {
		logger.Warn().Err(err).Msg("failed to switch to pause scene")
	}
	c.tier = TierPauseScreen
	c.lastRetryAt = now
	return c.tier, nil
}

// ShouldRetryDownload reports whether the 5-minute retry interval has
// elapsed since the last attempt. Only meaningful while a tier is
// active.
func (c *Controller) ShouldRetryDownload(now time.Time) bool {
	if c.tier == TierNone {
		return false
	}
	return now.Sub(c.lastRetryAt) >= c.retryInterval
}

// MarkRetryAttempted records that a fresh download attempt just fired,
// restarting the 5-minute window.
func (c *Controller) MarkRetryAttempted(now time.Time) { c.lastRetryAt = now }

// ExitOnDownloadSuccess implements spec.md §4.11's "on first download
// success, exit the tier": restore the media input on live/, hide the
// alert, reset delete_on_transition, and clear the tier.
func (c *Controller) ExitOnDownloadSuccess(ctx context.Context) error {
	if _, ok := transitionFor(c.tier, EvDownloadSucceeded); !ok {
		return fmt.Errorf("fallback: no exit transition from tier %s", c.tier)
	}

	c.monitor.SetDeleteOnTransition(true)

	liveFiles, err := c.list(c.liveDir)
	if err != nil {
		return fmt.Errorf("fallback: list live on exit: %w", err)
	}
	exitLogger := log.WithComponent("fallback_controller")
	if err := c.client.SetInputSettings(ctx, compositor.MediaInputSettings{Loop: true, Shuffle: false, Playlist: liveFiles}); err != nil {
		exitLogger.Warn().Err(err).Msg("failed to restore media input on live")
	}
	if err := c.client.SetCurrentProgramScene(ctx, c.streamScene); err != nil {
		exitLogger.Warn().Err(err).Msg("failed to switch back to stream scene")
	}
	// Track live/ again now that the compositor plays from it; during
	// TierLoopRemaining the monitor never left it.
	if err := c.monitor.Initialize(c.liveDir); err != nil {
		exitLogger.Warn().Err(err).Msg("failed to repoint playback monitor at live folder")
	}

	c.tier = TierNone
	return nil
}
