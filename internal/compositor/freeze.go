package compositor

import (
	"context"
	"time"

	"github.com/ManuGH/rotatord/internal/log"
)

// RecoveryFunc performs the force-kill/relaunch/reconnect recovery
// sequence and reports whether the compositor was streaming before the
// freeze, so the caller can re-issue StartStream after relaunch.
type RecoveryFunc func(ctx context.Context, wasStreaming bool) error

// FreezeMonitor polls render_total_frames every pollInterval; three
// consecutive stalls trigger one recovery attempt per incident. A
// further freeze within the same run is surfaced as frozen_final and
// does not auto-recover again.
type FreezeMonitor struct {
	client       *Client
	pollInterval time.Duration
	stallLimit   int

	lastFrames   int64
	stallCount   int
	recoveredOnce bool
	frozenFinal  bool
}

// NewFreezeMonitor creates a monitor polling every 20s with a
// three-consecutive-stall threshold, per the compositor's freeze
// recovery contract.
func NewFreezeMonitor(client *Client) *FreezeMonitor {
	return &FreezeMonitor{client: client, pollInterval: 20 * time.Second, stallLimit: 3}
}

// FrozenFinal reports whether recovery has already been attempted once
// this run and a subsequent freeze has occurred.
func (f *FreezeMonitor) FrozenFinal() bool { return f.frozenFinal }

// Check polls the compositor's frame counter; if it detects a third
// consecutive stall it invokes recover (once per incident) and resets
// its stall counter on any frame progress.
func (f *FreezeMonitor) Check(ctx context.Context, recover RecoveryFunc) error {
	if f.frozenFinal {
		return nil
	}

	stats, err := f.client.GetStats(ctx)
	if err != nil {
		return err
	}

	wasStreaming := func() bool {
		streaming, err := f.client.GetStreamStatus(ctx)
		if err != nil {
			return false
		}
		return streaming
	}

	return f.recordFrames(ctx, stats.RenderTotalFrames, wasStreaming, recover)
}

// recordFrames applies the stall-accounting/recovery decision for one
// observed frame count; split out from Check so it is testable without
// a live compositor socket.
func (f *FreezeMonitor) recordFrames(ctx context.Context, frames int64, wasStreaming func() bool, recover RecoveryFunc) error {
	logger := log.WithComponent("freeze_monitor")

	if frames > f.lastFrames {
		f.lastFrames = frames
		f.stallCount = 0
		return nil
	}

	f.stallCount++
	logger.Warn().Int("stall_count", f.stallCount).Msg("render frame counter did not advance")

	if f.stallCount < f.stallLimit {
		return nil
	}

	f.stallCount = 0
	if f.recoveredOnce {
		f.frozenFinal = true
		logger.Error().Msg("frozen_final: repeat freeze in same run, not auto-recovering")
		return nil
	}

	f.recoveredOnce = true
	if err := recover(ctx, wasStreaming()); err != nil {
		return err
	}
	f.lastFrames = 0
	return nil
}
