// Package metrics provides Prometheus metrics collection for the
// rotation domain: session lifecycle, fallback tier occupancy,
// download throughput, and compositor connection health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rotatord_sessions_started_total",
		Help: "Total number of rotation sessions started",
	})

	contentSwitchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rotatord_content_switches_total",
		Help: "Total number of content switches by outcome",
	}, []string{"outcome"}) // outcome=success|failure

	playbackTransitionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rotatord_playback_transitions_total",
		Help: "Total number of genuine playback transitions detected",
	})

	downloadQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rotatord_download_queue_depth",
		Help: "Number of playlist downloads currently enqueued or in flight",
	})

	downloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rotatord_downloads_total",
		Help: "Total number of playlist downloads by outcome",
	}, []string{"outcome"}) // outcome=success|failure

	fallbackTierActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rotatord_fallback_tier_active",
		Help: "Currently active fallback tier (0=none, 1=fallback_folder, 2=loop_remaining, 3=pause_screen)",
	})

	fallbackActivationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rotatord_fallback_activations_total",
		Help: "Total number of times the fallback controller engaged a tier",
	})

	tempPlaybackActivationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rotatord_temp_playback_activations_total",
		Help: "Total number of times temp-playback mode was activated",
	})

	compositorConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rotatord_compositor_connected",
		Help: "Whether the compositor WebSocket connection is currently established (1) or not (0)",
	})

	compositorReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rotatord_compositor_reconnects_total",
		Help: "Total number of compositor reconnect attempts",
	})

	compositorFreezeRecoveriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rotatord_compositor_freeze_recoveries_total",
		Help: "Total number of compositor freeze-recovery attempts",
	})

	preparedRotationsExecutedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rotatord_prepared_rotations_executed_total",
		Help: "Total number of prepared rotations executed",
	})

	streamerLiveState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rotatord_streamer_live",
		Help: "Whether the streamer is currently detected as live (1) or not (0)",
	})

	tickDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rotatord_orchestrator_tick_duration_seconds",
		Help:    "Duration of one orchestrator tick loop iteration",
		Buckets: prometheus.DefBuckets,
	})
)

// IncSessionsStarted increments the rotation-session-started counter.
func IncSessionsStarted() { sessionsStartedTotal.Inc() }

// IncContentSwitch records a content switch attempt by outcome.
func IncContentSwitch(outcome string) { contentSwitchesTotal.WithLabelValues(outcome).Inc() }

// IncPlaybackTransitions increments the genuine-transition counter by n.
func IncPlaybackTransitions(n int) {
	if n <= 0 {
		return
	}
	playbackTransitionsTotal.Add(float64(n))
}

// SetDownloadQueueDepth records the current download queue depth.
func SetDownloadQueueDepth(n int) { downloadQueueDepth.Set(float64(n)) }

// IncDownload records a playlist download attempt by outcome.
func IncDownload(outcome string) { downloadsTotal.WithLabelValues(outcome).Inc() }

// SetFallbackTier records the fallback controller's currently active
// tier, using the ordinal spec.md §4.11 assigns each tier.
func SetFallbackTier(tier int) { fallbackTierActive.Set(float64(tier)) }

// IncFallbackActivations increments the fallback-engagement counter.
func IncFallbackActivations() { fallbackActivationsTotal.Inc() }

// IncTempPlaybackActivations increments the temp-playback-activation counter.
func IncTempPlaybackActivations() { tempPlaybackActivationsTotal.Inc() }

// SetCompositorConnected records the compositor connection state.
func SetCompositorConnected(connected bool) {
	if connected {
		compositorConnected.Set(1)
		return
	}
	compositorConnected.Set(0)
}

// IncCompositorReconnects increments the compositor reconnect-attempt counter.
func IncCompositorReconnects() { compositorReconnectsTotal.Inc() }

// IncCompositorFreezeRecoveries increments the freeze-recovery-attempt counter.
func IncCompositorFreezeRecoveries() { compositorFreezeRecoveriesTotal.Inc() }

// IncPreparedRotationsExecuted increments the prepared-rotation-execution counter.
func IncPreparedRotationsExecuted() { preparedRotationsExecutedTotal.Inc() }

// SetStreamerLive records the streamer-live detection state.
func SetStreamerLive(live bool) {
	if live {
		streamerLiveState.Set(1)
		return
	}
	streamerLiveState.Set(0)
}

// ObserveTickDuration records one orchestrator tick's wall-clock duration.
func ObserveTickDuration(seconds float64) { tickDurationSeconds.Observe(seconds) }
