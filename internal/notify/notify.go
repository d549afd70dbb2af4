// Package notify sends Discord embed notifications: severity-coloured
// user-visible surfacing of the failures and transitions the
// Orchestrator's propagation policy requires — spec.md §7.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ManuGH/rotatord/internal/log"
)

// Severity selects the embed's left-hand colour bar.
type Severity int

const (
	SeveritySuccess Severity = iota
	SeverityWarning
	SeverityError
	SeverityStreamerLive
)

// Discord embed colours (decimal RGB), matching spec.md §7: "green
// success, orange warning, red error, purple streamer-live".
const (
	colorGreen  = 0x2ECC71
	colorOrange = 0xE67E22
	colorRed    = 0xE74C3C
	colorPurple = 0x9B59B6
)

func (s Severity) color() int {
	switch s {
	case SeveritySuccess:
		return colorGreen
	case SeverityWarning:
		return colorOrange
	case SeverityError:
		return colorRed
	case SeverityStreamerLive:
		return colorPurple
	default:
		return colorOrange
	}
}

type embed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
	Timestamp   string `json:"timestamp"`
}

type webhookPayload struct {
	Embeds []embed `json:"embeds"`
}

// Notifier posts severity-coloured embeds to a Discord webhook URL. A
// zero-value webhookURL makes every call a silent no-op, so callers
// need not guard every notify site on whether Discord is configured.
type Notifier struct {
	webhookURL string
	client     *http.Client

	// videoTransitionsEnabled mirrors the notify_video_transitions
	// setting: the per-video "now playing" chatter can be muted
	// independently of every other notification.
	videoTransitionsEnabled bool
}

// New creates a notifier bound to webhookURL; an empty URL disables
// delivery without the caller needing to check first.
func New(webhookURL string, videoTransitionsEnabled bool) *Notifier {
	return &Notifier{
		webhookURL:              webhookURL,
		client:                  &http.Client{Timeout: 10 * time.Second},
		videoTransitionsEnabled: videoTransitionsEnabled,
	}
}

// SetVideoTransitionsEnabled updates the noise toggle live, mirroring
// a config reload of notify_video_transitions.
func (n *Notifier) SetVideoTransitionsEnabled(v bool) { n.videoTransitionsEnabled = v }

// Send posts one embed. A delivery failure is logged and swallowed —
// per spec.md §7's propagation policy, a notification failure must
// never itself become a fatal error.
func (n *Notifier) Send(ctx context.Context, severity Severity, title, description string) {
	if n == nil || n.webhookURL == "" {
		return
	}

	payload := webhookPayload{Embeds: []embed{{
		Title:       title,
		Description: description,
		Color:       severity.color(),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}}}

	logger := log.WithComponent("notify")

	body, err := json.Marshal(payload)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to marshal webhook payload")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		logger.Warn().Err(err).Msg("failed to build webhook request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to deliver webhook notification")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		logger.Warn().Int("status", resp.StatusCode).Msg("webhook returned non-success status")
	}
}

// Success is a convenience wrapper for SeveritySuccess.
func (n *Notifier) Success(ctx context.Context, title, description string) {
	n.Send(ctx, SeveritySuccess, title, description)
}

// Warning is a convenience wrapper for SeverityWarning.
func (n *Notifier) Warning(ctx context.Context, title, description string) {
	n.Send(ctx, SeverityWarning, title, description)
}

// Error is a convenience wrapper for SeverityError.
func (n *Notifier) Error(ctx context.Context, title, description string) {
	n.Send(ctx, SeverityError, title, description)
}

// StreamerLive is a convenience wrapper for SeverityStreamerLive.
func (n *Notifier) StreamerLive(ctx context.Context, title, description string) {
	n.Send(ctx, SeverityStreamerLive, title, description)
}

// VideoTransition notifies a video change, gated behind the
// notify_video_transitions toggle to control Discord noise.
func (n *Notifier) VideoTransition(ctx context.Context, previous, current string) {
	if n == nil || !n.videoTransitionsEnabled {
		return
	}
	n.Send(ctx, SeveritySuccess, "Now playing", fmt.Sprintf("%s → %s", previous, current))
}
