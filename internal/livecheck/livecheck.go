// Package livecheck polls one or more upstream streaming channels to
// decide whether the rotation should pause — spec.md §4.12 step 5. Each
// platform gets its own Checker, grounded directly on
// original_source/services/{twitch,kick}_live_checker.py's app-access
// token acquisition and poll-endpoint shape; the Poller wraps any
// number of them behind the single "is anyone live" decision the
// orchestrator's tick loop consumes.
package livecheck

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Checker reports whether one upstream channel is currently live.
type Checker interface {
	Name() string
	IsLive(ctx context.Context) (bool, error)
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

// TwitchChecker polls the Helix streams endpoint for one channel,
// grounded on original_source/services/twitch_live_checker.py
// (TwitchLiveChecker.get_app_access_token/is_stream_live).
type TwitchChecker struct {
	clientID     string
	clientSecret string
	username     string

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time

	client *http.Client
}

// NewTwitchChecker constructs a Twitch live checker for username; the
// app-access token is fetched lazily on first use.
func NewTwitchChecker(clientID, clientSecret, username string) *TwitchChecker {
	return &TwitchChecker{clientID: clientID, clientSecret: clientSecret, username: username, client: httpClient()}
}

func (t *TwitchChecker) Name() string { return "twitch" }

func (t *TwitchChecker) token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.accessToken != "" && time.Now().Before(t.expiresAt) {
		return t.accessToken, nil
	}

	form := url.Values{
		"client_id":     {t.clientID},
		"client_secret": {t.clientSecret},
		"grant_type":    {"client_credentials"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://id.twitch.tv/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("twitch live checker: token refresh: %w", err)
	}
	defer drainAndClose(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("twitch live checker: token refresh status %s", resp.Status)
	}

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	t.accessToken = out.AccessToken
	t.expiresAt = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	return t.accessToken, nil
}

// IsLive reports whether t.username currently has an active stream.
func (t *TwitchChecker) IsLive(ctx context.Context) (bool, error) {
	token, err := t.token(ctx)
	if err != nil {
		return false, err
	}

	u := "https://api.twitch.tv/helix/streams?" + url.Values{"user_login": {t.username}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Client-ID", t.clientID)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := t.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("twitch live checker: streams request: %w", err)
	}
	defer drainAndClose(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Errorf("twitch live checker: streams status %s", resp.Status)
	}

	var out struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, err
	}
	return len(out.Data) > 0, nil
}

const (
	kickTokenURL    = "https://id.kick.com/oauth/token"
	kickChannelsURL = "https://api.kick.com/public/v1/channels"
)

// KickChecker polls the public channels endpoint for one channel slug,
// grounded on original_source/services/kick_live_checker.py
// (KickLiveChecker.get_app_access_token/is_stream_live).
type KickChecker struct {
	clientID     string
	clientSecret string
	channelSlug  string

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time

	client *http.Client
}

// NewKickChecker constructs a Kick live checker for channelSlug.
func NewKickChecker(clientID, clientSecret, channelSlug string) *KickChecker {
	return &KickChecker{clientID: clientID, clientSecret: clientSecret, channelSlug: channelSlug, client: httpClient()}
}

func (k *KickChecker) Name() string { return "kick" }

func (k *KickChecker) token(ctx context.Context) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.accessToken != "" && time.Now().Before(k.expiresAt) {
		return k.accessToken, nil
	}

	form := url.Values{
		"client_id":     {k.clientID},
		"client_secret": {k.clientSecret},
		"grant_type":    {"client_credentials"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, kickTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := k.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("kick live checker: token refresh: %w", err)
	}
	defer drainAndClose(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("kick live checker: token refresh status %s", resp.Status)
	}

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	k.accessToken = out.AccessToken
	k.expiresAt = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	return k.accessToken, nil
}

// IsLive reports whether k.channelSlug currently has an active stream.
func (k *KickChecker) IsLive(ctx context.Context) (bool, error) {
	token, err := k.token(ctx)
	if err != nil {
		return false, err
	}

	u := kickChannelsURL + "?" + url.Values{"slug": {k.channelSlug}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := k.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("kick live checker: channels request: %w", err)
	}
	defer drainAndClose(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Errorf("kick live checker: channels status %s", resp.Status)
	}

	var out struct {
		Data []struct {
			Stream struct {
				IsLive bool `json:"is_live"`
			} `json:"stream"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, err
	}
	if len(out.Data) == 0 {
		return false, nil
	}
	return out.Data[0].Stream.IsLive, nil
}

func drainAndClose(body interface{ Close() error }) { _ = body.Close() }

// Status is the sticky "live" / "offline" classification the
// orchestrator compares tick-over-tick to detect a transition.
type Status string

const (
	StatusLive    Status = "live"
	StatusOffline Status = "offline"
)

// Poller wraps one or more platform Checkers behind a single
// "is anyone live" decision, gated by a configurable poll cadence
// (settings.live_check_interval_seconds).
type Poller struct {
	checkers []Checker
	interval time.Duration

	lastPollAt   time.Time
	lastStatus   Status
	everPolled   bool
}

// New creates a poller over the given checkers (any one reporting live
// makes the whole poller report live) with the given cadence.
func New(checkers []Checker, interval time.Duration) *Poller {
	return &Poller{checkers: checkers, interval: interval, lastStatus: StatusOffline}
}

// LastStatus returns the most recently observed status; defaults to
// offline before the first poll.
func (p *Poller) LastStatus() Status { return p.lastStatus }

// SetLastStatus overrides the sticky status, used to seed it from the
// persisted "last_stream_status" on startup.
func (p *Poller) SetLastStatus(s Status) { p.lastStatus = s; p.everPolled = true }

// ShouldPoll reports whether interval has elapsed since the last poll
// (or no poll has happened yet).
func (p *Poller) ShouldPoll(now time.Time) bool {
	if !p.everPolled {
		return true
	}
	return now.Sub(p.lastPollAt) >= p.interval
}

// Transition is the outcome of one Poll call.
type Transition int

const (
	TransitionNone Transition = iota
	TransitionToLive
	TransitionToOffline
)

// Poll queries every checker; any error from a single checker is
// treated as "not live" for that checker (a transient network error
// should not flap the stream to paused). It returns the detected
// transition, if any, and updates the sticky last status.
func (p *Poller) Poll(ctx context.Context, now time.Time) (Transition, error) {
	p.lastPollAt = now
	p.everPolled = true

	live := false
	var firstErr error
	for _, c := range p.checkers {
		ok, err := c.IsLive(ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			live = true
		}
	}

	newStatus := StatusOffline
	if live {
		newStatus = StatusLive
	}

	var transition Transition
	switch {
	case newStatus == StatusLive && p.lastStatus != StatusLive:
		transition = TransitionToLive
	case newStatus == StatusOffline && p.lastStatus == StatusLive:
		transition = TransitionToOffline
	}
	p.lastStatus = newStatus
	return transition, firstErr
}
