// Package compositor wraps the external scene compositor's WebSocket
// control protocol: a synchronous request/response surface for
// handlers, plus a thread-safe event queue of normalised "started" and
// "ended" tokens drained by the playback monitor.
package compositor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ManuGH/rotatord/internal/log"
	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
)

// MediaInputSettings is the named media source configuration.
type MediaInputSettings struct {
	Loop     bool     `json:"loop"`
	Shuffle  bool     `json:"shuffle"`
	Playlist []string `json:"playlist"`
}

// MediaInputStatus is the polled playback state of the named media source.
type MediaInputStatus struct {
	State      string `json:"state"`
	CursorMs   int64  `json:"cursor_ms"`
	DurationMs int64  `json:"duration_ms"`
}

const (
	eventStarted = "started"
	eventEnded   = "ended"

	wireEventMediaStarted = "MediaInputPlaybackStarted"
	wireEventMediaEnded   = "MediaInputPlaybackEnded"
)

type envelope struct {
	ID    string          `json:"id,omitempty"`
	Op    string          `json:"op,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Event string          `json:"event,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Client is a connected (or reconnecting) compositor session.
type Client struct {
	url            string
	password       string
	sourceName     string
	requestTimeout time.Duration

	mu        sync.Mutex
	conn      *websocket.Conn
	pending   map[string]chan envelope
	nextID    uint64
	connected atomic.Bool

	events chan string
}

// New creates a client bound to the given WebSocket URL and named
// media input source; it does not connect until Connect is called.
func New(url, password, sourceName string) *Client {
	return &Client{
		url:            url,
		password:       password,
		sourceName:     sourceName,
		requestTimeout: 10 * time.Second,
		pending:        make(map[string]chan envelope),
		events:         make(chan string, 256),
	}
}

// Connect dials the compositor, authenticates if a password is
// configured, and starts the background read pump.
func (c *Client) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 3 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("compositor: dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)

	go c.readPump()

	if c.password != "" {
		if err := c.authenticate(ctx); err != nil {
			c.connected.Store(false)
			_ = conn.Close()
			return err
		}
	}
	return nil
}

func (c *Client) authenticate(ctx context.Context) error {
	_, err := c.request(ctx, "Authenticate", map[string]string{"password": c.password})
	return err
}

// IsConnected reports the last known connectivity state.
func (c *Client) IsConnected() bool { return c.connected.Load() }

// Close tears down the underlying socket.
func (c *Client) Close() error {
	c.connected.Store(false)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) readPump() {
	logger := log.WithComponent("compositor")
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.connected.Store(false)
			logger.Warn().Err(err).Msg("compositor read failed, marking disconnected")
			return
		}

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			logger.Warn().Err(err).Msg("compositor sent unparsable frame")
			continue
		}

		if env.Event != "" {
			c.dispatchEvent(env.Event)
			continue
		}

		if env.ID == "" {
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[env.ID]
		if ok {
			delete(c.pending, env.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- env
		}
	}
}

func (c *Client) dispatchEvent(wireEvent string) {
	var token string
	switch wireEvent {
	case wireEventMediaStarted:
		token = eventStarted
	case wireEventMediaEnded:
		token = eventEnded
	default:
		return
	}
	select {
	case c.events <- token:
	default:
		logger := log.WithComponent("compositor")
		logger.Warn().Msg("event queue full, dropping event")
	}
}

// Events returns the channel of normalised "started"/"ended" tokens.
func (c *Client) Events() <-chan string { return c.events }

// DrainEvents empties the event queue without acting on it, used during
// a disconnect or when the current scene is not the stream scene.
func (c *Client) DrainEvents() {
	for {
		select {
		case <-c.events:
		default:
			return
		}
	}
}

// ErrNotConnected is returned by request methods when no socket is open.
var ErrNotConnected = errors.New("compositor: not connected")

func (c *Client) request(ctx context.Context, op string, data any) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.nextID++
	id := fmt.Sprintf("%d", c.nextID)
	ch := make(chan envelope, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	msg := envelope{ID: id, Op: op, Data: payload}
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		c.forgetPending(id)
		return nil, c.classifyError(err)
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return nil, fmt.Errorf("compositor: %s failed: %s", op, resp.Error)
		}
		return resp.Data, nil
	case <-reqCtx.Done():
		c.forgetPending(id)
		return nil, fmt.Errorf("compositor: %s timed out: %w", op, reqCtx.Err())
	}
}

func (c *Client) forgetPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// connectivityHints are keywords scanned in request errors to decide
// whether the compositor should be considered disconnected.
var connectivityHints = []string{"timeout", "forcibly closed", "websocket", "connection"}

func (c *Client) classifyError(err error) error {
	lower := strings.ToLower(err.Error())
	for _, hint := range connectivityHints {
		if strings.Contains(lower, hint) {
			c.connected.Store(false)
			break
		}
	}
	return err
}

// GetCurrentScene returns the name of the active program scene.
func (c *Client) GetCurrentScene(ctx context.Context) (string, error) {
	data, err := c.request(ctx, "GetCurrentProgramScene", nil)
	if err != nil {
		return "", err
	}
	var out struct {
		SceneName string `json:"scene_name"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", err
	}
	return out.SceneName, nil
}

// SetCurrentProgramScene switches the active program scene.
func (c *Client) SetCurrentProgramScene(ctx context.Context, scene string) error {
	_, err := c.request(ctx, "SetCurrentProgramScene", map[string]string{"scene_name": scene})
	return err
}

// SetInputSettings reconfigures the named media input source.
func (c *Client) SetInputSettings(ctx context.Context, settings MediaInputSettings) error {
	_, err := c.request(ctx, "SetInputSettings", map[string]any{
		"input_name": c.sourceName,
		"loop":       settings.Loop,
		"shuffle":    settings.Shuffle,
		"playlist":   toPlaylistValues(settings.Playlist),
	})
	return err
}

func toPlaylistValues(paths []string) []map[string]string {
	out := make([]map[string]string, len(paths))
	for i, p := range paths {
		out[i] = map[string]string{"value": p}
	}
	return out
}

// MediaAction is a media-input transport action.
type MediaAction string

const (
	MediaActionPlay MediaAction = "play"
	MediaActionNext MediaAction = "next"
)

// TriggerMediaInputAction issues a play/next transport action.
func (c *Client) TriggerMediaInputAction(ctx context.Context, action MediaAction) error {
	_, err := c.request(ctx, "TriggerMediaInputAction", map[string]string{
		"input_name":  c.sourceName,
		"media_action": string(action),
	})
	return err
}

// SetMediaInputCursor seeks the named media input to the given cursor.
func (c *Client) SetMediaInputCursor(ctx context.Context, ms int64) error {
	_, err := c.request(ctx, "SetMediaInputCursor", map[string]any{
		"input_name": c.sourceName,
		"media_cursor": ms,
	})
	return err
}

// GetMediaInputStatus polls the named media input's playback state.
func (c *Client) GetMediaInputStatus(ctx context.Context) (MediaInputStatus, error) {
	data, err := c.request(ctx, "GetMediaInputStatus", map[string]string{"input_name": c.sourceName})
	if err != nil {
		return MediaInputStatus{}, err
	}
	var out MediaInputStatus
	if err := json.Unmarshal(data, &out); err != nil {
		return MediaInputStatus{}, err
	}
	return out, nil
}

// Stats holds the subset of compositor statistics this service uses.
type Stats struct {
	RenderTotalFrames int64 `json:"render_total_frames"`
}

// GetStats returns render statistics, used by the freeze monitor.
func (c *Client) GetStats(ctx context.Context) (Stats, error) {
	data, err := c.request(ctx, "GetStats", nil)
	if err != nil {
		return Stats{}, err
	}
	var out Stats
	if err := json.Unmarshal(data, &out); err != nil {
		return Stats{}, err
	}
	return out, nil
}

// GetStreamStatus reports whether the compositor is actively streaming.
func (c *Client) GetStreamStatus(ctx context.Context) (bool, error) {
	data, err := c.request(ctx, "GetStreamStatus", nil)
	if err != nil {
		return false, err
	}
	var out struct {
		OutputActive bool `json:"output_active"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return false, err
	}
	return out.OutputActive, nil
}

// StartStream begins streaming output.
func (c *Client) StartStream(ctx context.Context) error {
	_, err := c.request(ctx, "StartStream", nil)
	return err
}

// ReconnectWithBackoff retries connectFn with an unbounded exponential
// backoff (base 2s, cap 60s), stopping early if ctx is cancelled.
func ReconnectWithBackoff(ctx context.Context, connectFn func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = 60 * time.Second

	logger := log.WithComponent("compositor")
	for {
		err := connectFn(ctx)
		if err == nil {
			return nil
		}
		logger.Warn().Err(err).Msg("reconnect attempt failed")

		wait := b.NextBackOff()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
