// Package dashboard implements the optional web-dashboard side
// channel: a gorilla/websocket server that pushes state snapshots and
// forwarded log entries to any connected client and pulls
// orchestrator commands back — spec.md §6's dashboard WS contract.
// The dashboard front-end itself, and its real-time transport wire
// format beyond this envelope, are out of scope (spec.md §1); this
// package only implements the push/pull side of the contract this
// repo owns.
package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ManuGH/rotatord/internal/log"
)

// CommandType enumerates the server-initiated commands spec.md §6
// lists; the dashboard front-end sends these, this server only
// decodes and forwards them.
type CommandType string

const (
	CmdSkipVideo                CommandType = "skip_video"
	CmdTriggerRotation          CommandType = "trigger_rotation"
	CmdPauseStream              CommandType = "pause_stream"
	CmdResumeStream             CommandType = "resume_stream"
	CmdUpdateSetting            CommandType = "update_setting"
	CmdAddPlaylist              CommandType = "add_playlist"
	CmdUpdatePlaylist           CommandType = "update_playlist"
	CmdRemovePlaylist           CommandType = "remove_playlist"
	CmdRenamePlaylist           CommandType = "rename_playlist"
	CmdTogglePlaylist           CommandType = "toggle_playlist"
	CmdCreatePreparedRotation   CommandType = "create_prepared_rotation"
	CmdDownloadPreparedRotation CommandType = "download_prepared_rotation"
	CmdExecutePreparedRotation  CommandType = "execute_prepared_rotation"
	CmdDeletePreparedRotation   CommandType = "delete_prepared_rotation"
	CmdSchedulePreparedRotation CommandType = "schedule_prepared_rotation"
	CmdCancelPreparedRotation   CommandType = "cancel_prepared_rotation"
	CmdClearCompletedPrepared   CommandType = "clear_completed_prepared"
	CmdReloadEnv                CommandType = "reload_env"
	CmdUpdateEnv                CommandType = "update_env"
)

// Command is one decoded inbound message from a connected dashboard
// client.
type Command struct {
	Type    CommandType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// StateSnapshot is the outbound state pushed at ~5s cadence, covering
// the fields a dashboard needs to render current rotation status.
type StateSnapshot struct {
	SessionID           int64    `json:"session_id"`
	CurrentVideo        string   `json:"current_video"`
	PlaybackCursorMs    int64    `json:"playback_cursor_ms"`
	StreamTitle         string   `json:"stream_title"`
	CurrentPlaylists    []string `json:"current_playlists"`
	NextPlaylists       []string `json:"next_playlists"`
	TempPlaybackActive  bool     `json:"temp_playback_active"`
	FallbackTier        string   `json:"fallback_tier"`
	StreamerLive        bool     `json:"streamer_live"`
	CompositorConnected bool     `json:"compositor_connected"`
}

type outboundEnvelope struct {
	Type string `json:"type"` // "state" | "log"
	Data any    `json:"data"`
}

// Server owns the set of connected dashboard WebSocket clients and the
// channel of commands decoded from them.
type Server struct {
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}

	commands chan Command
}

// New creates a dashboard server with no connections yet.
func New() *Server {
	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns:    make(map[*websocket.Conn]struct{}),
		commands: make(chan Command, 64),
	}
}

// Commands returns the channel of commands decoded from connected
// clients; the orchestrator drains it once per tick.
func (s *Server) Commands() <-chan Command { return s.commands }

// Connected reports whether at least one dashboard client is attached
// — the orchestrator only bothers building/pushing a snapshot when
// this is true.
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns) > 0
}

// HandleWS upgrades an HTTP request to a WebSocket and services it
// until the client disconnects; register this as an http.HandlerFunc
// on the dashboard listen address.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		upgradeLogger := log.WithComponent("dashboard")
		upgradeLogger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	logger := log.WithComponent("dashboard")
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			logger.Debug().Err(err).Msg("dashboard client disconnected")
			return
		}
		var cmd Command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			logger.Warn().Err(err).Msg("dashboard sent unparsable command")
			continue
		}
		select {
		case s.commands <- cmd:
		default:
			logger.Warn().Msg("command queue full, dropping dashboard command")
		}
	}
}

// PushState broadcasts one state snapshot to every connected client.
func (s *Server) PushState(ctx context.Context, snapshot StateSnapshot) {
	s.broadcast(outboundEnvelope{Type: "state", Data: snapshot})
}

// PushLogs broadcasts a batch of recently captured log entries (see
// internal/log.Recent) to every connected client.
func (s *Server) PushLogs(ctx context.Context, entries []log.Entry) {
	if len(entries) == 0 {
		return
	}
	s.broadcast(outboundEnvelope{Type: "log", Data: entries})
}

func (s *Server) broadcast(env outboundEnvelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		marshalLogger := log.WithComponent("dashboard")
		marshalLogger.Warn().Err(err).Msg("failed to marshal broadcast envelope")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			writeLogger := log.WithComponent("dashboard")
			writeLogger.Warn().Err(err).Msg("failed to write to dashboard client, dropping")
			_ = conn.Close()
			delete(s.conns, conn)
		}
	}
}

// Close disconnects every connected dashboard client.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
	return nil
}
