// Package platform provides a uniform interface over streaming
// platforms (Twitch, Kick, ...) for title/category updates, each
// owning its own auth state.
package platform

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ManuGH/rotatord/internal/log"
)

// Adapter is the uniform capability set spec.md §4.4 requires: title,
// category, and a batched update. Implementations SHOULD prefer the
// batched call where the platform supports it (spec.md §9).
type Adapter interface {
	Name() string
	UpdateTitle(ctx context.Context, title string) error
	UpdateCategory(ctx context.Context, category string) error
	UpdateStreamInfo(ctx context.Context, title, category string) error
}

// Manager fans out to every enabled adapter.
type Manager struct {
	adapters []Adapter
}

// NewManager builds a fan-out manager over the given enabled adapters.
func NewManager(adapters ...Adapter) *Manager {
	return &Manager{adapters: adapters}
}

// UpdateStreamInfo calls UpdateStreamInfo on every adapter concurrently
// and returns a per-platform success map.
func (m *Manager) UpdateStreamInfo(ctx context.Context, title, category string) map[string]bool {
	results := make(map[string]bool, len(m.adapters))
	type outcome struct {
		name string
		ok   bool
	}
	ch := make(chan outcome, len(m.adapters))

	for _, a := range m.adapters {
		a := a
		go func() {
			err := a.UpdateStreamInfo(ctx, title, category)
			if err != nil {
				logger := log.WithComponent("platform")
				logger.Warn().
					Err(err).Str("platform", a.Name()).Msg("update_stream_info failed")
			}
			ch <- outcome{name: a.Name(), ok: err == nil}
		}()
	}
	for range m.adapters {
		o := <-ch
		results[o.name] = o.ok
	}
	return results
}

// httpClient is shared by adapters; a plain *http.Client with an
// explicit timeout is used instead of a third-party HTTP wrapper (see
// DESIGN.md: no suitable request/response REST client library appears
// in the example pack for this shape of call).
func httpClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

// isSuccessStatus treats any 2xx, including a 204 with an empty body,
// as success — spec.md §4.4/§6 requires this explicitly.
func isSuccessStatus(resp *http.Response) bool {
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}

func httpError(platform string, resp *http.Response) error {
	return fmt.Errorf("platform %s: unexpected status %s", platform, strings.TrimSpace(resp.Status))
}
