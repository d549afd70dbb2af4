package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCapturingServer(t *testing.T, received *[]webhookPayload) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload webhookPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		*received = append(*received, payload)
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSendPostsEmbedWithCorrectColor(t *testing.T) {
	var received []webhookPayload
	srv := newCapturingServer(t, &received)

	n := New(srv.URL, true)
	n.Error(context.Background(), "Download failed", "playlist A failed 3 times")

	require.Len(t, received, 1)
	require.Len(t, received[0].Embeds, 1)
	assert.Equal(t, "Download failed", received[0].Embeds[0].Title)
	assert.Equal(t, colorRed, received[0].Embeds[0].Color)
}

func TestSeverityColorsMatchSpec(t *testing.T) {
	assert.Equal(t, colorGreen, SeveritySuccess.color())
	assert.Equal(t, colorOrange, SeverityWarning.color())
	assert.Equal(t, colorRed, SeverityError.color())
	assert.Equal(t, colorPurple, SeverityStreamerLive.color())
}

func TestSendIsNoOpWithEmptyWebhookURL(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	n := New("", true)
	n.Success(context.Background(), "should not fire", "")

	assert.Equal(t, int32(0), calls)
}

func TestVideoTransitionRespectsNoiseToggle(t *testing.T) {
	var received []webhookPayload
	srv := newCapturingServer(t, &received)

	n := New(srv.URL, false)
	n.VideoTransition(context.Background(), "a.mp4", "b.mp4")
	assert.Empty(t, received, "muted toggle must suppress the notification")

	n.SetVideoTransitionsEnabled(true)
	n.VideoTransition(context.Background(), "a.mp4", "b.mp4")
	require.Len(t, received, 1)
	assert.Contains(t, received[0].Embeds[0].Description, "a.mp4")
	assert.Contains(t, received[0].Embeds[0].Description, "b.mp4")
}
