package platform

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

const twitchBaseURL = "https://api.twitch.tv/helix"

// TwitchAdapter updates a Twitch channel's title/category via an
// app-access token that it refreshes on expiry.
type TwitchAdapter struct {
	clientID      string
	clientSecret  string
	broadcasterID string

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time

	categoryCache sync.Map // category name -> game id
	client        *http.Client
}

// NewTwitchAdapter constructs a Twitch adapter; the access token is
// fetched lazily on first use.
func NewTwitchAdapter(clientID, clientSecret, broadcasterID string) *TwitchAdapter {
	return &TwitchAdapter{
		clientID:      clientID,
		clientSecret:  clientSecret,
		broadcasterID: broadcasterID,
		client:        httpClient(),
	}
}

func (t *TwitchAdapter) Name() string { return "twitch" }

func (t *TwitchAdapter) token(ctx context.Context) (string, error) {
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
		return "", fmt.Errorf("twitch: token refresh: %w", err)
	}
	defer drainAndClose(resp.Body)
	if !isSuccessStatus(resp) {
		return "", httpError("twitch", resp)
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

func (t *TwitchAdapter) authedRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Response, error) {
	token, err := t.token(ctx)
	if err != nil {
		return nil, err
	}

	var reader *strings.Reader
	if body != nil {
		val, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = strings.NewReader(string(val))
	} else {
		reader = strings.NewReader("")
	}

	u := twitchBaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Client-ID", t.clientID)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	return t.client.Do(req)
}

// gameID resolves a human category name to Twitch's numeric game id,
// caching results for the process lifetime.
func (t *TwitchAdapter) gameID(ctx context.Context, name string) (string, error) {
	if v, ok := t.categoryCache.Load(name); ok {
		return v.(string), nil
	}

	resp, err := t.authedRequest(ctx, http.MethodGet, "/games", url.Values{"name": {name}}, nil)
	if err != nil {
		return "", fmt.Errorf("twitch: get game id: %w", err)
	}
	defer drainAndClose(resp.Body)
	if !isSuccessStatus(resp) {
		return "", httpError("twitch", resp)
	}

	var out struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if len(out.Data) == 0 {
		return "", fmt.Errorf("twitch: no game id for category %q", name)
	}
	t.categoryCache.Store(name, out.Data[0].ID)
	return out.Data[0].ID, nil
}

func (t *TwitchAdapter) UpdateTitle(ctx context.Context, title string) error {
	return t.patchChannel(ctx, map[string]string{"title": title})
}

func (t *TwitchAdapter) UpdateCategory(ctx context.Context, category string) error {
	id, err := t.gameID(ctx, category)
	if err != nil {
		return err
	}
	return t.patchChannel(ctx, map[string]string{"game_id": id})
}

// UpdateStreamInfo batches title and category into a single channel
// patch where possible, per spec.md §9.
func (t *TwitchAdapter) UpdateStreamInfo(ctx context.Context, title, category string) error {
	payload := map[string]string{"title": title}
	if category != "" {
		id, err := t.gameID(ctx, category)
		if err == nil {
			payload["game_id"] = id
		}
		// An unresolvable category MUST NOT silently drop the title.
	}
	return t.patchChannel(ctx, payload)
}

func (t *TwitchAdapter) patchChannel(ctx context.Context, payload map[string]string) error {
	resp, err := t.authedRequest(ctx, http.MethodPatch, "/channels", url.Values{"broadcaster_id": {t.broadcasterID}}, payload)
	if err != nil {
		return fmt.Errorf("twitch: patch channel: %w", err)
	}
	defer drainAndClose(resp.Body)
	if !isSuccessStatus(resp) {
		return httpError("twitch", resp)
	}
	return nil
}
