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

const (
	kickOAuthURL   = "https://id.kick.com/oauth/token"
	kickAPIBaseURL = "https://api.kick.com/public/v1"
)

// KickAdapter updates a Kick channel's title/category via an
// OAuth client-credentials token, resolving category names to numeric
// ids via a cached `/categories/<name>` lookup.
type KickAdapter struct {
	clientID     string
	clientSecret string
	channelID    string

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time

	categoryCache sync.Map // category name -> category id
	client        *http.Client
}

// NewKickAdapter constructs a Kick adapter.
func NewKickAdapter(clientID, clientSecret, channelID string) *KickAdapter {
	return &KickAdapter{
		clientID:     clientID,
		clientSecret: clientSecret,
		channelID:    channelID,
		client:       httpClient(),
	}
}

func (k *KickAdapter) Name() string { return "kick" }

func (k *KickAdapter) token(ctx context.Context) (string, error) {
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
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, kickOAuthURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := k.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("kick: token refresh: %w", err)
	}
	defer drainAndClose(resp.Body)
	if !isSuccessStatus(resp) {
		return "", httpError("kick", resp)
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

// categoryID resolves a human category name via the public, unauthenticated
// categories endpoint, caching the result for the process lifetime —
// spec.md §6 calls the cache "encouraged but not required"; this
// adapter and TwitchAdapter share the same per-adapter cache shape.
func (k *KickAdapter) categoryID(ctx context.Context, name string) (string, error) {
	if v, ok := k.categoryCache.Load(name); ok {
		return v.(string), nil
	}

	u := kickAPIBaseURL + "/categories/" + url.PathEscape(strings.ToLower(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}

	resp, err := k.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("kick: get category id: %w", err)
	}
	defer drainAndClose(resp.Body)
	if !isSuccessStatus(resp) {
		return "", httpError("kick", resp)
	}

	var out struct {
		Data []struct {
			ID int `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if len(out.Data) == 0 {
		return "", fmt.Errorf("kick: no category id for %q", name)
	}
	id := fmt.Sprintf("%d", out.Data[0].ID)
	k.categoryCache.Store(name, id)
	return id, nil
}

func (k *KickAdapter) UpdateTitle(ctx context.Context, title string) error {
	return k.patchChannel(ctx, map[string]any{"stream_title": title})
}

func (k *KickAdapter) UpdateCategory(ctx context.Context, category string) error {
	id, err := k.categoryID(ctx, category)
	if err != nil {
		return err
	}
	return k.patchChannel(ctx, map[string]any{"category_id": id})
}

func (k *KickAdapter) UpdateStreamInfo(ctx context.Context, title, category string) error {
	payload := map[string]any{"stream_title": title}
	if category != "" {
		if id, err := k.categoryID(ctx, category); err == nil {
			payload["category_id"] = id
		}
	}
	return k.patchChannel(ctx, payload)
}

func (k *KickAdapter) patchChannel(ctx context.Context, payload map[string]any) error {
	token, err := k.token(ctx)
	if err != nil {
		return err
	}

	val, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	u := kickAPIBaseURL + "/channels/" + k.channelID
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, u, strings.NewReader(string(val)))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := k.client.Do(req)
	if err != nil {
		return fmt.Errorf("kick: patch channel: %w", err)
	}
	defer drainAndClose(resp.Body)

	// A 204 with an empty body is success, not an error, per spec.md §4.4/§6.
	if resp.StatusCode == http.StatusNoContent || isSuccessStatus(resp) {
		return nil
	}
	return httpError("kick", resp)
}
