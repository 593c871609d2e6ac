package kiroauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// RefreshResult is what a Refresher returns on success. It embeds
// oauth2.Token as the carrier for the three fields both Kiro refresh
// dialects return (access token, refresh token, expiry), reusing the
// standard library's token shape and its Valid() expiry check rather than
// a bespoke struct, even though neither dialect is a standards-compliant
// three-legged OAuth2 flow.
type RefreshResult struct {
	oauth2.Token
}

// Refresher performs the dialect-specific HTTP exchange.
type Refresher interface {
	Refresh(ctx context.Context, current Credentials) (RefreshResult, error)
}

// HTTPRefresher is the default Refresher, dispatching on Credentials.AuthMethod.
type HTTPRefresher struct {
	Client *http.Client
}

func (r HTTPRefresher) httpClient() *http.Client {
	if r.Client != nil {
		return r.Client
	}
	return http.DefaultClient
}

func (r HTTPRefresher) Refresh(ctx context.Context, current Credentials) (RefreshResult, error) {
	switch current.AuthMethod {
	case DialectDeviceOIDC:
		return r.refreshDeviceOIDC(ctx, current)
	default:
		return r.refreshSocial(ctx, current)
	}
}

func (r HTTPRefresher) refreshSocial(ctx context.Context, current Credentials) (RefreshResult, error) {
	url := fmt.Sprintf("https://prod.%s.auth.desktop.kiro.dev/refreshToken", region(current))
	body, _ := json.Marshal(map[string]string{"refreshToken": current.RefreshToken})
	return r.doRefreshRequest(ctx, url, body, nil)
}

func (r HTTPRefresher) refreshDeviceOIDC(ctx context.Context, current Credentials) (RefreshResult, error) {
	url := fmt.Sprintf("https://oidc.%s.amazonaws.com/token", region(current))
	body, _ := json.Marshal(map[string]string{
		"refreshToken": current.RefreshToken,
		"clientId":     current.ClientID,
		"clientSecret": current.ClientSecret,
		"grantType":    "refresh_token",
	})
	headers := map[string]string{
		"Host":          fmt.Sprintf("oidc.%s.amazonaws.com", region(current)),
		"Accept":        "*/*",
		"sec-fetch-mode": "cors",
		"User-Agent":    "node",
	}
	return r.doRefreshRequest(ctx, url, body, headers)
}

func region(c Credentials) string {
	if c.Region != "" {
		return c.Region
	}
	return "us-east-1"
}

type refreshResponse struct {
	AccessToken  string      `json:"accessToken"`
	RefreshToken string      `json:"refreshToken"`
	ExpiresIn    json.Number `json:"expiresIn"`
	ExpiresAt    json.Number `json:"expiresAt"`
}

func (r HTTPRefresher) doRefreshRequest(ctx context.Context, url string, body []byte, headers map[string]string) (RefreshResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return RefreshResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := r.httpClient().Do(req)
	if err != nil {
		return RefreshResult{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return RefreshResult{}, fmt.Errorf("refresh endpoint returned status %d", resp.StatusCode)
	}

	var parsed refreshResponse
	if err = json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return RefreshResult{}, fmt.Errorf("decode refresh response: %w", err)
	}
	if parsed.AccessToken == "" {
		return RefreshResult{}, ErrInvalidResponse
	}

	expiresAt := time.Now().Add(time.Hour)
	if n, convErr := parsed.ExpiresIn.Int64(); convErr == nil && n > 0 {
		expiresAt = time.Now().Add(time.Duration(n) * time.Second)
	} else if raw, convErr := parsed.ExpiresAt.Int64(); convErr == nil && raw > 0 {
		expiresAt = normalizeUnix(raw)
	}

	result := RefreshResult{Token: oauth2.Token{
		AccessToken:  parsed.AccessToken,
		RefreshToken: parsed.RefreshToken,
		Expiry:       expiresAt,
	}}
	if !result.Valid() {
		return RefreshResult{}, fmt.Errorf("refresh endpoint returned a token oauth2 considers invalid or already expired")
	}
	return result, nil
}

// normalizeUnix applies the same epoch-seconds-vs-milliseconds heuristic
// used across the pack (values above 1e12 are treated as milliseconds).
func normalizeUnix(raw int64) time.Time {
	if raw <= 0 {
		return time.Time{}
	}
	if raw > 1_000_000_000_000 {
		return time.UnixMilli(raw)
	}
	return time.Unix(raw, 0)
}
