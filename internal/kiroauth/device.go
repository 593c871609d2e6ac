package kiroauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// DeviceAuthorization is the response to StartDeviceAuthorization.
type DeviceAuthorization struct {
	DeviceCode              string
	UserCode                string
	VerificationURI         string
	VerificationURIComplete string
	Interval                time.Duration
	ExpiresAt               time.Time
}

// StartDeviceAuthorization begins the headless device-code flow used to
// bootstrap a new device-oidc account. Only used during initial account
// creation, never on the request path.
func StartDeviceAuthorization(ctx context.Context, client *http.Client, startURL, clientID, clientSecret, region string) (DeviceAuthorization, error) {
	if client == nil {
		client = http.DefaultClient
	}
	url := fmt.Sprintf("https://oidc.%s.amazonaws.com/device_authorization", region)
	body, _ := json.Marshal(map[string]string{
		"clientId":     clientID,
		"clientSecret": clientSecret,
		"startUrl":     startURL,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return DeviceAuthorization{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return DeviceAuthorization{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return DeviceAuthorization{}, fmt.Errorf("device_authorization returned status %d", resp.StatusCode)
	}

	var parsed struct {
		DeviceCode              string `json:"deviceCode"`
		UserCode                string `json:"userCode"`
		VerificationURI         string `json:"verificationUri"`
		VerificationURIComplete string `json:"verificationUriComplete"`
		Interval                int    `json:"interval"`
		ExpiresIn               int    `json:"expiresIn"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return DeviceAuthorization{}, fmt.Errorf("decode device_authorization response: %w", err)
	}
	if parsed.Interval <= 0 {
		parsed.Interval = 5
	}

	return DeviceAuthorization{
		DeviceCode:              parsed.DeviceCode,
		UserCode:                parsed.UserCode,
		VerificationURI:         parsed.VerificationURI,
		VerificationURIComplete: parsed.VerificationURIComplete,
		Interval:                time.Duration(parsed.Interval) * time.Second,
		ExpiresAt:               time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second),
	}, nil
}

// PollDeviceToken polls the token endpoint until the user completes the
// verification step, the device code expires, or ctx is cancelled.
func PollDeviceToken(ctx context.Context, client *http.Client, auth DeviceAuthorization, clientID, clientSecret, region string) (Credentials, error) {
	if client == nil {
		client = http.DefaultClient
	}
	url := fmt.Sprintf("https://oidc.%s.amazonaws.com/token", region)

	ticker := time.NewTicker(auth.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Credentials{}, ctx.Err()
		case <-ticker.C:
			if time.Now().After(auth.ExpiresAt) {
				return Credentials{}, fmt.Errorf("kiroauth: device code expired before authorization completed")
			}

			body, _ := json.Marshal(map[string]string{
				"clientId":     clientID,
				"clientSecret": clientSecret,
				"deviceCode":   auth.DeviceCode,
				"grantType":    "urn:ietf:params:oauth:grant-type:device_code",
			})
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
			if err != nil {
				return Credentials{}, err
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := client.Do(req)
			if err != nil {
				return Credentials{}, err
			}
			var parsed struct {
				AccessToken  string `json:"accessToken"`
				RefreshToken string `json:"refreshToken"`
				ExpiresIn    int    `json:"expiresIn"`
				Error        string `json:"error"`
			}
			decErr := json.NewDecoder(resp.Body).Decode(&parsed)
			_ = resp.Body.Close()
			if decErr != nil {
				return Credentials{}, fmt.Errorf("decode token response: %w", decErr)
			}
			if parsed.Error == "authorization_pending" || parsed.Error == "slow_down" {
				continue
			}
			if parsed.Error != "" {
				return Credentials{}, fmt.Errorf("device token exchange failed: %s", parsed.Error)
			}
			if parsed.AccessToken == "" {
				continue
			}

			return Credentials{
				AccessToken:  parsed.AccessToken,
				RefreshToken: parsed.RefreshToken,
				ExpiresAt:    time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second),
				AuthMethod:   DialectDeviceOIDC,
				ClientID:     clientID,
				ClientSecret: clientSecret,
				Region:       region,
			}, nil
		}
	}
}
