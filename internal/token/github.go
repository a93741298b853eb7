package token

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agentdhq/agentd/internal/config"
)

// GitHubAppRefresher exchanges a signed app JWT for a fresh installation
// access token. GitHub installation tokens live one hour, so the refresh
// flow runs roughly hourly per installation.
type GitHubAppRefresher struct {
	appID      int64
	privateKey *rsa.PrivateKey
	baseURL    string
	httpClient *http.Client
}

func NewGitHubAppRefresher(cfg *config.GitHubAppConfig) (*GitHubAppRefresher, error) {
	if cfg == nil || cfg.AppID == 0 {
		return nil, fmt.Errorf("github app config requires app_id")
	}
	key, err := loadAppPrivateKey(cfg)
	if err != nil {
		return nil, err
	}
	baseURL := cfg.APIBaseURL
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	return &GitHubAppRefresher{
		appID:      cfg.AppID,
		privateKey: key,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Refresh signs a short-lived app JWT (RS256, 10 minutes, 1 minute of clock
// skew) and posts it to the installation access-token endpoint. The refresh
// token argument is unused: GitHub Apps re-derive from the app key.
func (g *GitHubAppRefresher) Refresh(ctx context.Context, inst *Installation, _ string) (Token, string, error) {
	if inst.ExternalID == "" {
		return Token{}, "", fmt.Errorf("installation %s has no github installation id", inst.ID)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iat": now.Add(-1 * time.Minute).Unix(),
		"exp": now.Add(9 * time.Minute).Unix(),
		"iss": g.appID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(g.privateKey)
	if err != nil {
		return Token{}, "", fmt.Errorf("failed to sign app jwt: %w", err)
	}

	url := fmt.Sprintf("%s/app/installations/%s/access_tokens", g.baseURL, inst.ExternalID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return Token{}, "", err
	}
	req.Header.Set("Authorization", "Bearer "+signed)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return Token{}, "", fmt.Errorf("failed to request installation token: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusNotFound:
		return Token{}, "", fmt.Errorf("%w: github returned %s", ErrUnauthorized, resp.Status)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return Token{}, "", fmt.Errorf("installation token request failed: %s", resp.Status)
	}

	var body struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Token{}, "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if body.Token == "" {
		return Token{}, "", fmt.Errorf("token missing in response")
	}
	expires := body.ExpiresAt
	if expires.IsZero() {
		expires = time.Now().Add(58 * time.Minute)
	}
	return Token{Value: body.Token, ExpiresAt: expires}, "", nil
}

func loadAppPrivateKey(cfg *config.GitHubAppConfig) (*rsa.PrivateKey, error) {
	var keyData string
	switch {
	case cfg.PrivateKey != "":
		keyData = cfg.PrivateKey
	case cfg.PrivateKeyEnv != "":
		keyData = os.Getenv(cfg.PrivateKeyEnv)
	case cfg.PrivateKeyPath != "":
		data, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read app key: %w", err)
		}
		keyData = string(data)
	default:
		return nil, fmt.Errorf("github app private key required")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(keyData))
	if err != nil {
		return nil, fmt.Errorf("failed to parse app private key: %w", err)
	}
	return key, nil
}
