// Package auth owns both sides of authentication: upstream credential
// sessions (refresh-token flows against the regional auth endpoints) and
// the client-facing API keys (prefix-wrapped JWTs).
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kirobox/kirobox/internal/config"
	"github.com/kirobox/kirobox/internal/typ"
	"github.com/kirobox/kirobox/internal/util"
)

// refreshMargin is subtracted from the recorded expiry. A token inside the
// margin refreshes early so in-flight requests never race expiry.
const refreshMargin = 5 * time.Minute

// defaultTokenTTL applies when the refresh response omits expiresIn.
const defaultTokenTTL = 30 * time.Minute

// Manager owns one upstream authentication session: the refresh token, the
// region-derived hosts, and the cached access token. Token reads and the
// refresh flow are serialized by a per-manager mutex, so concurrent
// requests share a single in-flight refresh.
type Manager struct {
	refreshToken string
	region       string
	authType     typ.AuthType
	clientID     string
	clientSecret string

	apiHost   string
	qHost     string
	socialURL string
	idcURL    string

	hc *http.Client

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time
	profileArn  string
}

// Option adjusts a Manager at construction time.
type Option func(*Manager)

// WithHTTPClient substitutes the HTTP client used for refresh calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(m *Manager) { m.hc = hc }
}

// WithRefreshEndpoints overrides the region-derived refresh URLs. Tests
// point these at an httptest server.
func WithRefreshEndpoints(social, idc string) Option {
	return func(m *Manager) {
		if social != "" {
			m.socialURL = social
		}
		if idc != "" {
			m.idcURL = idc
		}
	}
}

// WithProfileArn seeds the profile ARN before the first refresh.
func WithProfileArn(arn string) Option {
	return func(m *Manager) { m.profileArn = arn }
}

// NewManager builds the authentication session for one credential. An empty
// credential region falls back to defaultRegion, then to the built-in
// default. A credential without an explicit auth type is treated as IDC
// when it carries a client pair.
func NewManager(cred *typ.Credential, defaultRegion string, opts ...Option) *Manager {
	region := cred.Region
	if region == "" {
		region = defaultRegion
	}
	if region == "" {
		region = config.DefaultRegion
	}

	m := &Manager{
		refreshToken: cred.RefreshToken,
		region:       region,
		authType:     cred.AuthType,
		clientID:     cred.ClientID,
		clientSecret: cred.ClientSecret,
		apiHost:      config.APIHost(region),
		qHost:        config.QHost(region),
		socialURL:    config.SocialRefreshURL(region),
		idcURL:       config.IDCRefreshURL(region),
		hc:           &http.Client{Timeout: config.DefaultRefreshTimeoutSec * time.Second},
	}
	if m.authType == "" {
		if m.clientID != "" && m.clientSecret != "" {
			m.authType = typ.AuthTypeIDC
		} else {
			m.authType = typ.AuthTypeSocial
		}
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// APIHost is the region-derived upstream base URL.
func (m *Manager) APIHost() string { return m.apiHost }

// Region returns the region this session authenticates against.
func (m *Manager) Region() string { return m.region }

// AuthType reports which refresh flow the manager uses.
func (m *Manager) AuthType() typ.AuthType { return m.authType }

// ProfileArn returns the profile ARN captured from the last refresh, or the
// seeded value when no refresh has run yet.
func (m *Manager) ProfileArn() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profileArn
}

// RefreshToken returns the current refresh token. The upstream may rotate
// it during refresh; callers that persist credentials should read this
// after successful calls.
func (m *Manager) RefreshToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshToken
}

// AccessToken returns the cached token when it is still comfortably valid,
// otherwise performs the refresh flow and caches the result.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.accessToken != "" && time.Now().Before(m.expiresAt.Add(-refreshMargin)) {
		return m.accessToken, nil
	}
	return m.refreshLocked(ctx)
}

// ForceRefresh drops the cached token and fetches a fresh one.
func (m *Manager) ForceRefresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.accessToken = ""
	return m.refreshLocked(ctx)
}

// refreshResponse is the shared shape of both refresh endpoints.
type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
	ProfileArn   string `json:"profileArn"`
}

func (m *Manager) refreshLocked(ctx context.Context) (string, error) {
	var (
		endpoint string
		request  map[string]string
	)
	if m.authType == typ.AuthTypeIDC {
		endpoint = m.idcURL
		request = map[string]string{
			"clientId":     m.clientID,
			"clientSecret": m.clientSecret,
			"grantType":    "refresh_token",
			"refreshToken": m.refreshToken,
		}
	} else {
		endpoint = m.socialURL
		request = map[string]string{"refreshToken": m.refreshToken}
	}

	payload, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("failed to marshal refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := m.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("token refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("token refresh failed: status %d, body: %s", resp.StatusCode, string(body))
	}

	var out refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode refresh response: %w", err)
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("refresh response carried no access token")
	}

	m.accessToken = out.AccessToken
	if out.ExpiresIn > 0 {
		m.expiresAt = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	} else {
		m.expiresAt = time.Now().Add(defaultTokenTTL)
	}
	if out.RefreshToken != "" && out.RefreshToken != m.refreshToken {
		logrus.Debugf("Upstream rotated refresh token %s", util.MaskToken(m.refreshToken))
		m.refreshToken = out.RefreshToken
	}
	if out.ProfileArn != "" {
		m.profileArn = out.ProfileArn
	}

	logrus.Debugf("Refreshed access token for %s (%s), valid until %s",
		util.MaskToken(m.refreshToken), m.authType, m.expiresAt.Format(time.RFC3339))
	return m.accessToken, nil
}
