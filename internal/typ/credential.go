package typ

import (
	"fmt"
	"strings"
	"time"
)

// AuthType distinguishes the two upstream OAuth flows.
type AuthType string

const (
	AuthTypeSocial AuthType = "social"
	AuthTypeIDC    AuthType = "idc"
)

// Visibility controls which users a credential may serve.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// CredentialStatus is the lifecycle state of a stored credential.
type CredentialStatus string

const (
	StatusActive  CredentialStatus = "active"
	StatusInvalid CredentialStatus = "invalid"
	StatusExpired CredentialStatus = "expired"
)

// Credential is one upstream identity. RefreshToken is encrypted at rest;
// the in-memory copy is plaintext. (refresh_token, region) is unique per
// owner. Status invalid or expired excludes it from allocation.
type Credential struct {
	ID           uint             `json:"id"`
	UserID       string           `json:"user_id"`
	RefreshToken string           `json:"refresh_token"`
	AuthType     AuthType         `json:"auth_type"`
	ClientID     string           `json:"client_id,omitempty"`
	ClientSecret string           `json:"client_secret,omitempty"`
	Region       string           `json:"region"`
	Visibility   Visibility       `json:"visibility"`
	Status       CredentialStatus `json:"status"`
	OpusEnabled  bool             `json:"opus_enabled"`
	SuccessCount int64            `json:"success_count"`
	FailCount    int64            `json:"fail_count"`
	LastUsedMs   int64            `json:"last_used_ms"`
	LastCheckMs  int64            `json:"last_check_ms"`
	LastError    string           `json:"last_error,omitempty"`
}

// Usable reports whether the credential may be allocated at all.
func (c *Credential) Usable() bool {
	return c.Status == StatusActive && c.RefreshToken != ""
}

// SuccessRate returns the historical success ratio in [0,1]. A credential
// with no recorded outcomes counts as fully healthy so new entries are not
// starved.
func (c *Credential) SuccessRate() float64 {
	total := c.SuccessCount + c.FailCount
	if total == 0 {
		return 1.0
	}
	return float64(c.SuccessCount) / float64(total)
}

// UseCount returns total recorded outcomes.
func (c *Credential) UseCount() int64 {
	return c.SuccessCount + c.FailCount
}

// IdleDuration returns how long since the credential last served a request.
func (c *Credential) IdleDuration(now time.Time) time.Duration {
	if c.LastUsedMs == 0 {
		return time.Duration(1<<62 - 1)
	}
	return now.Sub(time.UnixMilli(c.LastUsedMs))
}

// CacheKey identifies the credential's manager in the manager cache.
func (c *Credential) CacheKey() string {
	return fmt.Sprintf("%s|%s", c.RefreshToken, c.Region)
}

// AccountFormat is the wire dialect an external API account speaks.
type AccountFormat string

const (
	FormatOpenAI    AccountFormat = "openai"
	FormatAnthropic AccountFormat = "anthropic"
)

// ExternalAccount is an outbound pass-through target: requests for models in
// its whitelist are forwarded to api_base instead of the upstream.
type ExternalAccount struct {
	ID             uint          `json:"id"`
	UserID         string        `json:"user_id"`
	Name           string        `json:"name"`
	APIBase        string        `json:"api_base"`
	APIKey         string        `json:"api_key"`
	Format         AccountFormat `json:"format"`
	ProviderTag    string        `json:"provider_tag,omitempty"`
	ModelWhitelist string        `json:"model_whitelist,omitempty"`
	Disabled       bool          `json:"disabled"`
	SuccessCount   int64         `json:"success_count"`
	FailCount      int64         `json:"fail_count"`
	LastUsedMs     int64         `json:"last_used_ms"`
}

// WhitelistedModels splits the comma-separated whitelist into trimmed,
// non-empty entries.
func (a *ExternalAccount) WhitelistedModels() []string {
	if a.ModelWhitelist == "" {
		return nil
	}
	parts := strings.Split(a.ModelWhitelist, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// ServesModel reports whether the account's whitelist contains model exactly.
func (a *ExternalAccount) ServesModel(model string) bool {
	for _, m := range a.WhitelistedModels() {
		if m == model {
			return true
		}
	}
	return false
}

// OutboundModel returns the model name sent to the account's API. A
// whitelist with exactly one entry doubles as an override; otherwise the
// requested model passes through.
func (a *ExternalAccount) OutboundModel(requested string) string {
	if models := a.WhitelistedModels(); len(models) == 1 {
		return models[0]
	}
	return requested
}
