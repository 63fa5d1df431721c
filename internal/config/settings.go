package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// EnvPrefix namespaces all environment overrides.
const EnvPrefix = "KIROBOX_"

// Settings is the persisted runtime configuration. Values load from
// config.json under the config directory; any field with a matching
// KIROBOX_* environment variable is overridden after load.
type Settings struct {
	ServerPort int    `json:"server_port"`
	JWTSecret  string `json:"jwt_secret"`

	// APIKeys lists static client keys accepted alongside JWT-issued ones.
	APIKeys []string `json:"api_keys,omitempty"`

	// SelfUse disables the public credential pool; anonymous requests are
	// rejected and user requests only see private credentials.
	SelfUse bool `json:"self_use"`

	Region     string `json:"region"`
	ProfileArn string `json:"profile_arn,omitempty"`

	FirstTokenTimeoutSec  int     `json:"first_token_timeout"`
	FirstTokenMaxRetries  int     `json:"first_token_max_retries"`
	StreamReadTimeoutSec  int     `json:"stream_read_timeout"`
	TokenMinSuccessRate   float64 `json:"token_min_success_rate"`
	HealthCheckIntervalS  int     `json:"token_health_check_interval"`
	ManagerCacheMaxSize   int     `json:"auth_manager_cache_max_size"`
	ToolDescMaxLength     int     `json:"tool_description_max_length"`
	RequestTimeoutSec     int     `json:"request_timeout"`

	// PremiumModels lists model names that require opus-enabled credentials
	// in addition to the built-in "opus" name match.
	PremiumModels []string `json:"premium_models,omitempty"`

	Verbose bool `json:"verbose"`
	Debug   bool `json:"debug"`

	ConfigFile string `json:"-"`

	mu sync.RWMutex
}

// NewSettings loads settings from the default config directory.
func NewSettings() (*Settings, error) {
	return NewSettingsWithDir(GetConfDir())
}

// NewSettingsWithDir loads settings from configDir, creating a default
// config.json on first run.
func NewSettingsWithDir(configDir string) (*Settings, error) {
	if configDir == "" {
		return nil, fmt.Errorf("config directory is empty")
	}

	if err := os.MkdirAll(configDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}
	for _, dir := range []string{GetLogDir(configDir), GetDBDir(configDir)} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	s := &Settings{
		ConfigFile: filepath.Join(configDir, "config.json"),
	}

	if err := s.load(); err != nil {
		if os.IsNotExist(err) {
			s.applyDefaults()
			if err := s.save(); err != nil {
				return nil, fmt.Errorf("failed to create default config: %w", err)
			}
		} else {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	// Fill gaps for configs written by older versions.
	if s.applyDefaults() {
		if err := s.save(); err != nil {
			return nil, fmt.Errorf("failed to set default values: %w", err)
		}
	}

	s.applyEnv()
	return s, nil
}

// applyDefaults fills zero-valued fields and reports whether anything changed.
func (s *Settings) applyDefaults() bool {
	changed := false
	if s.ServerPort == 0 {
		s.ServerPort = DefaultServerPort
		changed = true
	}
	if s.JWTSecret == "" {
		s.JWTSecret = generateSecret()
		changed = true
	}
	if s.Region == "" {
		s.Region = DefaultRegion
		changed = true
	}
	if s.FirstTokenTimeoutSec == 0 {
		s.FirstTokenTimeoutSec = DefaultFirstTokenTimeoutSec
		changed = true
	}
	if s.FirstTokenMaxRetries == 0 {
		s.FirstTokenMaxRetries = DefaultFirstTokenMaxRetries
		changed = true
	}
	if s.StreamReadTimeoutSec == 0 {
		s.StreamReadTimeoutSec = DefaultStreamReadTimeoutSec
		changed = true
	}
	if s.TokenMinSuccessRate == 0 {
		s.TokenMinSuccessRate = DefaultTokenMinSuccessRate
		changed = true
	}
	if s.HealthCheckIntervalS == 0 {
		s.HealthCheckIntervalS = DefaultHealthCheckIntervalS
		changed = true
	}
	if s.ManagerCacheMaxSize == 0 {
		s.ManagerCacheMaxSize = DefaultManagerCacheMaxSize
		changed = true
	}
	if s.ToolDescMaxLength == 0 {
		s.ToolDescMaxLength = DefaultToolDescMaxLength
		changed = true
	}
	if s.RequestTimeoutSec == 0 {
		s.RequestTimeoutSec = DefaultRequestTimeoutSec
		changed = true
	}
	return changed
}

// applyEnv overrides loaded values from KIROBOX_* environment variables.
func (s *Settings) applyEnv() {
	if v := envStr("REGION"); v != "" {
		s.Region = v
	}
	if v := envStr("PROFILE_ARN"); v != "" {
		s.ProfileArn = v
	}
	if v := envStr("JWT_SECRET"); v != "" {
		s.JWTSecret = v
	}
	if v := envStr("API_KEYS"); v != "" {
		keys := strings.Split(v, ",")
		s.APIKeys = s.APIKeys[:0]
		for _, k := range keys {
			if t := strings.TrimSpace(k); t != "" {
				s.APIKeys = append(s.APIKeys, t)
			}
		}
	}
	if v, ok := envInt("SERVER_PORT"); ok {
		s.ServerPort = v
	}
	if v, ok := envInt("FIRST_TOKEN_TIMEOUT"); ok {
		s.FirstTokenTimeoutSec = v
	}
	if v, ok := envInt("FIRST_TOKEN_MAX_RETRIES"); ok {
		s.FirstTokenMaxRetries = v
	}
	if v, ok := envInt("STREAM_READ_TIMEOUT"); ok {
		s.StreamReadTimeoutSec = v
	}
	if v, ok := envFloat("TOKEN_MIN_SUCCESS_RATE"); ok {
		s.TokenMinSuccessRate = v
	}
	if v, ok := envInt("TOKEN_HEALTH_CHECK_INTERVAL"); ok {
		s.HealthCheckIntervalS = v
	}
	if v, ok := envInt("AUTH_MANAGER_CACHE_MAX_SIZE"); ok {
		s.ManagerCacheMaxSize = v
	}
	if v, ok := envInt("TOOL_DESCRIPTION_MAX_LENGTH"); ok {
		s.ToolDescMaxLength = v
	}
	if v, ok := envBool("SELF_USE"); ok {
		s.SelfUse = v
	}
	if v, ok := envBool("DEBUG"); ok {
		s.Debug = v
	}
	if v, ok := envBool("VERBOSE"); ok {
		s.Verbose = v
	}
}

func envStr(name string) string {
	return os.Getenv(EnvPrefix + name)
}

func envInt(name string) (int, bool) {
	raw := os.Getenv(EnvPrefix + name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func envFloat(name string) (float64, bool) {
	raw := os.Getenv(EnvPrefix + name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func envBool(name string) (bool, bool) {
	raw := os.Getenv(EnvPrefix + name)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

// load reads settings from disk.
func (s *Settings) load() error {
	configFile := s.ConfigFile

	data, err := os.ReadFile(configFile)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, s); err != nil {
		return err
	}

	s.ConfigFile = configFile
	return nil
}

// save writes settings to disk.
func (s *Settings) save() error {
	if s.ConfigFile == "" {
		return fmt.Errorf("ConfigFile is empty")
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.ConfigFile, data, 0600)
}

// Save persists the current settings.
func (s *Settings) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save()
}

// Reload re-reads settings from disk, then re-applies env overrides.
func (s *Settings) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return err
	}
	s.applyEnv()
	return nil
}

// ConfigDir returns the directory holding the settings file, the log dir,
// and the database dir.
func (s *Settings) ConfigDir() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filepath.Dir(s.ConfigFile)
}

func (s *Settings) GetServerPort() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ServerPort
}

func (s *Settings) GetJWTSecret() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.JWTSecret
}

func (s *Settings) GetRegion() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Region
}

func (s *Settings) GetProfileArn() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ProfileArn
}

func (s *Settings) GetSelfUse() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.SelfUse
}

// SetSelfUse toggles self-use mode and persists the change.
func (s *Settings) SetSelfUse(v bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SelfUse = v
	return s.save()
}

func (s *Settings) GetDebug() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Debug
}

func (s *Settings) GetVerbose() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Verbose
}

func (s *Settings) GetAPIKeys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, len(s.APIKeys))
	copy(keys, s.APIKeys)
	return keys
}

func (s *Settings) GetPremiumModels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	models := make([]string, len(s.PremiumModels))
	copy(models, s.PremiumModels)
	return models
}

func (s *Settings) GetTokenMinSuccessRate() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.TokenMinSuccessRate
}

func (s *Settings) GetFirstTokenTimeout() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Duration(s.FirstTokenTimeoutSec) * time.Second
}

func (s *Settings) GetFirstTokenMaxRetries() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.FirstTokenMaxRetries
}

func (s *Settings) GetStreamReadTimeout() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Duration(s.StreamReadTimeoutSec) * time.Second
}

func (s *Settings) GetHealthCheckInterval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Duration(s.HealthCheckIntervalS) * time.Second
}

func (s *Settings) GetManagerCacheMaxSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ManagerCacheMaxSize
}

func (s *Settings) GetToolDescMaxLength() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ToolDescMaxLength
}

func (s *Settings) GetRequestTimeout() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Duration(s.RequestTimeoutSec) * time.Second
}

// generateSecret returns a random base64 string for JWT signing.
func generateSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		// Extremely unlikely; fall back to a fixed marker that forces
		// the operator to set a secret manually.
		return "kirobox-insecure-secret"
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
