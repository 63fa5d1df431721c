package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// ModelInfo describes one servable model.
type ModelInfo struct {
	// ID is the client-facing model name.
	ID string `json:"id"`
	// InternalID is the upstream modelId literal.
	InternalID string `json:"internal_id"`
	// MaxInputTokens is the context window used for usage budgeting.
	MaxInputTokens int `json:"max_input_tokens"`
	// TimeoutMultiplier scales the inter-chunk read timeout. Slow models
	// need more headroom between chunks.
	TimeoutMultiplier float64 `json:"timeout_multiplier"`
	// Premium marks models served only by opus-enabled credentials.
	Premium bool `json:"premium"`
}

// DefaultMaxInputTokens is assumed for models missing from the catalog.
const DefaultMaxInputTokens = 200000

// builtinModels is the baseline catalog. A models.json in the config
// directory may override or extend it.
var builtinModels = []ModelInfo{
	{ID: "claude-sonnet-4-20250514", InternalID: "CLAUDE_SONNET_4_20250514_V1_0", MaxInputTokens: 200000, TimeoutMultiplier: 1.5},
	{ID: "claude-3-7-sonnet-20250219", InternalID: "CLAUDE_3_7_SONNET_20250219_V1_0", MaxInputTokens: 200000, TimeoutMultiplier: 1.5},
	{ID: "claude-3-5-haiku-20241022", InternalID: "CLAUDE_3_5_HAIKU_20241022_V1_0", MaxInputTokens: 200000, TimeoutMultiplier: 1.0},
	{ID: "claude-opus-4-20250514", InternalID: "CLAUDE_OPUS_4_20250514_V1_0", MaxInputTokens: 200000, TimeoutMultiplier: 2.0, Premium: true},
	{ID: "claude-opus-4-1-20250805", InternalID: "CLAUDE_OPUS_4_1_20250805_V1_0", MaxInputTokens: 200000, TimeoutMultiplier: 2.0, Premium: true},
	{ID: "auto", InternalID: "auto", MaxInputTokens: 200000, TimeoutMultiplier: 1.5},
}

// catalogReloadInterval bounds how often the override file is re-checked.
const catalogReloadInterval = 5 * time.Minute

// ModelCatalog resolves client model names to upstream IDs and per-model
// limits. The override file is re-read at most every catalogReloadInterval.
type ModelCatalog struct {
	overridePath string

	mu         sync.RWMutex
	models     map[string]ModelInfo
	lastReload time.Time
	lastMod    time.Time
}

// NewModelCatalog builds a catalog from the builtin table plus an optional
// models.json override in configDir.
func NewModelCatalog(configDir string) *ModelCatalog {
	mc := &ModelCatalog{
		overridePath: filepath.Join(configDir, "models.json"),
		models:       make(map[string]ModelInfo, len(builtinModels)),
	}
	for _, m := range builtinModels {
		mc.models[m.ID] = m
	}
	mc.loadOverrides()
	return mc
}

// loadOverrides merges the override file into the catalog. Missing file is
// not an error.
func (mc *ModelCatalog) loadOverrides() {
	stat, err := os.Stat(mc.overridePath)
	if err != nil {
		mc.lastReload = time.Now()
		return
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.lastReload = time.Now()
	if !stat.ModTime().After(mc.lastMod) {
		return
	}

	data, err := os.ReadFile(mc.overridePath)
	if err != nil {
		return
	}
	var overrides []ModelInfo
	if err := json.Unmarshal(data, &overrides); err != nil {
		return
	}
	for _, m := range overrides {
		if m.ID == "" {
			continue
		}
		if m.MaxInputTokens == 0 {
			m.MaxInputTokens = DefaultMaxInputTokens
		}
		if m.TimeoutMultiplier == 0 {
			m.TimeoutMultiplier = 1.0
		}
		if m.InternalID == "" {
			m.InternalID = m.ID
		}
		mc.models[m.ID] = m
	}
	mc.lastMod = stat.ModTime()
}

func (mc *ModelCatalog) maybeReload() {
	mc.mu.RLock()
	stale := time.Since(mc.lastReload) > catalogReloadInterval
	mc.mu.RUnlock()
	if stale {
		mc.loadOverrides()
	}
}

// Lookup returns the catalog entry for a model name.
func (mc *ModelCatalog) Lookup(model string) (ModelInfo, bool) {
	mc.maybeReload()
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	info, ok := mc.models[model]
	return info, ok
}

// InternalModelID maps a client model name to the upstream modelId. Unknown
// names pass through unchanged so new upstream models work without a catalog
// update.
func (mc *ModelCatalog) InternalModelID(model string) string {
	if info, ok := mc.Lookup(model); ok {
		return info.InternalID
	}
	return model
}

// MaxInputTokens returns the model's context window for usage budgeting.
func (mc *ModelCatalog) MaxInputTokens(model string) int {
	if info, ok := mc.Lookup(model); ok && info.MaxInputTokens > 0 {
		return info.MaxInputTokens
	}
	return DefaultMaxInputTokens
}

// TimeoutMultiplier returns the stream-read timeout scale for a model.
func (mc *ModelCatalog) TimeoutMultiplier(model string) float64 {
	if info, ok := mc.Lookup(model); ok && info.TimeoutMultiplier > 0 {
		return info.TimeoutMultiplier
	}
	if strings.Contains(strings.ToLower(model), "opus") {
		return 2.0
	}
	return 1.0
}

// AdaptiveTimeout scales base by the model's multiplier.
func (mc *ModelCatalog) AdaptiveTimeout(model string, base time.Duration) time.Duration {
	return time.Duration(float64(base) * mc.TimeoutMultiplier(model))
}

// RequiresPremium reports whether the model needs an opus-enabled
// credential. Any model with "opus" in its name qualifies, as do sonnet
// names at the 4-6 revision, catalog entries marked premium, and anything
// in extra.
func (mc *ModelCatalog) RequiresPremium(model string, extra []string) bool {
	if model == "" {
		return false
	}
	if info, ok := mc.Lookup(model); ok && info.Premium {
		return true
	}
	lower := strings.ToLower(model)
	if strings.Contains(lower, "opus") {
		return true
	}
	if strings.Contains(lower, "sonnet") && (strings.Contains(lower, "4-6") || strings.Contains(lower, "4.6")) {
		return true
	}
	for _, m := range extra {
		if m == model {
			return true
		}
	}
	return false
}

// List returns all catalog entries sorted by name.
func (mc *ModelCatalog) List() []ModelInfo {
	mc.maybeReload()
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	out := make([]ModelInfo, 0, len(mc.models))
	for _, m := range mc.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
