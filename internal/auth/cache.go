package auth

import (
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/kirobox/kirobox/internal/config"
	"github.com/kirobox/kirobox/internal/typ"
	"github.com/kirobox/kirobox/internal/util"
)

// ManagerCache retains credential managers keyed by (refresh token, region)
// so repeated allocations of one credential reuse its cached access token.
// Capacity-bounded: least-recently-used managers are evicted first. Status
// changes on credentials never remove entries; the allocator's filtering
// makes stale managers harmless.
type ManagerCache struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *Manager]
}

// NewManagerCache builds a cache holding at most maxSize managers. A
// non-positive size falls back to the default cap.
func NewManagerCache(maxSize int) *ManagerCache {
	if maxSize <= 0 {
		maxSize = config.DefaultManagerCacheMaxSize
	}
	cache, _ := lru.NewWithEvict(maxSize, func(key string, _ *Manager) {
		logrus.Debugf("Evicted credential manager %s", maskCacheKey(key))
	})
	return &ManagerCache{cache: cache}
}

// Get returns the cached manager for cred and refreshes its recency.
func (mc *ManagerCache) Get(cred *typ.Credential) (*Manager, bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.cache.Get(cred.CacheKey())
}

// GetOrCreate returns the cached manager for cred, building and inserting
// one on miss. Construction options apply only on miss.
func (mc *ManagerCache) GetOrCreate(cred *typ.Credential, defaultRegion string, opts ...Option) *Manager {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	key := cred.CacheKey()
	if m, ok := mc.cache.Get(key); ok {
		return m
	}

	m := NewManager(cred, defaultRegion, opts...)
	mc.cache.Add(key, m)
	logrus.Debugf("Cached credential manager %s (size=%d)", maskCacheKey(key), mc.cache.Len())
	return m
}

// Remove drops the manager for (refreshToken, region). An empty region
// drops the token's managers across all regions. Returns how many entries
// were removed.
func (mc *ManagerCache) Remove(refreshToken, region string) int {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if region != "" {
		if mc.cache.Remove(refreshToken + "|" + region) {
			return 1
		}
		return 0
	}

	removed := 0
	prefix := refreshToken + "|"
	for _, key := range mc.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			if mc.cache.Remove(key) {
				removed++
			}
		}
	}
	return removed
}

// Len reports how many managers are cached.
func (mc *ManagerCache) Len() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.cache.Len()
}

// maskCacheKey redacts the token half of a cache key, keeping the region.
func maskCacheKey(key string) string {
	token, region, ok := strings.Cut(key, "|")
	if !ok {
		return util.MaskToken(key)
	}
	return util.MaskToken(token) + "|" + region
}
