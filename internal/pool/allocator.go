// Package pool assigns each request an upstream credential or an external
// delegation account. Credentials are drawn by weighted random choice over
// a health score so reliable, rested ones are preferred without starving
// the rest of the pool.
package pool

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kirobox/kirobox/internal/auth"
	"github.com/kirobox/kirobox/internal/config"
	"github.com/kirobox/kirobox/internal/kiro"
	"github.com/kirobox/kirobox/internal/typ"
)

// ErrNoToken is returned when no credential or account can serve a request.
var ErrNoToken = errors.New("no available token")

// usageWindow bounds the short-term load counters. Counts reset once the
// window has fully elapsed, not per credential.
const usageWindow = time.Minute

// graceUses is how many requests a fresh credential gets before its success
// rate is held against it.
const graceUses = 10

// credentialSource is the slice of the credential store the allocator uses.
type credentialSource interface {
	ListByUser(userID string) ([]*typ.Credential, error)
	ListPublic() ([]*typ.Credential, error)
	RecordSuccess(id uint) error
	RecordFailure(id uint, errMsg string) error
	SetStatus(id uint, status typ.CredentialStatus, errMsg string) error
}

// accountSource is the slice of the account store the allocator uses.
type accountSource interface {
	ListByUser(userID string) ([]*typ.ExternalAccount, error)
	RecordSuccess(id uint) error
	RecordFailure(id uint) error
}

// Selection is one routing decision: either an upstream credential with its
// auth manager, or an external account the request is delegated to.
type Selection struct {
	Credential *typ.Credential
	Account    *typ.ExternalAccount
	Manager    *auth.Manager
}

// Delegated reports whether the request goes to an external account instead
// of the upstream.
func (s *Selection) Delegated() bool { return s.Account != nil }

// Allocator picks who serves each request and records how it went. One
// instance serves the whole server; it owns the auth manager cache.
type Allocator struct {
	creds    credentialSource
	accounts accountSource
	managers *auth.ManagerCache
	catalog  *config.ModelCatalog
	settings *config.Settings

	mu          sync.Mutex
	recentUses  map[uint]int
	windowStart time.Time
}

// NewAllocator wires an allocator to its stores, model catalog, and settings.
func NewAllocator(creds credentialSource, accounts accountSource, catalog *config.ModelCatalog, settings *config.Settings) *Allocator {
	return &Allocator{
		creds:       creds,
		accounts:    accounts,
		managers:    auth.NewManagerCache(settings.GetManagerCacheMaxSize()),
		catalog:     catalog,
		settings:    settings,
		recentUses:  make(map[uint]int),
		windowStart: time.Now(),
	}
}

// Pick selects a credential or account for one request. Authenticated users
// draw only from their own credentials and accounts; anonymous requests draw
// from the public credential pool.
func (a *Allocator) Pick(userID, model string) (*Selection, error) {
	premium := a.catalog.RequiresPremium(model, a.settings.GetPremiumModels())
	selfUse := a.settings.GetSelfUse()

	if userID != "" {
		return a.pickForUser(userID, model, premium, selfUse)
	}
	if selfUse {
		return nil, fmt.Errorf("%w: self-use mode disables the public pool", ErrNoToken)
	}
	return a.pickPublic(model, premium)
}

// pickForUser draws from the user's own credentials and accounts. A user
// with nothing usable gets an error, never the public pool.
func (a *Allocator) pickForUser(userID, model string, premium, selfUse bool) (*Selection, error) {
	owned, err := a.creds.ListByUser(userID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	var active []*typ.Credential
	for _, c := range owned {
		// Self-use mode keeps shared credentials out of serving paths.
		if c.Usable() && (!selfUse || c.Visibility == typ.VisibilityPrivate) {
			active = append(active, c)
		}
	}

	stored, err := a.accounts.ListByUser(userID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	var accounts []*typ.ExternalAccount
	for _, acct := range stored {
		if !acct.Disabled {
			accounts = append(accounts, acct)
		}
	}

	if premium {
		var proCreds []*typ.Credential
		for _, c := range active {
			if c.OpusEnabled {
				proCreds = append(proCreds, c)
			}
		}
		var proAccounts []*typ.ExternalAccount
		for _, acct := range accounts {
			if acct.ServesModel(model) {
				proAccounts = append(proAccounts, acct)
			}
		}

		switch {
		case len(proCreds) > 0 && len(proAccounts) > 0:
			// Split traffic between the two sides in proportion to their
			// sizes, then select within the winning side.
			if rand.Float64() < float64(len(proCreds))/float64(len(proCreds)+len(proAccounts)) {
				return a.useCredential(a.weightedPick(proCreds)), nil
			}
			return &Selection{Account: proAccounts[rand.Intn(len(proAccounts))]}, nil
		case len(proCreds) > 0:
			return a.useCredential(a.weightedPick(proCreds)), nil
		case len(proAccounts) > 0:
			return &Selection{Account: proAccounts[rand.Intn(len(proAccounts))]}, nil
		}
		logrus.Warnf("User %s has no premium credential or account bound to %s, using the full pool", userID, model)
	}

	total := len(active) + len(accounts)
	if total == 0 {
		return nil, fmt.Errorf("%w: user %s has no usable credential or account", ErrNoToken, userID)
	}

	// The normal tier treats credentials and accounts as one flat pool.
	n := rand.Intn(total)
	if n < len(active) {
		logrus.Debugf("User %s drew credential %d from %d candidates", userID, active[n].ID, total)
		return a.useCredential(active[n]), nil
	}
	return &Selection{Account: accounts[n-len(active)]}, nil
}

// pickPublic draws from credentials shared into the public pool.
func (a *Allocator) pickPublic(model string, premium bool) (*Selection, error) {
	public, err := a.creds.ListPublic()
	if err != nil {
		return nil, fmt.Errorf("list public credentials: %w", err)
	}
	var pool []*typ.Credential
	for _, c := range public {
		if c.Usable() {
			pool = append(pool, c)
		}
	}
	if len(pool) == 0 {
		return nil, fmt.Errorf("%w: public pool is empty", ErrNoToken)
	}

	// Prefer credentials above the success-rate floor, but keep fresh ones
	// in play. If the whole pool is below the floor, use it anyway.
	minRate := a.settings.GetTokenMinSuccessRate()
	var good []*typ.Credential
	for _, c := range pool {
		if c.SuccessRate() >= minRate || c.UseCount() < graceUses {
			good = append(good, c)
		}
	}
	if len(good) == 0 {
		good = pool
	}

	if premium {
		var pro []*typ.Credential
		for _, c := range good {
			if c.OpusEnabled {
				pro = append(pro, c)
			}
		}
		if len(pro) > 0 {
			return a.useCredential(a.weightedPick(pro)), nil
		}
		logrus.Warnf("No premium credential in the public pool for %s, falling back to standard ones", model)
	}

	return a.useCredential(a.weightedPick(good)), nil
}

// useCredential stamps short-term usage and attaches the cached manager.
func (a *Allocator) useCredential(cred *typ.Credential) *Selection {
	a.recordRecent(cred.ID)
	return &Selection{Credential: cred, Manager: a.manager(cred)}
}

func (a *Allocator) manager(cred *typ.Credential) *auth.Manager {
	return a.managers.GetOrCreate(cred, a.settings.GetRegion(), auth.WithProfileArn(a.settings.GetProfileArn()))
}

// RecordOutcome persists the result of one served request. Quota exhaustion
// retires the credential as expired; any other failure bumps the fail
// counter so the score reflects it.
func (a *Allocator) RecordOutcome(sel *Selection, opErr error) {
	if sel == nil {
		return
	}
	if sel.Account != nil {
		a.recordAccountOutcome(sel.Account, opErr)
		return
	}
	if sel.Credential == nil {
		return
	}

	id := sel.Credential.ID
	switch {
	case opErr == nil:
		if err := a.creds.RecordSuccess(id); err != nil {
			logrus.Warnf("Failed to record success for credential %d: %v", id, err)
		}
	case quotaExhausted(opErr):
		if err := a.creds.SetStatus(id, typ.StatusExpired, opErr.Error()); err != nil {
			logrus.Warnf("Failed to expire credential %d: %v", id, err)
		} else {
			logrus.Warnf("Credential %d hit its monthly limit, marked expired", id)
		}
	default:
		if err := a.creds.RecordFailure(id, opErr.Error()); err != nil {
			logrus.Warnf("Failed to record failure for credential %d: %v", id, err)
		}
	}
}

func (a *Allocator) recordAccountOutcome(acct *typ.ExternalAccount, opErr error) {
	var err error
	if opErr == nil {
		err = a.accounts.RecordSuccess(acct.ID)
	} else {
		err = a.accounts.RecordFailure(acct.ID)
	}
	if err != nil {
		logrus.Warnf("Failed to record outcome for account %d: %v", acct.ID, err)
	}
}

// quotaExhausted recognizes the upstream's monthly-limit rejection, typed
// or flattened into an error string by a wrapper.
func quotaExhausted(err error) bool {
	var apiErr *kiro.APIError
	if errors.As(err, &apiErr) && apiErr.IsQuotaExceeded() {
		return true
	}
	return strings.Contains(err.Error(), config.MarkerMonthlyLimit)
}

// score rates a credential 0-100: up to 40 for success rate, up to 30 for
// time since last use, up to 30 for a quiet last minute.
func (a *Allocator) score(cred *typ.Credential, now time.Time) float64 {
	rate := cred.SuccessRate()
	base := rate * 40
	if rate < a.settings.GetTokenMinSuccessRate() && cred.UseCount() > graceUses {
		base = rate * 20
	}

	var cooldown float64
	switch idle := cred.IdleDuration(now); {
	case idle < 30*time.Second:
		cooldown = 5
	case idle < time.Minute:
		cooldown = 15
	case idle < 5*time.Minute:
		cooldown = 25
	default:
		cooldown = 30
	}

	load := 30 - 10*float64(a.recentCount(cred.ID))
	if load < 0 {
		load = 0
	}

	total := base + cooldown + load
	logrus.Debugf("Credential %d score: %.1f (rate=%.1f cooldown=%.1f load=%.1f)", cred.ID, total, base, cooldown, load)
	return total
}

// weightedPick draws one credential with probability proportional to its
// score. High scorers are preferred, not guaranteed, so load still spreads.
func (a *Allocator) weightedPick(creds []*typ.Credential) *typ.Credential {
	if len(creds) == 1 {
		return creds[0]
	}

	now := time.Now()
	scores := make([]float64, len(creds))
	minScore := a.score(creds[0], now)
	scores[0] = minScore
	for i := 1; i < len(creds); i++ {
		scores[i] = a.score(creds[i], now)
		if scores[i] < minScore {
			minScore = scores[i]
		}
	}

	// Shift everything positive so no candidate has zero weight.
	var total float64
	for i := range scores {
		if minScore <= 0 {
			scores[i] += -minScore + 1
		}
		total += scores[i]
	}

	r := rand.Float64() * total
	var cumulative float64
	for i, s := range scores {
		cumulative += s
		if r <= cumulative {
			return creds[i]
		}
	}
	return creds[len(creds)-1]
}

func (a *Allocator) recentCount(id uint) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetWindowLocked(time.Now())
	return a.recentUses[id]
}

func (a *Allocator) recordRecent(id uint) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetWindowLocked(time.Now())
	a.recentUses[id]++
}

func (a *Allocator) resetWindowLocked(now time.Time) {
	if now.Sub(a.windowStart) > usageWindow {
		a.recentUses = make(map[uint]int)
		a.windowStart = now
	}
}
