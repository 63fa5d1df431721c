package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kirobox/kirobox/internal/auth"
	"github.com/kirobox/kirobox/internal/config"
	"github.com/kirobox/kirobox/internal/typ"
)

// accessTokenSource is the slice of the auth manager a check needs.
type accessTokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// credentialChecker persists health-check outcomes.
type credentialChecker interface {
	List() ([]*typ.Credential, error)
	RecordHealthCheck(id uint, status typ.CredentialStatus, errMsg string) error
}

// CheckResult summarizes one sweep over the active credentials.
type CheckResult struct {
	Checked int
	Valid   int
	Invalid int
}

// HealthChecker revalidates active credentials in the background by running
// each one's refresh flow. Failures mark the credential invalid so the
// allocator stops picking it.
type HealthChecker struct {
	store    credentialChecker
	settings *config.Settings

	// newSession builds a throwaway token source per check. A cached
	// manager could answer from its token cache and prove nothing about
	// the refresh token.
	newSession func(cred *typ.Credential) accessTokenSource

	mu       sync.RWMutex
	interval time.Duration
	spacing  time.Duration
	stopChan chan struct{}
	running  bool
}

// NewHealthChecker builds a checker over the credential store. The sweep
// cadence comes from settings; the first sweep runs one full interval after
// Start.
func NewHealthChecker(store credentialChecker, settings *config.Settings) *HealthChecker {
	hc := &HealthChecker{
		store:    store,
		settings: settings,
		interval: settings.GetHealthCheckInterval(),
		spacing:  time.Second,
		stopChan: make(chan struct{}),
	}
	hc.newSession = func(cred *typ.Credential) accessTokenSource {
		return auth.NewManager(cred, settings.GetRegion(), auth.WithProfileArn(settings.GetProfileArn()))
	}
	return hc
}

// SetCheckInterval overrides the sweep cadence. Takes effect on the next
// Start.
func (hc *HealthChecker) SetCheckInterval(d time.Duration) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.interval = d
}

// SetCheckSpacing overrides the delay between consecutive credential checks
// within one sweep.
func (hc *HealthChecker) SetCheckSpacing(d time.Duration) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.spacing = d
}

// Start runs the sweep loop until the context is cancelled or Stop is
// called. It blocks; run it in a goroutine.
func (hc *HealthChecker) Start(ctx context.Context) {
	hc.mu.Lock()
	if hc.running {
		hc.mu.Unlock()
		logrus.Warn("Credential health checker is already running")
		return
	}
	hc.running = true
	stop := hc.stopChan
	interval := hc.interval
	hc.mu.Unlock()

	defer func() {
		hc.mu.Lock()
		hc.running = false
		hc.mu.Unlock()
	}()

	logrus.Infof("Credential health checker started (interval: %s)", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			hc.CheckAll(ctx)
		}
	}
}

// Stop ends the sweep loop. Safe to call when not running.
func (hc *HealthChecker) Stop() {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	if hc.running {
		close(hc.stopChan)
		hc.stopChan = make(chan struct{})
	}
	logrus.Info("Credential health checker stopped")
}

// Running reports whether the sweep loop is active.
func (hc *HealthChecker) Running() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.running
}

// CheckAll sweeps every active credential once, spacing checks out to stay
// clear of upstream rate limits.
func (hc *HealthChecker) CheckAll(ctx context.Context) CheckResult {
	creds, err := hc.store.List()
	if err != nil {
		logrus.Errorf("Health check could not list credentials: %v", err)
		return CheckResult{}
	}

	var active []*typ.Credential
	for _, c := range creds {
		if c.Status == typ.StatusActive {
			active = append(active, c)
		}
	}
	if len(active) == 0 {
		logrus.Debug("No active credentials to check")
		return CheckResult{}
	}

	logrus.Infof("Starting health check for %d credentials", len(active))

	res := CheckResult{Checked: len(active)}
	for i, cred := range active {
		if err := hc.checkOne(ctx, cred); err != nil {
			res.Invalid++
			logrus.Warnf("Credential %d marked invalid: %v", cred.ID, err)
		} else {
			res.Valid++
		}

		if i < len(active)-1 && !hc.pause(ctx) {
			break
		}
	}

	logrus.Infof("Health check complete: %d valid, %d invalid", res.Valid, res.Invalid)
	return res
}

// checkOne probes a single credential's refresh flow and records the
// outcome. The returned error is what got the credential marked invalid.
func (hc *HealthChecker) checkOne(ctx context.Context, cred *typ.Credential) error {
	if cred.RefreshToken == "" {
		err := errors.New("credential has no refresh token")
		hc.record(cred.ID, typ.StatusInvalid, err.Error())
		return err
	}

	token, err := hc.newSession(cred).AccessToken(ctx)
	if err != nil {
		hc.record(cred.ID, typ.StatusInvalid, err.Error())
		return err
	}
	if token == "" {
		err := errors.New("no access token returned")
		hc.record(cred.ID, typ.StatusInvalid, err.Error())
		return err
	}

	hc.record(cred.ID, typ.StatusActive, "")
	return nil
}

func (hc *HealthChecker) record(id uint, status typ.CredentialStatus, errMsg string) {
	if err := hc.store.RecordHealthCheck(id, status, errMsg); err != nil {
		logrus.Warnf("Failed to record health check for credential %d: %v", id, err)
	}
}

// pause waits out the inter-check spacing. Returns false when the sweep
// should abort.
func (hc *HealthChecker) pause(ctx context.Context) bool {
	hc.mu.RLock()
	stop := hc.stopChan
	spacing := hc.spacing
	hc.mu.RUnlock()

	t := time.NewTimer(spacing)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	case <-t.C:
		return true
	}
}
