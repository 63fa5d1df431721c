// Package cli implements the kirobox command set.
package cli

import (
	"sync"

	"github.com/kirobox/kirobox/internal/config"
	"github.com/kirobox/kirobox/internal/data/db"
	"github.com/kirobox/kirobox/internal/util"
)

// App carries what every command needs: build info and the runtime settings.
// Settings resolve lazily, inside RunE, so the --config-dir flag has been
// parsed by the time it is read.
type App struct {
	Version   string
	ConfigDir string

	once     sync.Once
	settings *config.Settings
	err      error
}

// Settings loads the runtime settings on first use.
func (a *App) Settings() (*config.Settings, error) {
	a.once.Do(func() {
		dir := a.ConfigDir
		if dir == "" {
			dir = config.GetConfDir()
		} else {
			dir, a.err = util.ExpandConfigDir(dir)
			if a.err != nil {
				return
			}
		}
		a.settings, a.err = config.NewSettingsWithDir(dir)
	})
	return a.settings, a.err
}

// openCredentialStore opens the credential store under the config directory.
func (a *App) openCredentialStore() (*db.CredentialStore, error) {
	settings, err := a.Settings()
	if err != nil {
		return nil, err
	}
	cipher, err := db.NewCipher()
	if err != nil {
		return nil, err
	}
	return db.NewCredentialStore(settings.ConfigDir(), cipher)
}

// openAccountStore opens the external-account store under the config
// directory.
func (a *App) openAccountStore() (*db.AccountStore, error) {
	settings, err := a.Settings()
	if err != nil {
		return nil, err
	}
	cipher, err := db.NewCipher()
	if err != nil {
		return nil, err
	}
	return db.NewAccountStore(settings.ConfigDir(), cipher)
}
