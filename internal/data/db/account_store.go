package db

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/kirobox/kirobox/internal/config"
	"github.com/kirobox/kirobox/internal/typ"
)

// AccountRecord is the GORM model for an external pass-through API account.
// The api_key column holds AES-GCM ciphertext.
type AccountRecord struct {
	ID             uint   `gorm:"primaryKey;autoIncrement;column:id"`
	UserID         string `gorm:"column:user_id;not null;index;uniqueIndex:idx_accounts_user_name"`
	Name           string `gorm:"column:name;not null;uniqueIndex:idx_accounts_user_name"`
	APIBase        string `gorm:"column:api_base;not null"`
	APIKey         string `gorm:"column:api_key"`
	Format         string `gorm:"column:format;not null"`
	ProviderTag    string `gorm:"column:provider_tag"`
	ModelWhitelist string `gorm:"column:model_whitelist;type:text"`
	Disabled       bool   `gorm:"column:disabled;default:false"`

	SuccessCount int64 `gorm:"column:success_count;default:0"`
	FailCount    int64 `gorm:"column:fail_count;default:0"`
	LastUsedMs   int64 `gorm:"column:last_used_ms;default:0"`

	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (AccountRecord) TableName() string {
	return "external_accounts"
}

// AccountStore persists external API accounts in SQLite.
type AccountStore struct {
	db     *gorm.DB
	cipher *Cipher
	mu     sync.Mutex
}

// NewAccountStore creates or loads the account store under baseDir.
func NewAccountStore(baseDir string, cipher *Cipher) (*AccountStore, error) {
	logrus.Debugf("Initializing account store in directory: %s", baseDir)
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create account store directory: %w", err)
	}

	dbPath := config.GetDBFile(baseDir)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	dsn := dbPath + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=1"
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open account database: %w", err)
	}

	if err := gdb.AutoMigrate(&AccountRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate account database: %w", err)
	}

	return &AccountStore{db: gdb, cipher: cipher}, nil
}

func (as *AccountStore) toRecord(a *typ.ExternalAccount) (*AccountRecord, error) {
	sealedKey, err := as.cipher.Encrypt(a.APIKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt api key: %w", err)
	}

	now := time.Now()
	return &AccountRecord{
		ID:             a.ID,
		UserID:         a.UserID,
		Name:           a.Name,
		APIBase:        a.APIBase,
		APIKey:         sealedKey,
		Format:         string(a.Format),
		ProviderTag:    a.ProviderTag,
		ModelWhitelist: a.ModelWhitelist,
		Disabled:       a.Disabled,
		SuccessCount:   a.SuccessCount,
		FailCount:      a.FailCount,
		LastUsedMs:     a.LastUsedMs,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func (as *AccountStore) toAccount(r *AccountRecord) (*typ.ExternalAccount, error) {
	key, err := as.cipher.Decrypt(r.APIKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt api key for account %d: %w", r.ID, err)
	}

	return &typ.ExternalAccount{
		ID:             r.ID,
		UserID:         r.UserID,
		Name:           r.Name,
		APIBase:        r.APIBase,
		APIKey:         key,
		Format:         typ.AccountFormat(r.Format),
		ProviderTag:    r.ProviderTag,
		ModelWhitelist: r.ModelWhitelist,
		Disabled:       r.Disabled,
		SuccessCount:   r.SuccessCount,
		FailCount:      r.FailCount,
		LastUsedMs:     r.LastUsedMs,
	}, nil
}

// Save creates the account when ID is zero, otherwise updates the existing
// row. Names are unique per user.
func (as *AccountStore) Save(account *typ.ExternalAccount) error {
	if account == nil {
		return errors.New("account cannot be nil")
	}
	if account.Name == "" {
		return errors.New("account name cannot be empty")
	}
	if account.APIBase == "" {
		return errors.New("account api base cannot be empty")
	}
	if account.UserID == "" {
		return errors.New("account user id cannot be empty")
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	if account.ID == 0 {
		var count int64
		if err := as.db.Model(&AccountRecord{}).
			Where("user_id = ? AND name = ?", account.UserID, account.Name).
			Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check for existing account: %w", err)
		}
		if count > 0 {
			return fmt.Errorf("account '%s' already exists for user '%s'", account.Name, account.UserID)
		}

		record, err := as.toRecord(account)
		if err != nil {
			return err
		}
		if err := as.db.Create(record).Error; err != nil {
			return fmt.Errorf("failed to create account record: %w", err)
		}
		account.ID = record.ID
		logrus.Debugf("Created external account %d (%s) for user %s", record.ID, account.Name, account.UserID)
		return nil
	}

	var existing AccountRecord
	if err := as.db.Where("id = ?", account.ID).First(&existing).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("account %d not found", account.ID)
		}
		return fmt.Errorf("failed to query existing account: %w", err)
	}

	record, err := as.toRecord(account)
	if err != nil {
		return err
	}
	record.CreatedAt = existing.CreatedAt
	if err := as.db.Save(record).Error; err != nil {
		return fmt.Errorf("failed to update account record: %w", err)
	}
	logrus.Debugf("Updated external account %d (%s)", account.ID, account.Name)
	return nil
}

// GetByID returns one account by primary key.
func (as *AccountStore) GetByID(id uint) (*typ.ExternalAccount, error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	var record AccountRecord
	if err := as.db.Where("id = ?", id).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("account %d not found", id)
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	return as.toAccount(&record)
}

// GetByName returns one account by owner and name.
func (as *AccountStore) GetByName(userID, name string) (*typ.ExternalAccount, error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	var record AccountRecord
	if err := as.db.Where("user_id = ? AND name = ?", userID, name).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("account '%s' not found", name)
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	return as.toAccount(&record)
}

// List returns all accounts.
func (as *AccountStore) List() ([]*typ.ExternalAccount, error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	return as.listWhere(nil)
}

// ListByUser returns the accounts owned by one user.
func (as *AccountStore) ListByUser(userID string) ([]*typ.ExternalAccount, error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	return as.listWhere(map[string]interface{}{"user_id": userID})
}

func (as *AccountStore) listWhere(cond map[string]interface{}) ([]*typ.ExternalAccount, error) {
	var records []AccountRecord
	q := as.db
	if cond != nil {
		q = q.Where(cond)
	}
	if err := q.Order("id").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	accounts := make([]*typ.ExternalAccount, 0, len(records))
	for i := range records {
		account, err := as.toAccount(&records[i])
		if err != nil {
			logrus.Warnf("Skipping unreadable account %d: %v", records[i].ID, err)
			continue
		}
		accounts = append(accounts, account)
	}
	return accounts, nil
}

// Delete removes an account by id.
func (as *AccountStore) Delete(id uint) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	result := as.db.Where("id = ?", id).Delete(&AccountRecord{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete account: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("account %d not found", id)
	}

	logrus.Debugf("Deleted external account %d", id)
	return nil
}

// SetDisabled flips the disabled flag.
func (as *AccountStore) SetDisabled(id uint, disabled bool) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	result := as.db.Model(&AccountRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"disabled":   disabled,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update account: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("account %d not found", id)
	}
	return nil
}

// RecordSuccess bumps the success counter and stamps last use.
func (as *AccountStore) RecordSuccess(id uint) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	result := as.db.Model(&AccountRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"success_count": gorm.Expr("success_count + 1"),
			"last_used_ms":  time.Now().UnixMilli(),
			"updated_at":    time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to record account success: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("account %d not found", id)
	}
	return nil
}

// RecordFailure bumps the failure counter and stamps last use.
func (as *AccountStore) RecordFailure(id uint) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	result := as.db.Model(&AccountRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"fail_count":   gorm.Expr("fail_count + 1"),
			"last_used_ms": time.Now().UnixMilli(),
			"updated_at":   time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to record account failure: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("account %d not found", id)
	}
	return nil
}

// Close closes the underlying database connection.
func (as *AccountStore) Close() error {
	sqlDB, err := as.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
