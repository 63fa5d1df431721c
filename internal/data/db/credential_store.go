package db

import (
	"crypto/sha256"
	"encoding/hex"
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

// maxStoredErrorLen caps last_error so a giant upstream body never bloats
// the database.
const maxStoredErrorLen = 200

// CredentialRecord is the GORM model for one upstream credential. The
// refresh_token and client_secret columns hold AES-GCM ciphertext; because
// the ciphertext is non-deterministic, token_digest carries the uniqueness
// constraint for (user, refresh token, region).
type CredentialRecord struct {
	ID           uint   `gorm:"primaryKey;autoIncrement;column:id"`
	UserID       string `gorm:"column:user_id;not null;index;uniqueIndex:idx_credentials_user_token"`
	RefreshToken string `gorm:"column:refresh_token;not null"`
	TokenDigest  string `gorm:"column:token_digest;not null;uniqueIndex:idx_credentials_user_token"`
	AuthType     string `gorm:"column:auth_type;not null"`
	ClientID     string `gorm:"column:client_id"`
	ClientSecret string `gorm:"column:client_secret"`
	Region       string `gorm:"column:region;not null"`
	Visibility   string `gorm:"column:visibility;not null;default:private"`
	Status       string `gorm:"column:status;not null;default:active"`
	OpusEnabled  bool   `gorm:"column:opus_enabled;default:false"`

	SuccessCount int64  `gorm:"column:success_count;default:0"`
	FailCount    int64  `gorm:"column:fail_count;default:0"`
	LastUsedMs   int64  `gorm:"column:last_used_ms;default:0"`
	LastCheckMs  int64  `gorm:"column:last_check_ms;default:0"`
	LastError    string `gorm:"column:last_error"`

	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (CredentialRecord) TableName() string {
	return "credentials"
}

// tokenDigest fingerprints a plaintext refresh token and region for the
// uniqueness index.
func tokenDigest(refreshToken, region string) string {
	sum := sha256.Sum256([]byte(refreshToken + "|" + region))
	return hex.EncodeToString(sum[:])
}

// CredentialStore persists upstream credentials in SQLite.
type CredentialStore struct {
	db     *gorm.DB
	cipher *Cipher
	mu     sync.Mutex
}

// NewCredentialStore creates or loads the credential store under baseDir.
func NewCredentialStore(baseDir string, cipher *Cipher) (*CredentialStore, error) {
	logrus.Debugf("Initializing credential store in directory: %s", baseDir)
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create credential store directory: %w", err)
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
		return nil, fmt.Errorf("failed to open credential database: %w", err)
	}

	if err := gdb.AutoMigrate(&CredentialRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate credential database: %w", err)
	}

	return &CredentialStore{db: gdb, cipher: cipher}, nil
}

// toRecord converts a typ.Credential into its persisted form, sealing the
// secret columns.
func (cs *CredentialStore) toRecord(c *typ.Credential) (*CredentialRecord, error) {
	sealedToken, err := cs.cipher.Encrypt(c.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
	}
	sealedSecret, err := cs.cipher.Encrypt(c.ClientSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt client secret: %w", err)
	}

	now := time.Now()
	return &CredentialRecord{
		ID:           c.ID,
		UserID:       c.UserID,
		RefreshToken: sealedToken,
		TokenDigest:  tokenDigest(c.RefreshToken, c.Region),
		AuthType:     string(c.AuthType),
		ClientID:     c.ClientID,
		ClientSecret: sealedSecret,
		Region:       c.Region,
		Visibility:   string(c.Visibility),
		Status:       string(c.Status),
		OpusEnabled:  c.OpusEnabled,
		SuccessCount: c.SuccessCount,
		FailCount:    c.FailCount,
		LastUsedMs:   c.LastUsedMs,
		LastCheckMs:  c.LastCheckMs,
		LastError:    truncateError(c.LastError),
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// toCredential converts a persisted record back into the domain type,
// opening the secret columns.
func (cs *CredentialStore) toCredential(r *CredentialRecord) (*typ.Credential, error) {
	token, err := cs.cipher.Decrypt(r.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token for credential %d: %w", r.ID, err)
	}
	secret, err := cs.cipher.Decrypt(r.ClientSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt client secret for credential %d: %w", r.ID, err)
	}

	return &typ.Credential{
		ID:           r.ID,
		UserID:       r.UserID,
		RefreshToken: token,
		AuthType:     typ.AuthType(r.AuthType),
		ClientID:     r.ClientID,
		ClientSecret: secret,
		Region:       r.Region,
		Visibility:   typ.Visibility(r.Visibility),
		Status:       typ.CredentialStatus(r.Status),
		OpusEnabled:  r.OpusEnabled,
		SuccessCount: r.SuccessCount,
		FailCount:    r.FailCount,
		LastUsedMs:   r.LastUsedMs,
		LastCheckMs:  r.LastCheckMs,
		LastError:    r.LastError,
	}, nil
}

func truncateError(msg string) string {
	if len(msg) > maxStoredErrorLen {
		return msg[:maxStoredErrorLen]
	}
	return msg
}

// Save creates the credential when ID is zero, otherwise updates the
// existing row. On create the generated ID is written back.
func (cs *CredentialStore) Save(cred *typ.Credential) error {
	if cred == nil {
		return errors.New("credential cannot be nil")
	}
	if cred.RefreshToken == "" {
		return errors.New("credential refresh token cannot be empty")
	}
	if cred.UserID == "" {
		return errors.New("credential user id cannot be empty")
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cred.ID == 0 {
		digest := tokenDigest(cred.RefreshToken, cred.Region)
		var count int64
		if err := cs.db.Model(&CredentialRecord{}).
			Where("user_id = ? AND token_digest = ?", cred.UserID, digest).
			Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check for existing credential: %w", err)
		}
		if count > 0 {
			return fmt.Errorf("credential already registered for user '%s' in region '%s'", cred.UserID, cred.Region)
		}

		record, err := cs.toRecord(cred)
		if err != nil {
			return err
		}
		if err := cs.db.Create(record).Error; err != nil {
			return fmt.Errorf("failed to create credential record: %w", err)
		}
		cred.ID = record.ID
		logrus.Debugf("Created credential %d for user %s (%s)", record.ID, cred.UserID, cred.Region)
		return nil
	}

	var existing CredentialRecord
	if err := cs.db.Where("id = ?", cred.ID).First(&existing).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("credential %d not found", cred.ID)
		}
		return fmt.Errorf("failed to query existing credential: %w", err)
	}

	record, err := cs.toRecord(cred)
	if err != nil {
		return err
	}
	record.CreatedAt = existing.CreatedAt
	if err := cs.db.Save(record).Error; err != nil {
		return fmt.Errorf("failed to update credential record: %w", err)
	}
	logrus.Debugf("Updated credential %d for user %s", cred.ID, cred.UserID)
	return nil
}

// GetByID returns one credential by primary key.
func (cs *CredentialStore) GetByID(id uint) (*typ.Credential, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	var record CredentialRecord
	if err := cs.db.Where("id = ?", id).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("credential %d not found", id)
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}

	return cs.toCredential(&record)
}

// List returns all credentials.
func (cs *CredentialStore) List() ([]*typ.Credential, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	return cs.listWhere(nil)
}

// ListByUser returns the credentials owned by one user.
func (cs *CredentialStore) ListByUser(userID string) ([]*typ.Credential, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	return cs.listWhere(map[string]interface{}{"user_id": userID})
}

// ListPublic returns credentials shared into the public pool.
func (cs *CredentialStore) ListPublic() ([]*typ.Credential, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	return cs.listWhere(map[string]interface{}{"visibility": string(typ.VisibilityPublic)})
}

func (cs *CredentialStore) listWhere(cond map[string]interface{}) ([]*typ.Credential, error) {
	var records []CredentialRecord
	q := cs.db
	if cond != nil {
		q = q.Where(cond)
	}
	if err := q.Order("id").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}

	creds := make([]*typ.Credential, 0, len(records))
	for i := range records {
		cred, err := cs.toCredential(&records[i])
		if err != nil {
			logrus.Warnf("Skipping unreadable credential %d: %v", records[i].ID, err)
			continue
		}
		creds = append(creds, cred)
	}
	return creds, nil
}

// Delete removes a credential by id. The owner check lives in the caller.
func (cs *CredentialStore) Delete(id uint) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	result := cs.db.Where("id = ?", id).Delete(&CredentialRecord{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete credential: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("credential %d not found", id)
	}

	logrus.Debugf("Deleted credential %d", id)
	return nil
}

// RecordSuccess bumps the success counter and stamps last use.
func (cs *CredentialStore) RecordSuccess(id uint) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	result := cs.db.Model(&CredentialRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"success_count": gorm.Expr("success_count + 1"),
			"last_used_ms":  time.Now().UnixMilli(),
			"updated_at":    time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to record success: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("credential %d not found", id)
	}
	return nil
}

// RecordFailure bumps the failure counter, stamps last use and stores the
// truncated error message.
func (cs *CredentialStore) RecordFailure(id uint, errMsg string) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	result := cs.db.Model(&CredentialRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"fail_count":   gorm.Expr("fail_count + 1"),
			"last_used_ms": time.Now().UnixMilli(),
			"last_error":   truncateError(errMsg),
			"updated_at":   time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to record failure: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("credential %d not found", id)
	}
	return nil
}

// SetStatus changes the lifecycle state, keeping the triggering error.
func (cs *CredentialStore) SetStatus(id uint, status typ.CredentialStatus, errMsg string) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	updates := map[string]interface{}{
		"status":     string(status),
		"updated_at": time.Now(),
	}
	if errMsg != "" {
		updates["last_error"] = truncateError(errMsg)
	}

	result := cs.db.Model(&CredentialRecord{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to set credential status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("credential %d not found", id)
	}

	logrus.Debugf("Credential %d status -> %s", id, status)
	return nil
}

// RecordHealthCheck stores the outcome of a background check: the new
// status and the truncated error (empty on success, which also clears a
// stale error).
func (cs *CredentialStore) RecordHealthCheck(id uint, status typ.CredentialStatus, errMsg string) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	updates := map[string]interface{}{
		"status":        string(status),
		"last_error":    truncateError(errMsg),
		"last_check_ms": time.Now().UnixMilli(),
		"updated_at":    time.Now(),
	}

	result := cs.db.Model(&CredentialRecord{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to record health check: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("credential %d not found", id)
	}
	return nil
}

// Count returns the total number of stored credentials.
func (cs *CredentialStore) Count() (int64, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	var count int64
	if err := cs.db.Model(&CredentialRecord{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count credentials: %w", err)
	}
	return count, nil
}

// Close closes the underlying database connection.
func (cs *CredentialStore) Close() error {
	sqlDB, err := cs.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
