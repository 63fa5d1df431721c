package db

import (
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
)

// UsageDayRecord is the GORM model for one day of aggregated usage, bucketed
// by model, scenario and response status.
type UsageDayRecord struct {
	ID       uint   `gorm:"primaryKey;autoIncrement;column:id"`
	Date     string `gorm:"column:date;not null;uniqueIndex:idx_usage_bucket"`
	Model    string `gorm:"column:model;not null;uniqueIndex:idx_usage_bucket"`
	Scenario string `gorm:"column:scenario;not null;uniqueIndex:idx_usage_bucket"`
	Status   string `gorm:"column:status;not null;uniqueIndex:idx_usage_bucket"`

	InputTokens  int64 `gorm:"column:input_tokens;default:0"`
	OutputTokens int64 `gorm:"column:output_tokens;default:0"`
	Requests     int64 `gorm:"column:requests;default:0"`

	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (UsageDayRecord) TableName() string {
	return "usage_daily"
}

// UsageStore persists aggregated usage counters in SQLite. It implements
// the metric exporter's UsageRecorder, so every export flush lands here.
type UsageStore struct {
	db  *gorm.DB
	mu  sync.Mutex
	now func() time.Time
}

// NewUsageStore creates or loads the usage store under baseDir.
func NewUsageStore(baseDir string) (*UsageStore, error) {
	logrus.Debugf("Initializing usage store in directory: %s", baseDir)
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create usage store directory: %w", err)
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
		return nil, fmt.Errorf("failed to open usage database: %w", err)
	}

	if err := gdb.AutoMigrate(&UsageDayRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate usage database: %w", err)
	}

	return &UsageStore{db: gdb, now: time.Now}, nil
}

// AddUsage adds a token delta to today's bucket. Token types other than
// "input" count as output.
func (us *UsageStore) AddUsage(model, scenario, status, tokenType string, tokens int64) error {
	if tokens == 0 {
		return nil
	}
	col := "output_tokens"
	if tokenType == "input" {
		col = "input_tokens"
	}
	return us.bump(model, scenario, status, col, tokens)
}

// AddRequests adds a request-count delta to today's bucket.
func (us *UsageStore) AddRequests(model, scenario, status string, count int64) error {
	if count == 0 {
		return nil
	}
	return us.bump(model, scenario, status, "requests", count)
}

func (us *UsageStore) bump(model, scenario, status, col string, delta int64) error {
	us.mu.Lock()
	defer us.mu.Unlock()

	date := us.now().Format("2006-01-02")
	res := us.db.Model(&UsageDayRecord{}).
		Where("date = ? AND model = ? AND scenario = ? AND status = ?", date, model, scenario, status).
		Updates(map[string]interface{}{
			col:          gorm.Expr(col+" + ?", delta),
			"updated_at": us.now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update usage bucket: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	// First sample for this bucket today.
	rec := &UsageDayRecord{Date: date, Model: model, Scenario: scenario, Status: status}
	switch col {
	case "input_tokens":
		rec.InputTokens = delta
	case "output_tokens":
		rec.OutputTokens = delta
	case "requests":
		rec.Requests = delta
	}
	if err := us.db.Create(rec).Error; err != nil {
		return fmt.Errorf("failed to create usage bucket: %w", err)
	}
	return nil
}

// ListDay returns the buckets recorded for one date (YYYY-MM-DD), ordered
// by model.
func (us *UsageStore) ListDay(date string) ([]UsageDayRecord, error) {
	us.mu.Lock()
	defer us.mu.Unlock()

	var records []UsageDayRecord
	if err := us.db.
		Where("date = ?", date).
		Order("model, scenario, status").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list usage buckets: %w", err)
	}
	return records, nil
}

// UsageTotal is one per-model aggregate across days.
type UsageTotal struct {
	Model        string
	InputTokens  int64
	OutputTokens int64
	Requests     int64
}

// TotalsByModel aggregates buckets on or after sinceDate (YYYY-MM-DD,
// empty means everything), grouped by model.
func (us *UsageStore) TotalsByModel(sinceDate string) ([]UsageTotal, error) {
	us.mu.Lock()
	defer us.mu.Unlock()

	q := us.db.Model(&UsageDayRecord{})
	if sinceDate != "" {
		q = q.Where("date >= ?", sinceDate)
	}

	var totals []UsageTotal
	if err := q.
		Select("model, SUM(input_tokens) as input_tokens, SUM(output_tokens) as output_tokens, SUM(requests) as requests").
		Group("model").
		Order("model").
		Scan(&totals).Error; err != nil {
		return nil, fmt.Errorf("failed to aggregate usage: %w", err)
	}
	return totals, nil
}

// Close closes the underlying database connection.
func (us *UsageStore) Close() error {
	sqlDB, err := us.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
