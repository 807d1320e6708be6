package hcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// GormConfig configures the SQL-backed store.
type GormConfig struct {
	// Driver selects the dialector: "sqlite", "postgres" or "mysql".
	Driver string `yaml:"driver" json:"driver"`
	// DSN is the driver-specific connection string. For sqlite this is the
	// file path (":memory:" for tests).
	DSN string `yaml:"dsn" json:"dsn"`
}

// cutoffRecord is the persisted form of one cache entry.
type cutoffRecord struct {
	UserID             string    `gorm:"primaryKey;size:128"`
	ConversationID     string    `gorm:"primaryKey;size:128"`
	ModelID            string    `gorm:"primaryKey;size:128"`
	HistoricalEndIndex int       `gorm:"not null"`
	MessageCount       int       `gorm:"not null"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime"`
}

func (cutoffRecord) TableName() string { return "historical_cutoffs" }

// GormStore is a Store backed by a SQL database via GORM. It exists for
// deployments that already run Postgres/MySQL and do not want a Redis
// dependency just for cutoff hints.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormStore opens the database and migrates the cutoff table.
func NewGormStore(config GormConfig, zlog *zap.Logger) (*GormStore, error) {
	if zlog == nil {
		zlog = zap.NewNop()
	}

	var dialector gorm.Dialector
	switch config.Driver {
	case "sqlite", "":
		dialector = sqlite.Open(config.DSN)
	case "postgres":
		dialector = postgres.Open(config.DSN)
	case "mysql":
		dialector = mysql.Open(config.DSN)
	default:
		return nil, fmt.Errorf("unsupported hcache driver: %q", config.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open hcache database: %w", err)
	}
	if err := db.AutoMigrate(&cutoffRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate hcache schema: %w", err)
	}

	return &GormStore{
		db:     db,
		logger: zlog.With(zap.String("component", "hcache")),
	}, nil
}

func (s *GormStore) Get(ctx context.Context, key Key) (Entry, bool, error) {
	var rec cutoffRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND conversation_id = ? AND model_id = ?",
			key.UserID, key.ConversationID, key.ModelID).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		s.logger.Warn("hcache get failed", zap.String("key", key.String()), zap.Error(err))
		return Entry{}, false, fmt.Errorf("hcache get failed: %w", err)
	}
	return Entry{
		HistoricalEndIndex: rec.HistoricalEndIndex,
		MessageCount:       rec.MessageCount,
	}, true, nil
}

func (s *GormStore) Set(ctx context.Context, key Key, entry Entry) error {
	rec := cutoffRecord{
		UserID:             key.UserID,
		ConversationID:     key.ConversationID,
		ModelID:            key.ModelID,
		HistoricalEndIndex: entry.HistoricalEndIndex,
		MessageCount:       entry.MessageCount,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "user_id"}, {Name: "conversation_id"}, {Name: "model_id"},
			},
			DoUpdates: clause.AssignmentColumns([]string{
				"historical_end_index", "message_count", "updated_at",
			}),
		}).
		Create(&rec).Error
	if err != nil {
		s.logger.Warn("hcache set failed", zap.String("key", key.String()), zap.Error(err))
		return fmt.Errorf("hcache set failed: %w", err)
	}
	return nil
}

func (s *GormStore) Delete(ctx context.Context, key Key) error {
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND conversation_id = ? AND model_id = ?",
			key.UserID, key.ConversationID, key.ModelID).
		Delete(&cutoffRecord{}).Error
	if err != nil {
		return fmt.Errorf("hcache delete failed: %w", err)
	}
	return nil
}
