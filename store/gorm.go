package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/flhub/flhub/types"
)

// sessionRow is the GORM persistence shape of a NodeSessionRecord.
// Capability sets, history and the opaque maps are stored as JSON text
// so the schema stays a single table.
type sessionRow struct {
	NodeID          string    `gorm:"primaryKey;size:128;column:node_id"`
	Status          string    `gorm:"size:16;not null"`
	Capabilities    string    `gorm:"type:text;not null"`
	SessionToken    string    `gorm:"size:64;not null;column:session_token"`
	PublicKey       string    `gorm:"type:text;column:public_key"`
	LastHeartbeat   time.Time `gorm:"column:last_heartbeat"`
	Epsilon         float64   `gorm:"column:epsilon"`
	Delta           float64   `gorm:"column:delta"`
	CurrentRoundID  string    `gorm:"size:128;column:current_round_id"`
	TrainingHistory string    `gorm:"type:text"`
	ConnectionInfo  string    `gorm:"type:text"`
	Metadata        string    `gorm:"type:text"`
	RegisteredAt    time.Time `gorm:"column:registered_at"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (sessionRow) TableName() string { return "node_sessions" }

// GormStore persists session records through GORM. With the bundled
// SQLite driver it gives the hub a durable store without any external
// service.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// OpenSQLite opens (and migrates) a SQLite-backed store at path.
// Use ":memory:" for an ephemeral database.
func OpenSQLite(path string, logger *zap.Logger) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}
	return NewGormStore(db, logger)
}

// NewGormStore wraps an existing GORM handle and migrates the schema.
func NewGormStore(db *gorm.DB, logger *zap.Logger) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&sessionRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate node_sessions: %w", err)
	}
	return &GormStore{
		db:     db,
		logger: logger.With(zap.String("component", "gorm_store")),
	}, nil
}

// Insert creates a new record, failing with ErrRecordExists on conflict.
func (s *GormStore) Insert(ctx context.Context, record *types.NodeSessionRecord) error {
	row, err := toRow(record)
	if err != nil {
		return err
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&sessionRow{}).
		Where("node_id = ?", record.NodeID).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check existing record: %w", err)
	}
	if count > 0 {
		return ErrRecordExists
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	return nil
}

// Update replaces an existing record.
func (s *GormStore) Update(ctx context.Context, record *types.NodeSessionRecord) error {
	row, err := toRow(record)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&sessionRow{}).
		Where("node_id = ?", record.NodeID).
		Select("*").Omit("node_id", "created_at").
		Updates(row)
	if res.Error != nil {
		return fmt.Errorf("failed to update record: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// GetByNodeID returns the record for nodeID.
func (s *GormStore) GetByNodeID(ctx context.Context, nodeID string) (*types.NodeSessionRecord, error) {
	var row sessionRow
	err := s.db.WithContext(ctx).Where("node_id = ?", nodeID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load record: %w", err)
	}
	return fromRow(&row)
}

// Delete removes the record for nodeID; absent records are no-ops.
func (s *GormStore) Delete(ctx context.Context, nodeID string) error {
	if err := s.db.WithContext(ctx).Where("node_id = ?", nodeID).
		Delete(&sessionRow{}).Error; err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

// ListAll returns every record, ordered by node ID.
func (s *GormStore) ListAll(ctx context.Context) ([]*types.NodeSessionRecord, error) {
	var rows []sessionRow
	if err := s.db.WithContext(ctx).Order("node_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	out := make([]*types.NodeSessionRecord, 0, len(rows))
	for i := range rows {
		record, err := fromRow(&rows[i])
		if err != nil {
			// A corrupt row is logged and skipped so one bad entry
			// cannot take reconciliation down with it.
			s.logger.Warn("skipping unreadable session row",
				zap.String("node_id", rows[i].NodeID),
				zap.Error(err),
			)
			continue
		}
		out = append(out, record)
	}
	return out, nil
}

func toRow(record *types.NodeSessionRecord) (*sessionRow, error) {
	caps, err := json.Marshal(record.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("failed to encode capabilities: %w", err)
	}
	history, err := json.Marshal(record.TrainingHistory)
	if err != nil {
		return nil, fmt.Errorf("failed to encode training history: %w", err)
	}
	connInfo, err := json.Marshal(record.ConnectionInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to encode connection info: %w", err)
	}
	metadata, err := json.Marshal(record.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return &sessionRow{
		NodeID:          record.NodeID,
		Status:          string(record.Status),
		Capabilities:    string(caps),
		SessionToken:    record.SessionToken,
		PublicKey:       record.PublicKey,
		LastHeartbeat:   record.LastHeartbeat,
		Epsilon:         record.PrivacyBudget.Epsilon,
		Delta:           record.PrivacyBudget.Delta,
		CurrentRoundID:  record.CurrentRoundID,
		TrainingHistory: string(history),
		ConnectionInfo:  string(connInfo),
		Metadata:        string(metadata),
		RegisteredAt:    record.RegisteredAt,
	}, nil
}

func fromRow(row *sessionRow) (*types.NodeSessionRecord, error) {
	record := &types.NodeSessionRecord{
		NodeID:         row.NodeID,
		Status:         types.NodeStatus(row.Status),
		SessionToken:   row.SessionToken,
		PublicKey:      row.PublicKey,
		LastHeartbeat:  row.LastHeartbeat,
		PrivacyBudget:  types.PrivacyBudget{Epsilon: row.Epsilon, Delta: row.Delta},
		CurrentRoundID: row.CurrentRoundID,
		RegisteredAt:   row.RegisteredAt,
	}
	if err := json.Unmarshal([]byte(row.Capabilities), &record.Capabilities); err != nil {
		return nil, fmt.Errorf("failed to decode capabilities: %w", err)
	}
	if row.TrainingHistory != "" {
		if err := json.Unmarshal([]byte(row.TrainingHistory), &record.TrainingHistory); err != nil {
			return nil, fmt.Errorf("failed to decode training history: %w", err)
		}
	}
	if row.ConnectionInfo != "" {
		if err := json.Unmarshal([]byte(row.ConnectionInfo), &record.ConnectionInfo); err != nil {
			return nil, fmt.Errorf("failed to decode connection info: %w", err)
		}
	}
	if row.Metadata != "" {
		if err := json.Unmarshal([]byte(row.Metadata), &record.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return record, nil
}

var _ RecordStore = (*GormStore)(nil)
