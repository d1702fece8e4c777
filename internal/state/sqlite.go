package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// SnapshotModel is the GORM model for the snapshots table. The envelope
// is stored whole so file and database stores share one format.
type SnapshotModel struct {
	SessionID string `gorm:"primaryKey;size:64"`
	Backend   string `gorm:"size:32"`
	Data      []byte
	UpdatedAt time.Time
}

func (SnapshotModel) TableName() string { return "snapshots" }

// SQLiteStore persists snapshots in a SQLite database via GORM.
// Uses modernc.org/sqlite (pure Go, no CGO) through the glebarez/sqlite
// GORM driver, with WAL mode for concurrent readers.
type SQLiteStore struct {
	db     *gorm.DB
	logger *slog.Logger
}

// OpenSQLite opens (and migrates) the snapshot database.
func OpenSQLite(path string, slogger *slog.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("state: sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)

	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	if err := db.AutoMigrate(&SnapshotModel{}); err != nil {
		return nil, fmt.Errorf("migrating snapshots table: %w", err)
	}

	slogger.Info("sqlite state store opened", slog.String("path", path))
	return &SQLiteStore{db: db, logger: slogger}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, snap *Snapshot) error {
	data, err := EncodeEnvelope(snap.Backend, snap.Data)
	if err != nil {
		return err
	}
	model := SnapshotModel{
		SessionID: snap.SessionID,
		Backend:   snap.Backend,
		Data:      data,
		UpdatedAt: time.Now().UTC(),
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"backend", "data", "updated_at"}),
	}).Create(&model).Error
	if err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, sessionID string) (*Snapshot, error) {
	var model SnapshotModel
	err := s.db.WithContext(ctx).First(&model, "session_id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}
	backend, payload, err := DecodeEnvelope(model.Data)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		SessionID: sessionID,
		Backend:   backend,
		Data:      payload,
		UpdatedAt: model.UpdatedAt,
	}, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) error {
	err := s.db.WithContext(ctx).Delete(&SnapshotModel{}, "session_id = ?", sessionID).Error
	if err != nil {
		return fmt.Errorf("deleting snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}

var _ Store = (*SQLiteStore)(nil)
