package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ahrav/promptlab/internal/domain"
)

// jobRow is the persisted form of a job. Filterable fields are columns; the
// full job is a JSON document.
type jobRow struct {
	ID        string      `gorm:"primaryKey;column:id;type:VARCHAR(64)"`
	Provider  string      `gorm:"column:provider;index;type:VARCHAR(64);not null"`
	Model     string      `gorm:"column:model;type:VARCHAR(128);not null"`
	Status    string      `gorm:"column:status;index;type:VARCHAR(32);not null"`
	CreatedAt time.Time   `gorm:"column:created_at;index;autoCreateTime:false"`
	UpdatedAt time.Time   `gorm:"column:updated_at;autoUpdateTime:false"`
	Data      *domain.Job `gorm:"column:data;serializer:json;type:TEXT;not null"`
}

func (jobRow) TableName() string { return "jobs" }

func toRow(j *domain.Job) *jobRow {
	return &jobRow{
		ID:        j.ID,
		Provider:  j.Provider,
		Model:     j.Model,
		Status:    string(j.Status),
		CreatedAt: j.CreatedAt.UTC(),
		UpdatedAt: j.UpdatedAt.UTC(),
		Data:      j.Clone(),
	}
}

// GormStore persists jobs through gorm.
type GormStore struct {
	db *gorm.DB
	// mu serializes read-modify-write cycles within this process; sqlite
	// has no row locks.
	mu sync.Mutex
}

var _ Store = (*GormStore)(nil)

// OpenSQLite opens (creating if needed) a sqlite database at path and
// migrates the schema.
func OpenSQLite(path string, log *slog.Logger) (*GormStore, error) {
	if log == nil {
		log = slog.Default()
	}
	gormLogger := logger.New(
		slog.NewLogLogger(log.With("component", "gorm").Handler(), slog.LevelWarn),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			ParameterizedQueries:      true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormLogger, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("configure connections: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	return NewGormStore(db)
}

// NewGormStore wraps db and migrates the schema.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&jobRow{}); err != nil {
		return nil, fmt.Errorf("migrate jobs: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Create(ctx context.Context, job *domain.Job) error {
	err := s.db.WithContext(ctx).Create(toRow(job)).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) || (err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")) {
		return fmt.Errorf("%w: %s", ErrDuplicate, job.ID)
	}
	if err != nil {
		return fmt.Errorf("creating job: %w", err)
	}
	return nil
}

func find(tx *gorm.DB, id string) (*jobRow, error) {
	var row jobRow
	if err := tx.First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("querying job: %w", err)
	}
	return &row, nil
}

func (s *GormStore) FindByID(ctx context.Context, id string) (*domain.Job, error) {
	row, err := find(s.db.WithContext(ctx), id)
	if err != nil {
		return nil, err
	}
	return row.Data, nil
}

func (s *GormStore) Update(ctx context.Context, id string, fn func(*domain.Job) error) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var updated *domain.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := find(tx, id)
		if err != nil {
			return err
		}
		job := row.Data
		if err := fn(job); err != nil {
			return err
		}
		if err := tx.Save(toRow(job)).Error; err != nil {
			return fmt.Errorf("updating job: %w", err)
		}
		updated = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *GormStore) List(ctx context.Context, filter Filter) ([]domain.JobSummary, error) {
	q := s.db.WithContext(ctx).Model(&jobRow{})
	if filter.Provider != "" {
		q = q.Where("provider = ?", filter.Provider)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if !filter.Since.IsZero() {
		q = q.Where("created_at >= ?", filter.Since.UTC())
	}

	var rows []jobRow
	err := q.Order("created_at DESC").Order("id").
		Limit(filter.limit()).Offset(max(filter.Offset, 0)).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}

	out := make([]domain.JobSummary, len(rows))
	for i := range rows {
		out[i] = rows[i].Data.Summary()
	}
	return out, nil
}

func (s *GormStore) Delete(ctx context.Context, id string) (bool, error) {
	res := s.db.WithContext(ctx).Delete(&jobRow{}, "id = ?", id)
	if res.Error != nil {
		return false, fmt.Errorf("deleting job: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
