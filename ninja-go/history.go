package ninja_go

import (
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"ninja-hashbuild/model"
)

// HistoryStore appends one row per build to a SQLite database.
type HistoryStore struct {
	db *gorm.DB
}

// OpenHistory opens (creating if needed) the history database at path and
// migrates its tables.
func OpenHistory(path string) (*HistoryStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening history %s: %w", path, err)
	}
	if err := db.AutoMigrate(&model.BuildRecord{}, &model.FailureRecord{}); err != nil {
		return nil, fmt.Errorf("migrating history %s: %w", path, err)
	}
	return &HistoryStore{db: db}, nil
}

// Record stores summary and its failures in one transaction and returns
// the new build id.
func (h *HistoryStore) Record(summary BuildSummary, started time.Time, manifest string, targets []string) (int64, error) {
	record := &model.BuildRecord{
		StartedAt:       started.UnixMilli(),
		ElapsedMs:       summary.Elapsed.Milliseconds(),
		Outcome:         summary.Outcome.String(),
		Targets:         strings.Join(targets, " "),
		Manifest:        manifest,
		EdgesConsidered: summary.EdgesConsidered,
		EdgesExecuted:   summary.EdgesExecuted,
		EdgesFailed:     summary.EdgesFailed(),
	}
	for _, f := range summary.Failures {
		record.Failures = append(record.Failures, &model.FailureRecord{
			Outputs: strings.Join(f.Outputs, " "),
			Command: f.Command,
			Output:  f.Output,
			Status:  f.Status.String(),
		})
	}
	err := h.db.Transaction(func(tx *gorm.DB) error {
		return tx.Create(record).Error
	})
	if err != nil {
		return 0, fmt.Errorf("recording build: %w", err)
	}
	return record.ID, nil
}

// Recent returns up to limit builds, newest first, with their failures.
func (h *HistoryStore) Recent(limit int) ([]*model.BuildRecord, error) {
	var records []*model.BuildRecord
	err := h.db.Preload("Failures").Order("id DESC").Limit(limit).Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}
	return records, nil
}

// Expire soft-deletes builds that started before cutoff, with their
// failures.
func (h *HistoryStore) Expire(cutoff time.Time) (int64, error) {
	var expired int64
	err := h.db.Transaction(func(tx *gorm.DB) error {
		var ids []int64
		if err := tx.Model(&model.BuildRecord{}).
			Where("started_at < ?", cutoff.UnixMilli()).Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Where("build_id IN ?", ids).Delete(&model.FailureRecord{}).Error; err != nil {
			return err
		}
		res := tx.Where("id IN ?", ids).Delete(&model.BuildRecord{})
		expired = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, fmt.Errorf("expiring history: %w", err)
	}
	return expired, nil
}

func (h *HistoryStore) Close() error {
	sqlDB, err := h.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
