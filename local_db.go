package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/gorm"

	"tagscan/internal/failure"
	"tagscan/internal/records"
)

// InitializeDB opens the SQLite database at path and migrates the schema.
func InitializeDB(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return nil, fmt.Errorf("failed to create db directory: %w", err)
		}
	}
	return records.Open(path)
}

// CreateBatch stores a new pending batch.
func CreateBatch(db *gorm.DB, batch *records.Batch) error {
	batch.Status = records.BatchStatusPending
	batch.Summary = records.BatchSummary{Documents: []records.DocumentOutcome{}}
	return db.Create(batch).Error
}

// GetBatch loads a batch by id.
func GetBatch(db *gorm.DB, id string) (*records.Batch, error) {
	var batch records.Batch
	if err := db.First(&batch, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, failure.Selection("batch %s not found", id)
		}
		return nil, err
	}
	return &batch, nil
}

// ListBatches returns the newest batches first.
func ListBatches(db *gorm.DB, limit int) ([]records.Batch, error) {
	var batches []records.Batch
	q := db.Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return batches, q.Find(&batches).Error
}

// SetBatchStatus moves a batch to status. Terminal statuses also stamp the
// completion time.
func SetBatchStatus(db *gorm.DB, id, status, errMsg string) error {
	updates := map[string]interface{}{"status": status}
	if errMsg != "" {
		updates["error"] = errMsg
	}
	if (records.Batch{Status: status}).Terminal() {
		now := time.Now()
		updates["completed_at"] = &now
	}
	return db.Model(&records.Batch{}).Where("id = ?", id).Updates(updates).Error
}

// SaveBatchSummary persists the running summary of a batch.
func SaveBatchSummary(db *gorm.DB, id string, summary records.BatchSummary) error {
	return db.Model(&records.Batch{ID: id}).Select("summary", "updated_at").
		Updates(&records.Batch{Summary: summary, UpdatedAt: time.Now()}).Error
}

// SetBatchArtifact records the artifact of an export batch.
func SetBatchArtifact(db *gorm.DB, id, key string) error {
	return db.Model(&records.Batch{}).Where("id = ?", id).Update("artifact_key", key).Error
}

// RequestBatchCancel flags a batch for cancellation. It reports false when
// the batch had already finished.
func RequestBatchCancel(db *gorm.DB, id string) (bool, error) {
	batch, err := GetBatch(db, id)
	if err != nil {
		return false, err
	}
	if batch.Terminal() {
		return false, nil
	}
	err = db.Model(&records.Batch{}).Where("id = ?", id).Update("cancel_requested", true).Error
	return err == nil, err
}

// BatchCancelRequested reports whether cancellation was requested.
func BatchCancelRequested(db *gorm.DB, id string) (bool, error) {
	var flags []bool
	if err := db.Model(&records.Batch{}).Where("id = ?", id).Pluck("cancel_requested", &flags).Error; err != nil {
		return false, err
	}
	return len(flags) > 0 && flags[0], nil
}

// MarkInterruptedBatches closes batches that a previous process left
// running or pending. It returns the number of batches changed.
func MarkInterruptedBatches(db *gorm.DB, statuses ...string) (int64, error) {
	now := time.Now()
	res := db.Model(&records.Batch{}).Where("status IN ?", statuses).Updates(map[string]interface{}{
		"status":       records.BatchStatusInterrupted,
		"error":        "process stopped before the batch finished",
		"completed_at": &now,
	})
	return res.RowsAffected, res.Error
}
