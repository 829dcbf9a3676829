package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"tagscan/internal/records"
)

// BackgroundProcessor is the maintenance work run by the background loop.
type BackgroundProcessor interface {
	pruneExports() (int, error)
}

// recoverInterruptedBatches closes batches a crashed process left behind.
// It runs once at startup, before any worker picks up new batches.
func (app *App) recoverInterruptedBatches() (int64, error) {
	n, err := MarkInterruptedBatches(app.Database, records.BatchStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("error marking interrupted batches: %w", err)
	}
	if n > 0 {
		log.Warnf("Marked %d batches as interrupted", n)
	}
	return n, nil
}

// requeuePendingBatches hands batches that were queued but never started
// back to the dispatcher.
func (app *App) requeuePendingBatches(ctx context.Context) (int, error) {
	var ids []string
	if err := app.Database.Model(&records.Batch{}).Where("status = ?", records.BatchStatusPending).
		Order("created_at").Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	var errs []error
	for _, id := range ids {
		if err := app.Jobs.Enqueue(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("batch %s: %w", id, err))
		}
	}
	return len(ids) - len(errs), errors.Join(errs...)
}

// pruneExports removes export artifacts older than the retention period.
func (app *App) pruneExports() (int, error) {
	if app.Config.ExportRetentionHours <= 0 {
		return 0, nil
	}
	dir, err := app.Media.Path("exports")
	if err != nil {
		return 0, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("error listing exports: %w", err)
	}

	cutoff := time.Now().Add(-time.Duration(app.Config.ExportRetentionHours) * time.Hour)
	removed := 0
	var errs []error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
			continue
		}
		removed++
		log.WithField("file", e.Name()).Debug("Pruned export")
	}
	return removed, errors.Join(errs...)
}

// StartBackgroundTasks runs the maintenance loop until ctx is done.
func StartBackgroundTasks(ctx context.Context, app BackgroundProcessor, pollingInterval time.Duration) {
	go func() {
		minBackoffDuration := 10 * time.Second
		maxBackoffDuration := time.Hour

		backoffDuration := minBackoffDuration

		for {
			select {
			case <-ctx.Done():
				log.Infoln("Background tasks shutting down")
				return
			default: // needed to make this non-blocking
			}

			pruned, err := app.pruneExports()
			wait := pollingInterval
			if err != nil {
				log.Errorf("Error in background maintenance: %v", err)
				wait = backoffDuration

				// Exponential backoff logic
				backoffDuration *= 2
				if backoffDuration > maxBackoffDuration {
					log.Warnf("Max backoff duration reached. Using %v", maxBackoffDuration)
					backoffDuration = maxBackoffDuration
				}
			} else {
				backoffDuration = minBackoffDuration
				if pruned > 0 {
					log.Infof("Pruned %d expired exports", pruned)
				}
			}

			select {
			case <-ctx.Done():
				log.Infoln("Background tasks shutting down")
				return
			case <-time.After(wait):
			}
		}
	}()
}
