package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"tagscan/internal/failure"
	"tagscan/internal/records"
)

// Dispatcher hands batches to the workers that execute them.
type Dispatcher interface {
	Enqueue(ctx context.Context, batchID string) error
	// Cancel stops a batch that is running in this process. It reports
	// whether such a batch was found.
	Cancel(batchID string) bool
	Close() error
}

// jobRunner executes a batch; *App implements it.
type jobRunner interface {
	runBatch(ctx context.Context, batchID string) error
}

// LocalQueue is the in-process dispatcher: a buffered channel drained by a
// fixed pool of workers.
type LocalQueue struct {
	queue chan string

	cancellersMu sync.Mutex
	cancellers   map[string]context.CancelFunc

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewLocalQueue creates a queue holding up to capacity waiting batches.
func NewLocalQueue(capacity int) *LocalQueue {
	if capacity <= 0 {
		capacity = 100
	}
	return &LocalQueue{
		queue:      make(chan string, capacity),
		cancellers: make(map[string]context.CancelFunc),
	}
}

// Enqueue adds a batch without blocking. A full queue is an error.
func (q *LocalQueue) Enqueue(ctx context.Context, batchID string) error {
	select {
	case q.queue <- batchID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("job queue is full")
	}
}

// Cancel cancels the context of a running batch.
func (q *LocalQueue) Cancel(batchID string) bool {
	q.cancellersMu.Lock()
	defer q.cancellersMu.Unlock()
	cancel, ok := q.cancellers[batchID]
	if ok {
		cancel()
	}
	return ok
}

// Close stops accepting batches and waits for the workers to finish.
func (q *LocalQueue) Close() error {
	q.closeOnce.Do(func() { close(q.queue) })
	q.wg.Wait()
	return nil
}

// Start launches numWorkers workers.
func (q *LocalQueue) Start(ctx context.Context, runner jobRunner, numWorkers int) {
	for i := 0; i < numWorkers; i++ {
		q.wg.Add(1)
		go func(workerID int) {
			defer q.wg.Done()
			log.Infof("Worker %d started", workerID)
			for batchID := range q.queue {
				log.Infof("Worker %d processing batch: %s", workerID, batchID)
				q.process(ctx, runner, batchID)
			}
		}(i)
	}
}

func (q *LocalQueue) process(ctx context.Context, runner jobRunner, batchID string) {
	jobCtx, cancel := context.WithCancel(ctx)
	q.cancellersMu.Lock()
	q.cancellers[batchID] = cancel
	q.cancellersMu.Unlock()
	defer func() {
		cancel()
		q.cancellersMu.Lock()
		delete(q.cancellers, batchID)
		q.cancellersMu.Unlock()
	}()

	if err := runner.runBatch(jobCtx, batchID); err != nil {
		batchLogger(batchID).WithError(err).Error("Batch failed")
	}
}

// batchLogger returns a logger with the batch id attached.
func batchLogger(batchID string) *logrus.Entry {
	return log.WithField("batch_id", batchID)
}

// documentLogger returns a logger with the document id attached.
func documentLogger(documentID uint) *logrus.Entry {
	return log.WithField("document_id", documentID)
}

// runBatch executes one batch to a terminal status. The returned error is
// the reason the batch failed as a whole; per-document and per-page
// failures only end up in the summary.
func (app *App) runBatch(ctx context.Context, batchID string) error {
	logger := batchLogger(batchID)

	batch, err := GetBatch(app.Database, batchID)
	if err != nil {
		return err
	}
	if batch.Terminal() {
		logger.Warnf("Batch already %s, skipping", batch.Status)
		return nil
	}
	if batch.CancelRequested {
		return SetBatchStatus(app.Database, batchID, records.BatchStatusCancelled, "")
	}
	if err := SetBatchStatus(app.Database, batchID, records.BatchStatusRunning, ""); err != nil {
		return fmt.Errorf("error marking batch running: %w", err)
	}
	logger.WithField("kind", batch.Kind).Info("Batch started")

	switch batch.Kind {
	case records.BatchKindDetect:
		err = app.runDetectBatch(ctx, batch)
	case records.BatchKindAnnotate:
		err = app.runAnnotateBatch(ctx, batch)
	case records.BatchKindExport:
		err = app.runExportBatch(ctx, batch)
	default:
		err = failure.Validation("unknown batch kind %q", batch.Kind)
	}

	status := records.BatchStatusCompleted
	msg := ""
	switch {
	case err == nil:
		if cancelled, _ := BatchCancelRequested(app.Database, batchID); cancelled || ctx.Err() != nil {
			status = records.BatchStatusCancelled
		}
	case failure.IsCancelled(err):
		status = records.BatchStatusCancelled
		err = nil
	default:
		status = records.BatchStatusFailed
		msg = err.Error()
	}

	if serr := SetBatchStatus(app.Database, batchID, status, msg); serr != nil {
		return errors.Join(err, fmt.Errorf("error marking batch %s: %w", status, serr))
	}
	logger.WithField("status", status).Info("Batch finished")
	return err
}
