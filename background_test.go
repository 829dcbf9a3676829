package main

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tagscan/internal/media"
	"tagscan/internal/records"
)

// processorStub counts maintenance runs without touching any storage.
type processorStub struct {
	calls atomic.Int64
	err   error
}

func (p *processorStub) pruneExports() (int, error) {
	p.calls.Add(1)
	return 0, p.err
}

func TestStartBackgroundTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	stub := &processorStub{}

	StartBackgroundTasks(ctx, stub, 10*time.Millisecond)

	require.Eventually(t, func() bool { return stub.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()

	time.Sleep(30 * time.Millisecond)
	settled := stub.calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, stub.calls.Load(), "loop must stop after cancellation")
}

func TestPruneExports(t *testing.T) {
	env := newTestEnv(t)
	oldKey := media.ExportKey("tags_excel_old.xlsx")
	newKey := media.ExportKey("tags_pdf_new.pdf")
	require.NoError(t, env.app.Media.Put(oldKey, []byte("old")))
	require.NoError(t, env.app.Media.Put(newKey, []byte("new")))

	oldPath, err := env.app.Media.Path(oldKey)
	require.NoError(t, err)
	stale := time.Now().Add(-100 * time.Hour)
	require.NoError(t, os.Chtimes(oldPath, stale, stale))

	removed, err := env.app.pruneExports()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.False(t, env.app.Media.Exists(oldKey))
	assert.True(t, env.app.Media.Exists(newKey))

	env.app.Config.ExportRetentionHours = 0
	removed, err = env.app.pruneExports()
	require.NoError(t, err)
	assert.Zero(t, removed, "retention 0 keeps exports forever")
}

func TestPruneExportsWithoutDirectory(t *testing.T) {
	env := newTestEnv(t)
	removed, err := env.app.pruneExports()
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestRecoverAndRequeueBatches(t *testing.T) {
	env := newTestEnv(t)
	vessel := env.addVessel(t, "Aurora")

	running := env.newBatch(t, records.Batch{Kind: records.BatchKindDetect, VesselID: &vessel.ID, ConfigID: 1})
	require.NoError(t, SetBatchStatus(env.app.Database, running, records.BatchStatusRunning, ""))
	pending := env.newBatch(t, records.Batch{Kind: records.BatchKindDetect, VesselID: &vessel.ID, ConfigID: 1})
	done := env.newBatch(t, records.Batch{Kind: records.BatchKindExport, VesselID: &vessel.ID, ConfigID: 1, ExportType: "PDF"})
	require.NoError(t, SetBatchStatus(env.app.Database, done, records.BatchStatusCompleted, ""))

	n, err := env.app.recoverInterruptedBatches()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	batch, err := GetBatch(env.app.Database, running)
	require.NoError(t, err)
	assert.Equal(t, records.BatchStatusInterrupted, batch.Status)
	assert.NotEmpty(t, batch.Error)
	assert.NotNil(t, batch.CompletedAt)

	requeued, err := env.app.requeuePendingBatches(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)
	require.Len(t, env.queue.queue, 1)
	assert.Equal(t, pending, <-env.queue.queue)
}
