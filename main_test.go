package main

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tagscan/internal/constants"
	"tagscan/internal/failure"
	"tagscan/internal/geom"
	"tagscan/internal/media"
	"tagscan/internal/records"
	"tagscan/internal/testpdf"
	"tagscan/memguard"
	"tagscan/merge"
	"tagscan/ocr"
)

const mib = 1 << 20

// testEnv is an App on an in-memory database with a fake OCR backend and a
// memory sampler the tests control.
type testEnv struct {
	app    *App
	router *gin.Engine
	queue  *LocalQueue

	rss    atomic.Uint64
	calls  atomic.Int64
	detect func(ctx context.Context, img []byte, p ocr.Params) ([]ocr.Detection, error)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := records.Open(records.MemoryDSN(uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	store, err := media.NewStore(t.TempDir())
	require.NoError(t, err)

	cfg := &AppConfig{
		ConfigDir:            t.TempDir(),
		MaxUploadBytes:       constants.MaxUploadBytes,
		BaseDPI:              constants.BaseDPI,
		WorkerCount:          1,
		PageWorkers:          2,
		MemoryHighWaterMB:    3072,
		MemoryHardCeilingMB:  4096,
		MergeIoUThreshold:    merge.DefaultIoU,
		ExportRetentionHours: 72,
	}

	env := &testEnv{}
	env.rss.Store(100 * mib)
	env.detect = func(context.Context, []byte, ocr.Params) ([]ocr.Detection, error) {
		return []ocr.Detection{
			{Text: "P-101", Confidence: 0.9, BBox: geom.RectFromXYWH(20, 20, 80, 20).Polygon()},
			{Text: "TT-303", Confidence: 0.8, BBox: geom.RectFromXYWH(20, 80, 80, 20).Polygon()},
		}, nil
	}

	reg := ocr.NewRegistry(ocr.Config{})
	reg.Register("fake", func(ocr.Config, string) (ocr.Detector, error) {
		return ocr.DetectorFunc(func(ctx context.Context, img []byte, p ocr.Params) ([]ocr.Detection, error) {
			env.calls.Add(1)
			return env.detect(ctx, img, p)
		}), nil
	}, false)

	app, err := newApp(cfg, db, store, reg,
		memguard.WithSampler(func() (uint64, error) { return env.rss.Load(), nil }),
		memguard.WithReclaimer(func() {}),
	)
	require.NoError(t, err)
	app.Engine.SetRetryDelay(0)

	env.queue = NewLocalQueue(10)
	app.Jobs = env.queue
	env.app = app

	env.router = gin.New()
	app.registerRoutes(env.router)
	return env
}

func (env *testEnv) addVessel(t *testing.T, name string) records.Vessel {
	t.Helper()
	v := records.Vessel{Name: name}
	require.NoError(t, env.app.Database.Create(&v).Error)
	return v
}

func (env *testEnv) addConfig(t *testing.T, name string) records.OcrConfig {
	t.Helper()
	cfg := records.OcrConfig{Name: name, Model: "fake", Scale: 1, MinConfidence: 0.5}
	require.NoError(t, records.CreateConfig(env.app.Database, &cfg))
	return cfg
}

func (env *testEnv) addDocument(t *testing.T, vesselID uint, dept, number string, pdf []byte) records.Document {
	t.Helper()
	doc := records.Document{
		VesselID:         vesselID,
		DepartmentOrigin: dept,
		DocumentNumber:   number,
		Filename:         number + ".pdf",
		ByteSize:         int64(len(pdf)),
	}
	require.NoError(t, env.app.Database.Create(&doc).Error)
	doc.RawKey = media.RawKey(doc.ID, doc.Filename)
	require.NoError(t, env.app.Media.Put(doc.RawKey, pdf))
	require.NoError(t, env.app.Database.Save(&doc).Error)
	return doc
}

func (env *testEnv) newBatch(t *testing.T, batch records.Batch) string {
	t.Helper()
	batch.ID = uuid.NewString()
	require.NoError(t, CreateBatch(env.app.Database, &batch))
	return batch.ID
}

func (env *testEnv) runBatch(t *testing.T, id string) *records.Batch {
	t.Helper()
	require.NoError(t, env.app.runBatch(context.Background(), id))
	batch, err := GetBatch(env.app.Database, id)
	require.NoError(t, err)
	return batch
}

func TestDetectBatchSurvivesCorruptDocument(t *testing.T) {
	env := newTestEnv(t)
	vessel := env.addVessel(t, "Aurora")
	cfg := env.addConfig(t, "default")

	env.addDocument(t, vessel.ID, "MEC", "1-MEC-001", testpdf.Pages("P-101", "TT-303"))
	env.addDocument(t, vessel.ID, "MEC", "1-MEC-002", testpdf.Pages("V-202"))
	bad := env.addDocument(t, vessel.ID, "MEC", "1-MEC-003", testpdf.Corrupt())
	env.addDocument(t, vessel.ID, "ELE", "1-ELE-004", testpdf.Pages("XV-9"))
	env.addDocument(t, vessel.ID, "ELE", "1-ELE-005", testpdf.Landscape("FT-77"))

	id := env.newBatch(t, records.Batch{Kind: records.BatchKindDetect, VesselID: &vessel.ID, ConfigID: cfg.ID})
	batch := env.runBatch(t, id)

	assert.Equal(t, records.BatchStatusCompleted, batch.Status)
	assert.NotNil(t, batch.CompletedAt)
	totals := batch.Summary.Totals
	assert.Equal(t, 5, totals.Documents)
	assert.Equal(t, 4, totals.Merged)
	assert.Equal(t, 1, totals.Failed)
	assert.Equal(t, 5, totals.PagesSucceeded)
	assert.Equal(t, int64(5), env.calls.Load())

	require.Len(t, batch.Summary.Documents, 5)
	for _, d := range batch.Summary.Documents {
		if d.DocumentID == bad.ID {
			assert.Equal(t, records.DocStateFailed, d.State)
			assert.Equal(t, "rasterization", d.ErrorKind)
			continue
		}
		assert.Equal(t, records.DocStateMerged, d.State, d.DocumentNumber)
		for _, p := range d.Pages {
			assert.Equal(t, records.PageOutcomeSuccess, p.Outcome)
			assert.Equal(t, string(merge.OutcomePromoted), p.MergeOutcome)
			assert.Equal(t, 2, p.Detections)
		}
	}

	var live, annotated int64
	require.NoError(t, env.app.Database.Model(&records.Detection{}).Where("lifecycle = ?", records.LifecycleLive).Count(&live).Error)
	require.NoError(t, env.app.Database.Model(&records.AnnotatedImage{}).Count(&annotated).Error)
	assert.Equal(t, int64(10), live)
	assert.Equal(t, int64(5), annotated)

	var stored records.Document
	require.NoError(t, env.app.Database.First(&stored, bad.ID).Error)
	assert.Equal(t, records.DocumentStatusRasterFailed, stored.Status)
}

func TestDetectBatchDepartmentFilter(t *testing.T) {
	env := newTestEnv(t)
	vessel := env.addVessel(t, "Aurora")
	cfg := env.addConfig(t, "default")
	env.addDocument(t, vessel.ID, "MEC", "1-MEC-001", testpdf.Pages("P-101"))
	env.addDocument(t, vessel.ID, "ELE", "1-ELE-002", testpdf.Pages("V-202"))

	id := env.newBatch(t, records.Batch{Kind: records.BatchKindDetect, VesselID: &vessel.ID, DepartmentOrigin: "ele", ConfigID: cfg.ID})
	batch := env.runBatch(t, id)

	require.Len(t, batch.Summary.Documents, 1)
	assert.Equal(t, "1-ELE-002", batch.Summary.Documents[0].DocumentNumber)
}

func TestDetectBatchOnlyWithoutDetections(t *testing.T) {
	env := newTestEnv(t)
	vessel := env.addVessel(t, "Aurora")
	cfg := env.addConfig(t, "default")
	env.addDocument(t, vessel.ID, "MEC", "1-MEC-001", testpdf.Pages("P-101", "V-202"))

	first := env.runBatch(t, env.newBatch(t, records.Batch{Kind: records.BatchKindDetect, VesselID: &vessel.ID, ConfigID: cfg.ID}))
	require.Equal(t, 2, first.Summary.Totals.PagesSucceeded)
	require.Equal(t, int64(2), env.calls.Load())

	second := env.runBatch(t, env.newBatch(t, records.Batch{
		Kind:                  records.BatchKindDetect,
		VesselID:              &vessel.ID,
		ConfigID:              cfg.ID,
		OnlyWithoutDetections: true,
	}))
	assert.Equal(t, records.BatchStatusCompleted, second.Status)
	assert.Equal(t, 2, second.Summary.Totals.PagesSkipped)
	assert.Equal(t, int64(2), env.calls.Load(), "pages with live detections must not reach the detector")
}

func TestDetectBatchKeepsBetterLiveSet(t *testing.T) {
	env := newTestEnv(t)
	vessel := env.addVessel(t, "Aurora")
	cfg := env.addConfig(t, "default")
	env.addDocument(t, vessel.ID, "MEC", "1-MEC-001", testpdf.Pages("P-101"))

	env.runBatch(t, env.newBatch(t, records.Batch{Kind: records.BatchKindDetect, VesselID: &vessel.ID, ConfigID: cfg.ID}))

	env.detect = func(context.Context, []byte, ocr.Params) ([]ocr.Detection, error) {
		return []ocr.Detection{{Text: "P-101", Confidence: 0.9, BBox: geom.RectFromXYWH(20, 20, 80, 20).Polygon()}}, nil
	}
	tests := []struct {
		name  string
		force bool
		want  merge.Outcome
		lc    string
	}{
		{"worse run is kept aside", false, merge.OutcomeKept, records.LifecycleSuperseded},
		{"forced run becomes a candidate", true, merge.OutcomeCandidate, records.LifecycleCandidate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batch := env.runBatch(t, env.newBatch(t, records.Batch{Kind: records.BatchKindDetect, VesselID: &vessel.ID, ConfigID: cfg.ID, Force: tt.force}))
			require.Len(t, batch.Summary.Documents, 1)
			require.Len(t, batch.Summary.Documents[0].Pages, 1)
			assert.Equal(t, string(tt.want), batch.Summary.Documents[0].Pages[0].MergeOutcome)

			var run records.DetectionRun
			require.NoError(t, env.app.Database.Where("batch_id = ?", batch.ID).First(&run).Error)
			assert.Equal(t, tt.lc, run.Lifecycle)
		})
	}

	var live int64
	require.NoError(t, env.app.Database.Model(&records.Detection{}).Where("lifecycle = ?", records.LifecycleLive).Count(&live).Error)
	assert.Equal(t, int64(2), live)
}

func TestDetectBatchMemoryAbortIsPerPage(t *testing.T) {
	env := newTestEnv(t)
	vessel := env.addVessel(t, "Aurora")
	cfg := env.addConfig(t, "default")
	env.addDocument(t, vessel.ID, "MEC", "1-MEC-001", testpdf.Pages("P-101", "V-202"))
	env.rss.Store(5000 * mib)

	batch := env.runBatch(t, env.newBatch(t, records.Batch{Kind: records.BatchKindDetect, VesselID: &vessel.ID, ConfigID: cfg.ID}))

	assert.Equal(t, records.BatchStatusCompleted, batch.Status)
	assert.Equal(t, 2, batch.Summary.Totals.PagesFailed)
	assert.Equal(t, 2, batch.Summary.Totals.MemoryAborted)
	assert.Equal(t, int64(2), batch.Summary.Memory.Aborts)
	assert.Equal(t, int64(0), env.calls.Load())
	for _, p := range batch.Summary.Documents[0].Pages {
		assert.Equal(t, "memory_aborted", p.ErrorKind)
	}
}

func TestDetectBatchBackendFailureIsPerPage(t *testing.T) {
	env := newTestEnv(t)
	vessel := env.addVessel(t, "Aurora")
	cfg := env.addConfig(t, "default")
	env.addDocument(t, vessel.ID, "MEC", "1-MEC-001", testpdf.Pages("P-101"))
	env.detect = func(context.Context, []byte, ocr.Params) ([]ocr.Detection, error) {
		return nil, assert.AnError
	}

	batch := env.runBatch(t, env.newBatch(t, records.Batch{Kind: records.BatchKindDetect, VesselID: &vessel.ID, ConfigID: cfg.ID}))

	assert.Equal(t, records.BatchStatusCompleted, batch.Status)
	require.Len(t, batch.Summary.Documents[0].Pages, 1)
	assert.Equal(t, "detection_backend", batch.Summary.Documents[0].Pages[0].ErrorKind)
}

func TestBatchCancellation(t *testing.T) {
	t.Run("before start", func(t *testing.T) {
		env := newTestEnv(t)
		vessel := env.addVessel(t, "Aurora")
		cfg := env.addConfig(t, "default")
		env.addDocument(t, vessel.ID, "MEC", "1-MEC-001", testpdf.Pages("P-101"))

		id := env.newBatch(t, records.Batch{Kind: records.BatchKindDetect, VesselID: &vessel.ID, ConfigID: cfg.ID})
		ok, err := RequestBatchCancel(env.app.Database, id)
		require.NoError(t, err)
		require.True(t, ok)

		batch := env.runBatch(t, id)
		assert.Equal(t, records.BatchStatusCancelled, batch.Status)
		assert.Equal(t, int64(0), env.calls.Load())
	})

	t.Run("between documents", func(t *testing.T) {
		env := newTestEnv(t)
		vessel := env.addVessel(t, "Aurora")
		cfg := env.addConfig(t, "default")
		env.addDocument(t, vessel.ID, "MEC", "1-MEC-001", testpdf.Pages("P-101"))
		env.addDocument(t, vessel.ID, "MEC", "1-MEC-002", testpdf.Pages("V-202"))
		env.addDocument(t, vessel.ID, "MEC", "1-MEC-003", testpdf.Pages("TT-303"))

		id := env.newBatch(t, records.Batch{Kind: records.BatchKindDetect, VesselID: &vessel.ID, ConfigID: cfg.ID})
		env.detect = func(context.Context, []byte, ocr.Params) ([]ocr.Detection, error) {
			_, err := RequestBatchCancel(env.app.Database, id)
			assert.NoError(t, err)
			return []ocr.Detection{{Text: "P-101", Confidence: 0.9, BBox: geom.RectFromXYWH(20, 20, 80, 20).Polygon()}}, nil
		}

		batch := env.runBatch(t, id)
		assert.Equal(t, records.BatchStatusCancelled, batch.Status)
		assert.Equal(t, 1, batch.Summary.Totals.Merged, "the running document finishes")
		assert.Equal(t, 2, batch.Summary.Totals.Cancelled)
		assert.Equal(t, int64(1), env.calls.Load())
	})
}

func TestDetectBatchVesselDeletedMidway(t *testing.T) {
	env := newTestEnv(t)
	vessel := env.addVessel(t, "Aurora")
	cfg := env.addConfig(t, "default")
	env.addDocument(t, vessel.ID, "MEC", "1-MEC-001", testpdf.Pages("P-101"))
	env.addDocument(t, vessel.ID, "MEC", "1-MEC-002", testpdf.Pages("V-202"))

	id := env.newBatch(t, records.Batch{Kind: records.BatchKindDetect, VesselID: &vessel.ID, ConfigID: cfg.ID})
	// the vessel disappears after the first page rendered and before its merge
	env.detect = func(context.Context, []byte, ocr.Params) ([]ocr.Detection, error) {
		deleted, err := records.DeleteVessel(env.app.Database, vessel.ID)
		if assert.NoError(t, err) {
			assert.Equal(t, []string{id}, deleted.Batches)
		}
		return []ocr.Detection{{Text: "P-101", Confidence: 0.9, BBox: geom.RectFromXYWH(20, 20, 80, 20).Polygon()}}, nil
	}

	batch := env.runBatch(t, id)
	assert.Equal(t, records.BatchStatusCancelled, batch.Status)
	assert.Equal(t, int64(1), env.calls.Load())
	require.Len(t, batch.Summary.Documents, 2)
	first := batch.Summary.Documents[0]
	require.Len(t, first.Pages, 1)
	assert.Equal(t, records.PageOutcomeFailed, first.Pages[0].Outcome)
	assert.Equal(t, string(failure.KindSelection), first.Pages[0].ErrorKind)
	assert.Equal(t, records.DocStateCancelled, batch.Summary.Documents[1].State)

	for _, model := range []interface{}{&records.Document{}, &records.Page{}, &records.DetectionRun{}, &records.Detection{}, &records.AnnotatedImage{}} {
		var n int64
		require.NoError(t, env.app.Database.Model(model).Count(&n).Error)
		assert.Zero(t, n, "%T rows left behind", model)
	}
}

func TestDetectBatchSelectionErrors(t *testing.T) {
	env := newTestEnv(t)
	vessel := env.addVessel(t, "Empty")
	cfg := env.addConfig(t, "default")

	tests := []struct {
		name  string
		batch records.Batch
	}{
		{"vessel without documents", records.Batch{Kind: records.BatchKindDetect, VesselID: &vessel.ID, ConfigID: cfg.ID}},
		{"missing config", records.Batch{Kind: records.BatchKindDetect, VesselID: &vessel.ID, ConfigID: 999}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := env.newBatch(t, tt.batch)
			err := env.app.runBatch(context.Background(), id)
			require.Error(t, err)

			batch, gerr := GetBatch(env.app.Database, id)
			require.NoError(t, gerr)
			assert.Equal(t, records.BatchStatusFailed, batch.Status)
			assert.Contains(t, batch.Error, "selection")
		})
	}
}

func TestAnnotateAndExportBatches(t *testing.T) {
	env := newTestEnv(t)
	vessel := env.addVessel(t, "Aurora")
	cfg := env.addConfig(t, "default")
	doc := env.addDocument(t, vessel.ID, "MEC", "1-MEC-001", testpdf.Pages("P-101", "V-202"))
	env.runBatch(t, env.newBatch(t, records.Batch{Kind: records.BatchKindDetect, VesselID: &vessel.ID, ConfigID: cfg.ID}))

	annotated := env.runBatch(t, env.newBatch(t, records.Batch{Kind: records.BatchKindAnnotate, DocumentID: &doc.ID, ConfigID: cfg.ID}))
	assert.Equal(t, records.BatchStatusCompleted, annotated.Status)
	assert.Equal(t, 1, annotated.Summary.Totals.Merged)
	assert.Equal(t, 2, annotated.Summary.Totals.PagesSucceeded)

	exported := env.runBatch(t, env.newBatch(t, records.Batch{Kind: records.BatchKindExport, VesselID: &vessel.ID, ConfigID: cfg.ID, ExportType: "EXCEL"}))
	assert.Equal(t, records.BatchStatusCompleted, exported.Status)
	require.NotEmpty(t, exported.ArtifactKey)
	assert.True(t, env.app.Media.Exists(exported.ArtifactKey))

	other := env.addConfig(t, "other")
	empty := env.runBatch(t, env.newBatch(t, records.Batch{Kind: records.BatchKindExport, VesselID: &vessel.ID, ConfigID: other.ID, ExportType: "PDF"}))
	assert.Equal(t, records.BatchStatusFailed, empty.Status)
	assert.Contains(t, empty.Error, "no_data")
	assert.Empty(t, empty.ArtifactKey)
}
