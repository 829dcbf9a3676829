package records

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"tagscan/internal/failure"
	"tagscan/internal/geom"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Open(MemoryDSN(uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func TestOcrConfigValidate(t *testing.T) {
	base := OcrConfig{Name: "default", Model: "tesseract", Scale: 4, MinConfidence: 0.5}

	tests := []struct {
		name    string
		mutate  func(c *OcrConfig)
		wantErr bool
	}{
		{"valid", func(c *OcrConfig) {}, false},
		{"scale lower bound", func(c *OcrConfig) { c.Scale = 1 }, false},
		{"scale upper bound", func(c *OcrConfig) { c.Scale = 8 }, false},
		{"scale too small", func(c *OcrConfig) { c.Scale = 0.5 }, true},
		{"scale too large", func(c *OcrConfig) { c.Scale = 8.5 }, true},
		{"negative confidence", func(c *OcrConfig) { c.MinConfidence = -0.1 }, true},
		{"confidence above one", func(c *OcrConfig) { c.MinConfidence = 1.01 }, true},
		{"missing model", func(c *OcrConfig) { c.Model = " " }, true},
		{"missing name", func(c *OcrConfig) { c.Name = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.True(t, errors.Is(err, failure.ErrValidation), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestReviseConfig(t *testing.T) {
	db := newTestDB(t)

	cfg := &OcrConfig{Name: "fast", Model: "tesseract", Scale: 2, MinConfidence: 0.3}
	require.NoError(t, CreateConfig(db, cfg))
	assert.Equal(t, 1, cfg.Version)

	dup := &OcrConfig{Name: "fast", Model: "tesseract", Scale: 2}
	assert.True(t, errors.Is(CreateConfig(db, dup), failure.ErrValidation))

	t.Run("unreferenced config is updated in place", func(t *testing.T) {
		revised, err := ReviseConfig(db, cfg.ID, OcrConfig{Model: "tesseract", Scale: 3, MinConfidence: 0.4})
		require.NoError(t, err)
		assert.Equal(t, cfg.ID, revised.ID)
		assert.Equal(t, 1, revised.Version)
		assert.Equal(t, 3.0, revised.Scale)
	})

	t.Run("referenced config gets a new version", func(t *testing.T) {
		require.NoError(t, db.Create(&Detection{
			PageID: 1, ConfigID: cfg.ID, RunID: "r", Text: "x",
			BBox: geom.NewRect(0, 0, 1, 1).Polygon(), Lifecycle: LifecycleLive,
		}).Error)

		revised, err := ReviseConfig(db, cfg.ID, OcrConfig{Model: "tesseract", Scale: 5, MinConfidence: 0.4})
		require.NoError(t, err)
		assert.NotEqual(t, cfg.ID, revised.ID)
		assert.Equal(t, 2, revised.Version)
		assert.Equal(t, "fast", revised.Name)

		var original OcrConfig
		require.NoError(t, db.First(&original, cfg.ID).Error)
		assert.Equal(t, 3.0, original.Scale, "history must not change")
	})

	t.Run("invalid revision is rejected", func(t *testing.T) {
		_, err := ReviseConfig(db, cfg.ID, OcrConfig{Model: "tesseract", Scale: 12})
		assert.True(t, errors.Is(err, failure.ErrValidation))
	})

	t.Run("unknown config", func(t *testing.T) {
		_, err := ReviseConfig(db, 999, OcrConfig{Model: "tesseract", Scale: 2})
		assert.True(t, errors.Is(err, failure.ErrSelection))
	})
}

func TestDeleteVesselLeavesNoOrphans(t *testing.T) {
	db := newTestDB(t)

	keep := Vessel{Name: "keep"}
	drop := Vessel{Name: "drop"}
	require.NoError(t, db.Create(&keep).Error)
	require.NoError(t, db.Create(&drop).Error)

	seed := func(vesselID uint, number string) {
		doc := Document{VesselID: vesselID, DocumentNumber: number, Filename: number + ".pdf", ByteSize: 10}
		require.NoError(t, db.Create(&doc).Error)
		page := Page{DocumentID: doc.ID, Scale: 2, PageNumber: 1, ImageKey: "k", Status: PageStatusOK}
		require.NoError(t, db.Create(&page).Error)
		run := DetectionRun{ID: uuid.NewString(), PageID: page.ID, ConfigID: 1, Lifecycle: LifecycleLive, Count: 1}
		require.NoError(t, db.Create(&run).Error)
		require.NoError(t, db.Create(&Detection{
			PageID: page.ID, ConfigID: 1, RunID: run.ID, Text: "P-101",
			BBox: geom.NewRect(0, 0, 10, 10).Polygon(), Lifecycle: LifecycleLive,
		}).Error)
		require.NoError(t, db.Create(&AnnotatedImage{PageID: page.ID, ConfigID: 1, ImageKey: "a"}).Error)
		require.NoError(t, db.Create(&Truth{VesselID: vesselID, DocumentNumber: number, Tag: "P-101"}).Error)
	}
	seed(keep.ID, "1-MEC-001")
	seed(drop.ID, "1-ELE-002")
	seed(drop.ID, "1-ELE-003")

	dropID, keepID := drop.ID, keep.ID
	var dropDocs []uint
	require.NoError(t, db.Model(&Document{}).Where("vessel_id = ?", drop.ID).Pluck("id", &dropDocs).Error)
	batches := []Batch{
		{ID: "running-vessel", Kind: BatchKindDetect, Status: BatchStatusRunning, VesselID: &dropID},
		{ID: "pending-document", Kind: BatchKindAnnotate, Status: BatchStatusPending, DocumentID: &dropDocs[0]},
		{ID: "finished", Kind: BatchKindDetect, Status: BatchStatusCompleted, VesselID: &dropID},
		{ID: "other-vessel", Kind: BatchKindDetect, Status: BatchStatusRunning, VesselID: &keepID},
	}
	require.NoError(t, db.Create(&batches).Error)

	deleted, err := DeleteVessel(db, drop.ID)
	require.NoError(t, err)
	assert.Len(t, deleted.DocumentIDs, 2)
	assert.ElementsMatch(t, []string{"running-vessel", "pending-document"}, deleted.Batches)

	var flagged []string
	require.NoError(t, db.Model(&Batch{}).Where("cancel_requested = ?", true).Pluck("id", &flagged).Error)
	assert.ElementsMatch(t, []string{"running-vessel", "pending-document"}, flagged)

	counts := map[string]interface{}{
		"documents":        &Document{},
		"pages":            &Page{},
		"detection_runs":   &DetectionRun{},
		"detections":       &Detection{},
		"annotated_images": &AnnotatedImage{},
		"truths":           &Truth{},
	}
	for name, model := range counts {
		var n int64
		require.NoError(t, db.Model(model).Count(&n).Error)
		assert.Equal(t, int64(1), n, "only the kept vessel's %s should remain", name)
	}

	var orphans int64
	require.NoError(t, db.Model(&Detection{}).
		Where("page_id NOT IN (?)", db.Model(&Page{}).Select("id")).Count(&orphans).Error)
	assert.Zero(t, orphans)

	_, err = DeleteVessel(db, drop.ID)
	assert.True(t, errors.Is(err, failure.ErrSelection))
}

func TestRequirePage(t *testing.T) {
	db := newTestDB(t)
	vessel := Vessel{Name: "v"}
	require.NoError(t, db.Create(&vessel).Error)
	doc := Document{VesselID: vessel.ID, DocumentNumber: "1-MEC-001", Filename: "1-MEC-001.pdf", ByteSize: 10}
	require.NoError(t, db.Create(&doc).Error)
	page := Page{DocumentID: doc.ID, Scale: 1, PageNumber: 1, Status: PageStatusOK}
	require.NoError(t, db.Create(&page).Error)

	require.NoError(t, RequirePage(db, page.ID))
	require.NoError(t, RequireDocument(db, doc.ID))

	// a page row whose document is gone counts as missing
	require.NoError(t, db.Delete(&Document{}, doc.ID).Error)
	assert.True(t, errors.Is(RequirePage(db, page.ID), failure.ErrSelection))
	assert.True(t, errors.Is(RequireDocument(db, doc.ID), failure.ErrSelection))
	assert.True(t, errors.Is(RequirePage(db, 999), failure.ErrSelection))
}

func TestBatchSummaryRecount(t *testing.T) {
	s := BatchSummary{Documents: []DocumentOutcome{
		{State: DocStateMerged, Pages: []PageOutcome{{Outcome: PageOutcomeSuccess}, {Outcome: PageOutcomeSkipped}}},
		{State: DocStateMerged, Pages: []PageOutcome{{Outcome: PageOutcomeFailed, ErrorKind: string(failure.KindMemoryAborted)}}},
		{State: DocStateFailed, ErrorKind: string(failure.KindRasterization)},
		{State: DocStateCancelled},
	}}
	s.Recount()
	assert.Equal(t, BatchTotals{
		Documents: 4, Merged: 2, Failed: 1, Cancelled: 1,
		PagesSucceeded: 1, PagesSkipped: 1, PagesFailed: 1, MemoryAborted: 1,
	}, s.Totals)
}
