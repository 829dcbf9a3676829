package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"tagscan/export"
	"tagscan/internal/failure"
	"tagscan/internal/records"
	"tagscan/memguard"
	"tagscan/merge"
	"tagscan/ocr"
)

// batchTracker owns the summary of a running batch. Page workers report into
// it concurrently; it is persisted after every document.
type batchTracker struct {
	mu      sync.Mutex
	db      *gorm.DB
	batchID string
	summary records.BatchSummary

	guard      *memguard.Guard
	guardStart memguard.Stats
}

func newBatchTracker(db *gorm.DB, batchID string, docs []records.Document, guard *memguard.Guard) *batchTracker {
	t := &batchTracker{db: db, batchID: batchID, guard: guard}
	if guard != nil {
		t.guardStart = guard.Stats()
	}
	t.summary.Documents = make([]records.DocumentOutcome, len(docs))
	for i, d := range docs {
		t.summary.Documents[i] = records.DocumentOutcome{
			DocumentID:     d.ID,
			DocumentNumber: d.DocumentNumber,
			State:          records.DocStatePending,
		}
	}
	return t
}

func (t *batchTracker) update(i int, fn func(*records.DocumentOutcome)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.summary.Documents[i])
}

func (t *batchTracker) setState(i int, state string) {
	t.update(i, func(d *records.DocumentOutcome) { d.State = state })
}

func (t *batchTracker) fail(i int, err error) {
	t.update(i, func(d *records.DocumentOutcome) {
		d.State = records.DocStateFailed
		d.ErrorKind = string(failure.KindOf(err))
		d.Error = err.Error()
	})
}

// cancelFrom marks every document from index i on that has not started.
func (t *batchTracker) cancelFrom(i int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for j := i; j < len(t.summary.Documents); j++ {
		if t.summary.Documents[j].State == records.DocStatePending {
			t.summary.Documents[j].State = records.DocStateCancelled
		}
	}
}

// Summary returns a copy of the current summary with fresh totals.
func (t *batchTracker) Summary() records.BatchSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.summary.Recount()
	if t.guard != nil {
		now := t.guard.Stats()
		t.summary.Memory = records.MemoryTotals{
			Reclaims:   now.Reclaims - t.guardStart.Reclaims,
			Aborts:     now.Aborts - t.guardStart.Aborts,
			PeakRSSMiB: now.PeakRSSMiB,
		}
	}
	out := t.summary
	out.Documents = make([]records.DocumentOutcome, len(t.summary.Documents))
	for i, d := range t.summary.Documents {
		d.Pages = append([]records.PageOutcome(nil), d.Pages...)
		out.Documents[i] = d
	}
	return out
}

func (t *batchTracker) save() {
	if err := SaveBatchSummary(t.db, t.batchID, t.Summary()); err != nil {
		batchLogger(t.batchID).WithError(err).Warn("Failed to save batch summary")
	}
}

// getConfig loads an OCR config.
func getConfig(db *gorm.DB, id uint) (*records.OcrConfig, error) {
	var cfg records.OcrConfig
	if err := db.First(&cfg, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, failure.Selection("config %d not found", id)
		}
		return nil, err
	}
	return &cfg, nil
}

// selectDocuments resolves the selection of a batch to documents ordered by
// document number. An empty selection is a selection error.
func selectDocuments(db *gorm.DB, batch *records.Batch) ([]records.Document, error) {
	var docs []records.Document
	switch {
	case batch.DocumentID != nil:
		var doc records.Document
		if err := db.First(&doc, *batch.DocumentID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, failure.Selection("document %d not found", *batch.DocumentID)
			}
			return nil, err
		}
		docs = append(docs, doc)
	case batch.VesselID != nil:
		var vessel records.Vessel
		if err := db.First(&vessel, *batch.VesselID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, failure.Selection("vessel %d not found", *batch.VesselID)
			}
			return nil, err
		}
		q := db.Where("vessel_id = ?", vessel.ID)
		if dept := strings.TrimSpace(batch.DepartmentOrigin); dept != "" {
			q = q.Where("department_origin = ?", strings.ToUpper(dept))
		}
		if err := q.Order("document_number, id").Find(&docs).Error; err != nil {
			return nil, fmt.Errorf("error loading documents: %w", err)
		}
	default:
		return nil, failure.Validation("a batch needs a vessel or a document")
	}
	if len(docs) == 0 {
		return nil, failure.Selection("no documents match the selection")
	}
	return docs, nil
}

// stopRequested reports whether the batch should stop picking up work.
func (app *App) stopRequested(ctx context.Context, batchID string) bool {
	if ctx.Err() != nil {
		return true
	}
	cancelled, err := BatchCancelRequested(app.Database, batchID)
	if err != nil {
		batchLogger(batchID).WithError(err).Warn("Failed to read cancel flag")
		return false
	}
	return cancelled
}

// runDetectBatch drives every selected document through rasterization,
// guarded detection and merging. Failures of single documents or pages are
// recorded in the summary and never stop the batch.
func (app *App) runDetectBatch(ctx context.Context, batch *records.Batch) error {
	logger := batchLogger(batch.ID)

	cfg, err := getConfig(app.Database, batch.ConfigID)
	if err != nil {
		return err
	}
	if err := app.Engine.Registry().Supports(cfg.Model); err != nil {
		return err
	}
	docs, err := selectDocuments(app.Database, batch)
	if err != nil {
		return err
	}

	tracker := newBatchTracker(app.Database, batch.ID, docs, app.Guard)
	tracker.save()
	workers := app.Settings.Get().PageWorkers

	logger.WithFields(logrus.Fields{
		"documents": len(docs),
		"config_id": cfg.ID,
		"model":     cfg.Model,
		"workers":   workers,
	}).Info("Running detection batch")

	for i, doc := range docs {
		if app.stopRequested(ctx, batch.ID) {
			logger.Info("Cancellation requested, stopping batch")
			tracker.cancelFrom(i)
			break
		}
		app.detectDocument(ctx, batch, cfg, doc, i, tracker, workers)
		tracker.save()
	}

	tracker.save()
	totals := tracker.Summary().Totals
	logger.WithFields(logrus.Fields{
		"merged":       totals.Merged,
		"failed":       totals.Failed,
		"cancelled":    totals.Cancelled,
		"pages_ok":     totals.PagesSucceeded,
		"pages_failed": totals.PagesFailed,
	}).Info("Detection batch done")
	return nil
}

// detectDocument runs one document through the pipeline and records its
// state transitions: pending, rasterizing, detecting, then merged, failed
// or cancelled.
func (app *App) detectDocument(ctx context.Context, batch *records.Batch, cfg *records.OcrConfig, doc records.Document, i int, tracker *batchTracker, workers int) {
	docLogger := documentLogger(doc.ID).WithField("batch_id", batch.ID)

	tracker.setState(i, records.DocStateRasterizing)
	res, err := app.Rasterizer.Rasterize(ctx, doc, cfg.Scale)
	if err != nil {
		if failure.IsCancelled(err) {
			tracker.setState(i, records.DocStateCancelled)
			return
		}
		docLogger.WithError(err).Warn("Rasterization failed")
		tracker.fail(i, err)
		return
	}

	tracker.setState(i, records.DocStateDetecting)
	params := ocr.ParamsFromConfig(*cfg)
	outcomes := make([]records.PageOutcome, len(res.Pages))
	cancelled := make([]bool, len(res.Pages))

	var g errgroup.Group
	g.SetLimit(workers)
	for idx, page := range res.Pages {
		if !page.OK() {
			outcomes[idx] = records.PageOutcome{
				PageNumber: page.PageNumber,
				Outcome:    records.PageOutcomeFailed,
				ErrorKind:  string(failure.KindRasterization),
				Error:      page.Error,
			}
			continue
		}
		g.Go(func() error {
			if app.stopRequested(ctx, batch.ID) {
				cancelled[idx] = true
				outcomes[idx] = records.PageOutcome{
					PageNumber: page.PageNumber,
					Outcome:    records.PageOutcomeSkipped,
					ErrorKind:  string(failure.KindCancelled),
				}
				return nil
			}
			outcomes[idx] = app.detectPage(ctx, batch, cfg, params, page)
			return nil
		})
	}
	_ = g.Wait()

	state := records.DocStateMerged
	for _, c := range cancelled {
		if c {
			state = records.DocStateCancelled
			break
		}
	}
	tracker.update(i, func(d *records.DocumentOutcome) {
		d.State = state
		d.Pages = outcomes
	})

	if state == records.DocStateMerged {
		if err := app.Database.Model(&records.Document{}).Where("id = ?", doc.ID).
			Update("status", records.DocumentStatusDetected).Error; err != nil {
			docLogger.WithError(err).Warn("Failed to update document status")
		}
	}
	docLogger.WithField("state", state).Info("Document processed")
}

// detectPage runs guarded detection and the merge for one page.
func (app *App) detectPage(ctx context.Context, batch *records.Batch, cfg *records.OcrConfig, params ocr.Params, page records.Page) records.PageOutcome {
	out := records.PageOutcome{PageNumber: page.PageNumber}
	pageLogger := documentLogger(page.DocumentID).WithFields(logrus.Fields{
		"page":      page.PageNumber,
		"config_id": cfg.ID,
	})
	failed := func(err error) records.PageOutcome {
		pageLogger.WithError(err).Warn("Page failed")
		out.Outcome = records.PageOutcomeFailed
		out.ErrorKind = string(failure.KindOf(err))
		out.Error = err.Error()
		return out
	}

	if batch.OnlyWithoutDetections {
		has, err := records.HasLiveDetections(app.Database.WithContext(ctx), page.ID, cfg.ID)
		if err != nil {
			return failed(fmt.Errorf("error checking live detections: %w", err))
		}
		if has {
			pageLogger.Debug("Page already has live detections, skipping")
			out.Outcome = records.PageOutcomeSkipped
			return out
		}
	}

	img, err := app.Media.Get(page.ImageKey)
	if err != nil {
		return failed(failure.Wrap(failure.KindRasterization, err, "page image missing"))
	}

	var dets []ocr.Detection
	err = app.Guard.Run(ctx, func(ctx context.Context) error {
		var derr error
		dets, derr = app.Engine.Detect(ctx, img, params)
		return derr
	})
	if err != nil {
		return failed(err)
	}

	res, err := app.Merger.Merge(ctx, merge.Input{
		PageID:     page.ID,
		ConfigID:   cfg.ID,
		BatchID:    batch.ID,
		Detections: dets,
		Force:      batch.Force,
	})
	if err != nil {
		return failed(fmt.Errorf("error merging detections: %w", err))
	}

	out.Outcome = records.PageOutcomeSuccess
	out.MergeOutcome = string(res.Outcome)
	out.Detections = len(dets)

	if res.LiveChanged() {
		if _, err := app.Annotator.RenderPage(ctx, page, cfg.ID); err != nil {
			pageLogger.WithError(err).Warn("Failed to annotate page")
		}
	}
	return out
}

// runAnnotateBatch regenerates the annotated images of the selection from
// the pages at the config's scale.
func (app *App) runAnnotateBatch(ctx context.Context, batch *records.Batch) error {
	cfg, err := getConfig(app.Database, batch.ConfigID)
	if err != nil {
		return err
	}
	docs, err := selectDocuments(app.Database, batch)
	if err != nil {
		return err
	}

	tracker := newBatchTracker(app.Database, batch.ID, docs, nil)
	for i, doc := range docs {
		if app.stopRequested(ctx, batch.ID) {
			tracker.cancelFrom(i)
			break
		}
		results, err := app.Annotator.RenderDocument(ctx, doc.ID, cfg.ID, cfg.Scale)
		pages := make([]records.PageOutcome, 0, len(results))
		for _, r := range results {
			outcome := records.PageOutcomeSuccess
			if r.NoTags {
				outcome = records.PageOutcomeSkipped
			}
			pages = append(pages, records.PageOutcome{PageNumber: r.PageNumber, Outcome: outcome, Detections: r.Detections})
		}
		tracker.update(i, func(d *records.DocumentOutcome) { d.Pages = pages })
		if err != nil {
			if failure.IsCancelled(err) {
				tracker.setState(i, records.DocStateCancelled)
			} else {
				tracker.fail(i, err)
			}
		} else {
			tracker.setState(i, records.DocStateMerged)
		}
		tracker.save()
	}
	tracker.save()
	return nil
}

// runExportBatch builds the export artifact of the batch.
func (app *App) runExportBatch(ctx context.Context, batch *records.Batch) error {
	format, err := export.ParseFormat(batch.ExportType)
	if err != nil {
		return err
	}
	art, err := app.Exporter.Export(ctx, export.Selection{
		VesselID:   batch.VesselID,
		DocumentID: batch.DocumentID,
		ConfigID:   batch.ConfigID,
	}, format, batch.ID)
	if err != nil {
		return err
	}
	return SetBatchArtifact(app.Database, batch.ID, art.Key)
}
