package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"tagscan/export"
	"tagscan/ingest"
	"tagscan/internal/failure"
	"tagscan/internal/media"
	"tagscan/internal/records"
)

// respondError maps a classified error onto an HTTP status.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch failure.KindOf(err) {
	case failure.KindValidation, failure.KindInvalidDocumentNumber:
		status = http.StatusBadRequest
	case failure.KindSelection:
		status = http.StatusNotFound
	case failure.KindNoData:
		status = http.StatusUnprocessableEntity
	case failure.KindDetectionBackend:
		status = http.StatusBadGateway
	}

	body := gin.H{"error": err.Error()}
	var fe *failure.Error
	if errors.As(err, &fe) {
		body["kind"] = string(fe.Kind)
		if len(fe.Details) > 0 {
			body["details"] = fe.Details
		}
	}
	if status == http.StatusInternalServerError {
		log.Errorf("%s %s: %v", c.Request.Method, c.FullPath(), err)
	}
	c.JSON(status, body)
}

// uintParam parses a numeric path parameter.
func uintParam(c *gin.Context, name string) (uint, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || v == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid %s", name)})
		return 0, false
	}
	return uint(v), true
}

// uintValue parses an optional numeric query or form value.
func uintValue(raw, name string) (*uint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || v == 0 {
		return nil, failure.Validation("invalid %s %q", name, raw).With("field", name)
	}
	id := uint(v)
	return &id, nil
}

// createVesselHandler handles the POST /api/vessels endpoint
func (app *App) createVesselHandler(c *gin.Context) {
	var req CreateVesselRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid request payload: %v", err)})
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		respondError(c, failure.Validation("vessel name is required").With("field", "name"))
		return
	}

	var existing int64
	if err := app.Database.Model(&records.Vessel{}).Where("name = ?", name).Count(&existing).Error; err != nil {
		respondError(c, err)
		return
	}
	if existing > 0 {
		respondError(c, failure.Validation("vessel %q already exists", name).With("field", "name"))
		return
	}

	vessel := records.Vessel{Name: name}
	if err := app.Database.Create(&vessel).Error; err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, vessel)
}

// listVesselsHandler handles the GET /api/vessels endpoint
func (app *App) listVesselsHandler(c *gin.Context) {
	var vessels []records.Vessel
	if err := app.Database.Order("name").Find(&vessels).Error; err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, vessels)
}

// deleteVesselHandler handles the DELETE /api/vessels/:id endpoint. The
// rows go in one transaction; media files are removed after commit.
func (app *App) deleteVesselHandler(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	deleted, err := records.DeleteVessel(app.Database.WithContext(c.Request.Context()), id)
	if err != nil {
		respondError(c, err)
		return
	}
	for _, batchID := range deleted.Batches {
		app.Jobs.Cancel(batchID)
	}
	docIDs := deleted.DocumentIDs
	for _, docID := range docIDs {
		if err := app.Media.RemoveTree(media.DocumentDir(docID)); err != nil {
			documentLogger(docID).WithError(err).Warn("Failed to remove document media")
		}
	}
	log.WithFields(logrus.Fields{
		"vessel_id":         id,
		"cancelled_batches": len(deleted.Batches),
	}).Infof("Deleted vessel with %d documents", len(docIDs))
	c.JSON(http.StatusOK, gin.H{
		"deleted_documents": len(docIDs),
		"cancelled_batches": deleted.Batches,
	})
}

// uploadHandler handles the POST /api/uploads endpoint. The multipart form
// carries vessel_id and one file, a PDF or a ZIP of PDFs.
func (app *App) uploadHandler(c *gin.Context) {
	vesselID, err := uintValue(c.PostForm("vessel_id"), "vessel_id")
	if err != nil {
		respondError(c, err)
		return
	}
	if vesselID == nil {
		respondError(c, failure.Validation("vessel_id is required").With("field", "vessel_id"))
		return
	}
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "File upload required"})
		return
	}
	if fileHeader.Size > app.Config.MaxUploadBytes {
		respondError(c, failure.Validation("upload %q is %d bytes, limit is %d", fileHeader.Filename, fileHeader.Size, app.Config.MaxUploadBytes))
		return
	}

	tmpPath, cleanup, err := saveTemp(c, "tagscan-upload-*"+filepath.Ext(fileHeader.Filename))
	if err != nil {
		respondError(c, err)
		return
	}
	defer cleanup()

	report, err := app.Extractor.Extract(c.Request.Context(), *vesselID, tmpPath, filepath.Base(fileHeader.Filename))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// saveTemp stores the "file" form field in a temporary file.
func saveTemp(c *gin.Context, pattern string) (string, func(), error) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return "", nil, failure.Validation("file upload required").With("field", "file")
	}
	tmp, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", nil, fmt.Errorf("error creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	cleanup := func() { os.Remove(tmpPath) }
	if err := c.SaveUploadedFile(fileHeader, tmpPath); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("error saving upload: %w", err)
	}
	return tmpPath, cleanup, nil
}

// listDocumentsHandler handles the GET /api/documents endpoint
func (app *App) listDocumentsHandler(c *gin.Context) {
	vesselID, err := uintValue(c.Query("vessel_id"), "vessel_id")
	if err != nil {
		respondError(c, err)
		return
	}
	q := app.Database.Order("document_number, id")
	if vesselID != nil {
		q = q.Where("vessel_id = ?", *vesselID)
	}
	if dept := strings.TrimSpace(c.Query("department")); dept != "" {
		q = q.Where("department_origin = ?", strings.ToUpper(dept))
	}
	if status := c.Query("status"); status != "" {
		q = q.Where("status = ?", status)
	}

	var docs []records.Document
	if err := q.Find(&docs).Error; err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, docs)
}

// getDocumentHandler handles the GET /api/documents/:id endpoint
func (app *App) getDocumentHandler(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	var doc records.Document
	if err := app.Database.First(&doc, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(c, failure.Selection("document %d not found", id))
			return
		}
		respondError(c, err)
		return
	}

	var pages []records.Page
	if err := app.Database.Where("document_id = ?", id).Order("scale, page_number").Find(&pages).Error; err != nil {
		respondError(c, err)
		return
	}

	var counts []struct {
		PageID   uint
		ConfigID uint
		N        int
	}
	if err := app.Database.Model(&records.Detection{}).
		Select("page_id, config_id, COUNT(*) AS n").
		Where("lifecycle = ? AND page_id IN (?)", records.LifecycleLive,
			app.Database.Model(&records.Page{}).Select("id").Where("document_id = ?", id)).
		Group("page_id, config_id").Scan(&counts).Error; err != nil {
		respondError(c, err)
		return
	}
	byPage := make(map[uint]map[uint]int)
	for _, row := range counts {
		if byPage[row.PageID] == nil {
			byPage[row.PageID] = make(map[uint]int)
		}
		byPage[row.PageID][row.ConfigID] = row.N
	}

	detail := DocumentDetail{Document: doc, Pages: make([]PageDetail, 0, len(pages))}
	for _, p := range pages {
		live := byPage[p.ID]
		if live == nil {
			live = map[uint]int{}
		}
		detail.Pages = append(detail.Pages, PageDetail{Page: p, LiveDetections: live})
	}
	c.JSON(http.StatusOK, detail)
}

// pageRunsHandler handles the GET /api/pages/:id/runs endpoint
func (app *App) pageRunsHandler(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	q := app.Database.Where("page_id = ?", id).Order("created_at")
	if configID, err := uintValue(c.Query("config_id"), "config_id"); err != nil {
		respondError(c, err)
		return
	} else if configID != nil {
		q = q.Where("config_id = ?", *configID)
	}

	var runs []records.DetectionRun
	if err := q.Find(&runs).Error; err != nil {
		respondError(c, err)
		return
	}
	out := make([]RunSummary, 0, len(runs))
	for _, r := range runs {
		out = append(out, RunSummary{
			ID:        r.ID,
			ConfigID:  r.ConfigID,
			BatchID:   r.BatchID,
			Lifecycle: r.Lifecycle,
			Count:     r.Count,
			Forced:    r.Forced,
			CreatedAt: r.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

// pageAnnotationHandler handles the GET /api/pages/:id/annotation endpoint
// and serves the annotated PNG of a page for a config.
func (app *App) pageAnnotationHandler(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	configID, err := uintValue(c.Query("config_id"), "config_id")
	if err != nil {
		respondError(c, err)
		return
	}
	if configID == nil {
		respondError(c, failure.Validation("config_id is required").With("field", "config_id"))
		return
	}

	var ann records.AnnotatedImage
	if err := app.Database.Where("page_id = ? AND config_id = ?", id, *configID).First(&ann).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(c, failure.Selection("page %d has no annotation for config %d", id, *configID))
			return
		}
		respondError(c, err)
		return
	}
	if ann.NoTags || ann.ImageKey == "" {
		respondError(c, failure.NoData("no tags available"))
		return
	}
	path, err := app.Media.Path(ann.ImageKey)
	if err != nil {
		respondError(c, err)
		return
	}
	c.File(path)
}

// promoteRunHandler handles the POST /api/runs/:run_id/promote endpoint
func (app *App) promoteRunHandler(c *gin.Context) {
	ctx := c.Request.Context()
	runID := c.Param("run_id")
	if _, err := uuid.Parse(runID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid run_id"})
		return
	}

	res, err := app.Merger.Promote(ctx, runID)
	if err != nil {
		respondError(c, err)
		return
	}

	var page records.Page
	if err := app.Database.First(&page, res.PageID).Error; err != nil {
		respondError(c, err)
		return
	}
	if _, err := app.Annotator.RenderPage(ctx, page, res.ConfigID); err != nil {
		documentLogger(page.DocumentID).WithError(err).Warn("Failed to annotate promoted run")
	}
	c.JSON(http.StatusOK, res)
}

// listConfigsHandler handles the GET /api/configs endpoint
func (app *App) listConfigsHandler(c *gin.Context) {
	var configs []records.OcrConfig
	if err := app.Database.Order("name, version").Find(&configs).Error; err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, configs)
}

// createConfigHandler handles the POST /api/configs endpoint
func (app *App) createConfigHandler(c *gin.Context) {
	var req ConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid request payload: %v", err)})
		return
	}
	cfg := req.toConfig()
	if err := app.Engine.Registry().Supports(cfg.Model); err != nil {
		respondError(c, err)
		return
	}
	if err := records.CreateConfig(app.Database, &cfg); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, cfg)
}

// reviseConfigHandler handles the PUT /api/configs/:id endpoint. A config
// with detections is never changed in place; a new version is returned.
func (app *App) reviseConfigHandler(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	var req ConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid request payload: %v", err)})
		return
	}
	if err := app.Engine.Registry().Supports(req.Model); err != nil {
		respondError(c, err)
		return
	}
	cfg, err := records.ReviseConfig(app.Database, id, req.toConfig())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// listBackendsHandler handles the GET /api/backends endpoint
func (app *App) listBackendsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"backends": app.Engine.Registry().Backends()})
}

// queueBatch validates a batch synchronously, stores it and hands it to the
// dispatcher. Selection and config problems are reported to the caller
// instead of failing later in the background.
func (app *App) queueBatch(c *gin.Context, batch *records.Batch) {
	cfg, err := getConfig(app.Database, batch.ConfigID)
	if err != nil {
		respondError(c, err)
		return
	}
	switch batch.Kind {
	case records.BatchKindDetect:
		if err := app.Engine.Registry().Supports(cfg.Model); err != nil {
			respondError(c, err)
			return
		}
		if _, err := selectDocuments(app.Database, batch); err != nil {
			respondError(c, err)
			return
		}
	case records.BatchKindAnnotate:
		if _, err := selectDocuments(app.Database, batch); err != nil {
			respondError(c, err)
			return
		}
	case records.BatchKindExport:
		if _, err := export.ParseFormat(batch.ExportType); err != nil {
			respondError(c, err)
			return
		}
		if batch.VesselID == nil && batch.DocumentID == nil {
			respondError(c, failure.Validation("export needs a vessel_id or a document_id"))
			return
		}
	}

	batch.ID = uuid.NewString()
	if err := CreateBatch(app.Database, batch); err != nil {
		respondError(c, err)
		return
	}
	if err := app.Jobs.Enqueue(c.Request.Context(), batch.ID); err != nil {
		batchLogger(batch.ID).WithError(err).Error("Failed to enqueue batch")
		if serr := SetBatchStatus(app.Database, batch.ID, records.BatchStatusFailed, err.Error()); serr != nil {
			batchLogger(batch.ID).WithError(serr).Error("Failed to mark batch failed")
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": fmt.Sprintf("Error queueing batch: %v", err)})
		return
	}

	batchLogger(batch.ID).WithField("kind", batch.Kind).Info("Batch queued")
	c.JSON(http.StatusAccepted, BatchHandle{BatchID: batch.ID, Status: records.BatchStatusPending})
}

// detectBatchHandler handles the POST /api/batches/detect endpoint
func (app *App) detectBatchHandler(c *gin.Context) {
	var req DetectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid request payload: %v", err)})
		return
	}
	vesselID := req.VesselID
	app.queueBatch(c, &records.Batch{
		Kind:                  records.BatchKindDetect,
		VesselID:              &vesselID,
		DepartmentOrigin:      strings.ToUpper(strings.TrimSpace(req.DepartmentOrigin)),
		ConfigID:              req.ConfigID,
		OnlyWithoutDetections: req.OnlyWithoutDetections,
		Force:                 req.Force,
	})
}

// detectDocumentHandler handles the POST /api/documents/:id/detect endpoint
func (app *App) detectDocumentHandler(c *gin.Context) {
	app.documentBatch(c, records.BatchKindDetect)
}

// annotateDocumentHandler handles the POST /api/documents/:id/annotate endpoint
func (app *App) annotateDocumentHandler(c *gin.Context) {
	app.documentBatch(c, records.BatchKindAnnotate)
}

func (app *App) documentBatch(c *gin.Context, kind string) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	var req DocumentBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid request payload: %v", err)})
		return
	}
	app.queueBatch(c, &records.Batch{
		Kind:                  kind,
		DocumentID:            &id,
		ConfigID:              req.ConfigID,
		OnlyWithoutDetections: req.OnlyWithoutDetections,
		Force:                 req.Force,
	})
}

// exportHandler handles the POST /api/exports endpoint
func (app *App) exportHandler(c *gin.Context) {
	var req ExportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid request payload: %v", err)})
		return
	}
	app.queueBatch(c, &records.Batch{
		Kind:       records.BatchKindExport,
		VesselID:   req.VesselID,
		DocumentID: req.DocumentID,
		ConfigID:   req.ConfigID,
		ExportType: strings.ToUpper(strings.TrimSpace(req.ExportType)),
	})
}

// listBatchesHandler handles the GET /api/batches endpoint
func (app *App) listBatchesHandler(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
		return
	}
	batches, err := ListBatches(app.Database, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, batches)
}

// getBatchHandler handles the GET /api/batches/:id endpoint
func (app *App) getBatchHandler(c *gin.Context) {
	batch, err := GetBatch(app.Database, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, BatchStatusResponse{Batch: *batch, Memory: app.Guard.Stats()})
}

// cancelBatchHandler handles the POST /api/batches/:id/cancel endpoint.
// Workers stop before their next page; pages already running finish.
func (app *App) cancelBatchHandler(c *gin.Context) {
	id := c.Param("id")
	flagged, err := RequestBatchCancel(app.Database, id)
	if err != nil {
		respondError(c, err)
		return
	}
	if !flagged {
		c.JSON(http.StatusConflict, gin.H{"error": "Batch already finished"})
		return
	}
	running := app.Jobs.Cancel(id)
	batchLogger(id).WithField("running_here", running).Info("Batch cancellation requested")
	c.JSON(http.StatusAccepted, gin.H{"batch_id": id, "cancel_requested": true})
}

// batchArtifactHandler handles the GET /api/batches/:id/artifact endpoint
func (app *App) batchArtifactHandler(c *gin.Context) {
	batch, err := GetBatch(app.Database, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if batch.ArtifactKey == "" {
		if batch.Status == records.BatchStatusCompleted || !batch.Terminal() {
			c.JSON(http.StatusNotFound, gin.H{"error": "Batch has no artifact", "status": batch.Status})
			return
		}
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": batch.Error, "status": batch.Status})
		return
	}
	if !app.Media.Exists(batch.ArtifactKey) {
		c.JSON(http.StatusGone, gin.H{"error": "Artifact expired"})
		return
	}
	path, err := app.Media.Path(batch.ArtifactKey)
	if err != nil {
		respondError(c, err)
		return
	}
	c.FileAttachment(path, filepath.Base(batch.ArtifactKey))
}

// importTruthsHandler handles the POST /api/truths endpoint. The multipart
// form carries vessel_id and an xlsx workbook.
func (app *App) importTruthsHandler(c *gin.Context) {
	vesselID, err := uintValue(c.PostForm("vessel_id"), "vessel_id")
	if err != nil {
		respondError(c, err)
		return
	}
	if vesselID == nil {
		respondError(c, failure.Validation("vessel_id is required").With("field", "vessel_id"))
		return
	}
	var vessel records.Vessel
	if err := app.Database.First(&vessel, *vesselID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(c, failure.Selection("vessel %d not found", *vesselID))
			return
		}
		respondError(c, err)
		return
	}

	tmpPath, cleanup, err := saveTemp(c, "tagscan-truths-*.xlsx")
	if err != nil {
		respondError(c, err)
		return
	}
	defer cleanup()

	n, err := ingest.ImportTruths(c.Request.Context(), app.Database, vessel.ID, tmpPath)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"vessel_id": vessel.ID, "imported": n})
}

// evaluationHandler handles the GET /api/evaluations endpoint
func (app *App) evaluationHandler(c *gin.Context) {
	vesselID, err := uintValue(c.Query("vessel_id"), "vessel_id")
	if err != nil {
		respondError(c, err)
		return
	}
	configID, err := uintValue(c.Query("config_id"), "config_id")
	if err != nil {
		respondError(c, err)
		return
	}
	if vesselID == nil || configID == nil {
		respondError(c, failure.Validation("vessel_id and config_id are required"))
		return
	}
	eval, err := export.Evaluate(c.Request.Context(), app.Database, *vesselID, *configID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, eval)
}

// getSettingsHandler handles the GET /api/settings endpoint
func (app *App) getSettingsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, app.Settings.Get())
}

// updateSettingsHandler handles the PATCH /api/settings endpoint
func (app *App) updateSettingsHandler(c *gin.Context) {
	var patch SettingsPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid request payload: %v", err)})
		return
	}
	settings, err := app.Settings.Update(patch)
	if err != nil {
		respondError(c, err)
		return
	}
	if err := app.applySettings(settings); err != nil {
		respondError(c, err)
		return
	}
	log.Infof("Settings updated: %+v", settings)
	c.JSON(http.StatusOK, settings)
}
