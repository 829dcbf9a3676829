package main

import (
	"time"

	"tagscan/internal/records"
	"tagscan/memguard"
)

// CreateVesselRequest is the payload for POST /api/vessels.
type CreateVesselRequest struct {
	Name string `json:"name" binding:"required"`
}

// ConfigRequest is the payload for creating or revising an OCR config.
type ConfigRequest struct {
	Name                string  `json:"name"`
	Model               string  `json:"model"`
	Scale               float64 `json:"scale"`
	MinConfidence       float64 `json:"min_confidence"`
	AngleClassification bool    `json:"angle_classification"`
	BinaryMode          bool    `json:"binary_mode"`
	KeepShortText       bool    `json:"keep_short_text"`
}

func (r ConfigRequest) toConfig() records.OcrConfig {
	return records.OcrConfig{
		Name:                r.Name,
		Model:               r.Model,
		Scale:               r.Scale,
		MinConfidence:       r.MinConfidence,
		AngleClassification: r.AngleClassification,
		BinaryMode:          r.BinaryMode,
		KeepShortText:       r.KeepShortText,
	}
}

// DetectRequest triggers a detection batch over a vessel, optionally
// narrowed to one department.
type DetectRequest struct {
	VesselID              uint   `json:"vessel_id" binding:"required"`
	DepartmentOrigin      string `json:"department_origin"`
	ConfigID              uint   `json:"config_id" binding:"required"`
	OnlyWithoutDetections bool   `json:"only_without_detections"`
	Force                 bool   `json:"force"`
}

// DocumentBatchRequest triggers a detection or annotation batch for one
// document.
type DocumentBatchRequest struct {
	ConfigID              uint `json:"config_id" binding:"required"`
	OnlyWithoutDetections bool `json:"only_without_detections"`
	Force                 bool `json:"force"`
}

// ExportRequest triggers an export batch.
type ExportRequest struct {
	VesselID   *uint  `json:"vessel_id"`
	DocumentID *uint  `json:"document_id"`
	ConfigID   uint   `json:"config_id" binding:"required"`
	ExportType string `json:"export_type" binding:"required"`
}

// BatchHandle is returned when a batch is queued.
type BatchHandle struct {
	BatchID string `json:"batch_id"`
	Status  string `json:"status"`
}

// BatchStatusResponse is the payload of GET /api/batches/:id.
type BatchStatusResponse struct {
	records.Batch
	Memory memguard.Stats `json:"memory_guard"`
}

// DocumentDetail is the payload of GET /api/documents/:id.
type DocumentDetail struct {
	records.Document
	Pages []PageDetail `json:"pages"`
}

// PageDetail is a page with the live detection count per config.
type PageDetail struct {
	records.Page
	LiveDetections map[uint]int `json:"live_detections"`
}

// RunSummary lists one detection run of a page.
type RunSummary struct {
	ID        string    `json:"id"`
	ConfigID  uint      `json:"config_id"`
	BatchID   string    `json:"batch_id,omitempty"`
	Lifecycle string    `json:"lifecycle"`
	Count     int       `json:"count"`
	Forced    bool      `json:"forced"`
	CreatedAt time.Time `json:"created_at"`
}
