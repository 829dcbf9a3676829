// Package records holds the persistent model of the pipeline: vessels,
// documents, rasterized pages, OCR configs, detections and the derived
// artifacts built from them.
package records

import (
	"time"

	"tagscan/internal/failure"
	"tagscan/internal/geom"
)

// Detection lifecycle values.
const (
	LifecycleLive       = "live"
	LifecycleSuperseded = "superseded"
	LifecycleCandidate  = "candidate"
)

// Page status values.
const (
	PageStatusOK     = "ok"
	PageStatusFailed = "failed"
)

// Document status values. They are soft flags only, the rest of a Document
// never changes after upload.
const (
	DocumentStatusUploaded     = "uploaded"
	DocumentStatusRasterized   = "rasterized"
	DocumentStatusRasterFailed = "raster_failed"
	DocumentStatusDetected     = "detected"
)

// Vessel owns uploaded documents and is the unit of irreversible deletion.
type Vessel struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"size:255;not null;uniqueIndex" json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Document is one logical multi-page PDF.
type Document struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	VesselID         uint      `gorm:"not null;index" json:"vessel_id"`
	DepartmentOrigin string    `gorm:"size:32;index" json:"department_origin"`
	DocumentNumber   string    `gorm:"size:255;not null;index" json:"document_number"`
	Filename         string    `gorm:"size:512;not null" json:"filename"`
	ByteSize         int64     `gorm:"not null" json:"byte_size"`
	SourceArchive    string    `gorm:"size:512" json:"source_archive,omitempty"`
	RawKey           string    `gorm:"size:1024" json:"-"`
	Status           string    `gorm:"size:32;not null;default:uploaded" json:"status"`
	CreatedAt        time.Time `json:"created_at"`
}

// Page is one rasterized page of a Document at a given scale. A failed page
// keeps its row with an empty ImageKey so the next rasterization at the
// same scale can retry it.
type Page struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	DocumentID uint      `gorm:"not null;uniqueIndex:idx_page_identity" json:"document_id"`
	Scale      float64   `gorm:"not null;uniqueIndex:idx_page_identity" json:"scale"`
	PageNumber int       `gorm:"not null;uniqueIndex:idx_page_identity" json:"page_number"`
	PageCount  int       `gorm:"not null;default:0" json:"page_count"`
	ImageKey   string    `gorm:"size:1024" json:"image_key,omitempty"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	Status     string    `gorm:"size:16;not null;default:ok" json:"status"`
	Error      string    `gorm:"size:2048" json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// OK reports whether the page has a usable image.
func (p Page) OK() bool {
	return p.Status == PageStatusOK && p.ImageKey != ""
}

// OcrConfig is a named, versioned detector parameter bundle.
type OcrConfig struct {
	ID                  uint      `gorm:"primaryKey" json:"id"`
	Name                string    `gorm:"size:255;not null;uniqueIndex:idx_config_version" json:"name"`
	Version             int       `gorm:"not null;default:1;uniqueIndex:idx_config_version" json:"version"`
	Model               string    `gorm:"size:128;not null" json:"model"`
	Scale               float64   `gorm:"not null" json:"scale"`
	MinConfidence       float64   `gorm:"not null" json:"min_confidence"`
	AngleClassification bool      `gorm:"not null;default:false" json:"angle_classification"`
	BinaryMode          bool      `gorm:"not null;default:false" json:"binary_mode"`
	KeepShortText       bool      `gorm:"not null;default:false" json:"keep_short_text"`
	CreatedAt           time.Time `json:"created_at"`
}

// DetectionRun groups the detections one engine call produced for a
// (Page, OcrConfig) pair. Its lifecycle is mirrored onto every Detection in
// the run so the live view is a single filter.
type DetectionRun struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	PageID    uint      `gorm:"not null;index:idx_run_pair" json:"page_id"`
	ConfigID  uint      `gorm:"not null;index:idx_run_pair" json:"config_id"`
	BatchID   string    `gorm:"size:36;index" json:"batch_id,omitempty"`
	Lifecycle string    `gorm:"size:16;not null;index" json:"lifecycle"`
	Count     int       `gorm:"not null" json:"count"`
	Forced    bool      `gorm:"not null;default:false" json:"forced"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Detection is one recognized text region.
type Detection struct {
	ID         uint         `gorm:"primaryKey" json:"id"`
	PageID     uint         `gorm:"not null;index:idx_detection_pair" json:"page_id"`
	ConfigID   uint         `gorm:"not null;index:idx_detection_pair" json:"config_id"`
	RunID      string       `gorm:"size:36;not null;index" json:"run_id"`
	Text       string       `gorm:"size:1024;not null" json:"text"`
	Confidence float64      `gorm:"not null" json:"confidence"`
	BBox       geom.Polygon `gorm:"serializer:json;not null" json:"bbox"`
	Lifecycle  string       `gorm:"size:16;not null;index" json:"lifecycle"`
	CreatedAt  time.Time    `json:"created_at"`
}

// AnnotatedImage is the derived overlay for a (Page, OcrConfig) pair.
type AnnotatedImage struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	PageID         uint      `gorm:"not null;uniqueIndex:idx_annotation_pair" json:"page_id"`
	ConfigID       uint      `gorm:"not null;uniqueIndex:idx_annotation_pair" json:"config_id"`
	ImageKey       string    `gorm:"size:1024" json:"image_key,omitempty"`
	DetectionCount int       `json:"detection_count"`
	NoTags         bool      `gorm:"not null;default:false" json:"no_tags"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Truth is a ground-truth tag expected on a document, used for recall
// evaluation.
type Truth struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	VesselID       uint      `gorm:"not null;index" json:"vessel_id"`
	DocumentNumber string    `gorm:"size:255;not null;index" json:"document_number"`
	Tag            string    `gorm:"size:255;not null" json:"tag"`
	CreatedAt      time.Time `json:"created_at"`
}

// Batch kinds.
const (
	BatchKindDetect   = "detect"
	BatchKindAnnotate = "annotate"
	BatchKindExport   = "export"
)

// Batch statuses.
const (
	BatchStatusPending     = "pending"
	BatchStatusRunning     = "running"
	BatchStatusCompleted   = "completed"
	BatchStatusCancelled   = "cancelled"
	BatchStatusFailed      = "failed"
	BatchStatusInterrupted = "interrupted"
)

// Batch is one queued unit of background work and its outcome.
type Batch struct {
	ID                    string       `gorm:"primaryKey;size:36" json:"id"`
	Kind                  string       `gorm:"size:16;not null;index" json:"kind"`
	Status                string       `gorm:"size:16;not null;index" json:"status"`
	VesselID              *uint        `gorm:"index" json:"vessel_id,omitempty"`
	DepartmentOrigin      string       `gorm:"size:32" json:"department_origin,omitempty"`
	DocumentID            *uint        `json:"document_id,omitempty"`
	ConfigID              uint         `json:"config_id"`
	OnlyWithoutDetections bool         `json:"only_without_detections"`
	Force                 bool         `json:"force"`
	ExportType            string       `gorm:"size:16" json:"export_type,omitempty"`
	CancelRequested       bool         `gorm:"not null;default:false" json:"cancel_requested"`
	Summary               BatchSummary `gorm:"serializer:json" json:"summary"`
	ArtifactKey           string       `gorm:"size:1024" json:"artifact_key,omitempty"`
	Error                 string       `gorm:"size:4096" json:"error,omitempty"`
	CreatedAt             time.Time    `json:"created_at"`
	UpdatedAt             time.Time    `json:"updated_at"`
	CompletedAt           *time.Time   `json:"completed_at,omitempty"`
}

// Terminal reports whether the batch will not change status again.
func (b Batch) Terminal() bool {
	switch b.Status {
	case BatchStatusCompleted, BatchStatusCancelled, BatchStatusFailed, BatchStatusInterrupted:
		return true
	}
	return false
}

// Document states inside a batch.
const (
	DocStatePending     = "pending"
	DocStateRasterizing = "rasterizing"
	DocStateDetecting   = "detecting"
	DocStateMerged      = "merged"
	DocStateFailed      = "failed"
	DocStateCancelled   = "cancelled"
)

// Page outcomes inside a batch.
const (
	PageOutcomeSuccess = "success"
	PageOutcomeSkipped = "skipped"
	PageOutcomeFailed  = "failed"
)

// BatchSummary is the accumulated result of a batch. It is stored as JSON on
// the Batch row and refreshed while the batch runs.
type BatchSummary struct {
	Documents []DocumentOutcome `json:"documents"`
	Totals    BatchTotals       `json:"totals"`
	Memory    MemoryTotals      `json:"memory"`
}

// BatchTotals counts outcomes across the batch.
type BatchTotals struct {
	Documents      int `json:"documents"`
	Merged         int `json:"merged"`
	Failed         int `json:"failed"`
	Cancelled      int `json:"cancelled"`
	PagesSucceeded int `json:"pages_succeeded"`
	PagesSkipped   int `json:"pages_skipped"`
	PagesFailed    int `json:"pages_failed"`
	MemoryAborted  int `json:"memory_aborted"`
}

// MemoryTotals reports MemoryGuard activity during the batch.
type MemoryTotals struct {
	Reclaims   int64   `json:"reclaims"`
	Aborts     int64   `json:"aborts"`
	PeakRSSMiB float64 `json:"peak_rss_mib"`
}

// DocumentOutcome is the per-document state inside a batch.
type DocumentOutcome struct {
	DocumentID     uint          `json:"document_id"`
	DocumentNumber string        `json:"document_number"`
	State          string        `json:"state"`
	ErrorKind      string        `json:"error_kind,omitempty"`
	Error          string        `json:"error,omitempty"`
	Pages          []PageOutcome `json:"pages,omitempty"`
}

// PageOutcome is the per-page result inside a batch.
type PageOutcome struct {
	PageNumber   int    `json:"page_number"`
	Outcome      string `json:"outcome"`
	MergeOutcome string `json:"merge_outcome,omitempty"`
	Detections   int    `json:"detections"`
	ErrorKind    string `json:"error_kind,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Recount recomputes Totals from the document outcomes.
func (s *BatchSummary) Recount() {
	t := BatchTotals{Documents: len(s.Documents)}
	for _, d := range s.Documents {
		switch d.State {
		case DocStateMerged:
			t.Merged++
		case DocStateFailed:
			t.Failed++
		case DocStateCancelled:
			t.Cancelled++
		}
		for _, p := range d.Pages {
			switch p.Outcome {
			case PageOutcomeSuccess:
				t.PagesSucceeded++
			case PageOutcomeSkipped:
				t.PagesSkipped++
			case PageOutcomeFailed:
				t.PagesFailed++
				if p.ErrorKind == string(failure.KindMemoryAborted) {
					t.MemoryAborted++
				}
			}
		}
	}
	s.Totals = t
}

// AllModels lists every model for migration.
func AllModels() []interface{} {
	return []interface{}{
		&Vessel{},
		&Document{},
		&Page{},
		&OcrConfig{},
		&DetectionRun{},
		&Detection{},
		&AnnotatedImage{},
		&Truth{},
		&Batch{},
	}
}
