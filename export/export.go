// Package export turns live detections into downloadable artifacts and
// evaluates them against imported ground truth.
package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/Masterminds/sprig/v3"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"tagscan/internal/failure"
	"tagscan/internal/geom"
	"tagscan/internal/media"
	"tagscan/internal/records"
)

var log = logrus.New()

// SetLogLevel sets the logging level for the export package
func SetLogLevel(level logrus.Level) {
	log.SetLevel(level)
}

// Format of an export artifact.
type Format string

const (
	FormatExcel Format = "EXCEL"
	FormatPDF   Format = "PDF"
	FormatHOCR  Format = "HOCR"
)

// ParseFormat validates an export type.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToUpper(strings.TrimSpace(s)))
	switch f {
	case FormatExcel, FormatPDF, FormatHOCR:
		return f, nil
	}
	return "", failure.Validation("unsupported export type %q", s).With("field", "export_type")
}

// Extension returns the file extension for the format.
func (f Format) Extension() string {
	switch f {
	case FormatExcel:
		return "xlsx"
	case FormatPDF:
		return "pdf"
	case FormatHOCR:
		return "hocr.html"
	}
	return "bin"
}

// DefaultNameTemplate names artifacts after the export type, the time and
// the batch.
const DefaultNameTemplate = `tags_{{ .Format | lower }}_{{ .Time | date "20060102_150405" }}_{{ .BatchID | trunc 8 }}.{{ .Extension }}`

// Selection picks the detections to export.
type Selection struct {
	VesselID   *uint
	DocumentID *uint
	ConfigID   uint
}

// Row is one live detection with the page and document it belongs to.
type Row struct {
	DocumentID     uint
	DocumentNumber string
	PageID         uint
	PageNumber     int
	PageScale      float64
	PageWidth      int
	PageHeight     int
	ImageKey       string
	Text           string
	Confidence     float64
	BBox           geom.Polygon
	ConfigName     string
	ConfigVersion  int
	CreatedAt      time.Time
}

// Artifact is a stored export.
type Artifact struct {
	Key  string `json:"key"`
	Name string `json:"name"`
	Rows int    `json:"rows"`
}

// Exporter writes export artifacts into the media store.
type Exporter struct {
	db    *gorm.DB
	store *media.Store
	name  *template.Template
	now   func() time.Time
}

// New creates an Exporter. An empty nameTemplate uses DefaultNameTemplate.
func New(db *gorm.DB, store *media.Store, nameTemplate string) (*Exporter, error) {
	if strings.TrimSpace(nameTemplate) == "" {
		nameTemplate = DefaultNameTemplate
	}
	tmpl, err := template.New("export-name").Funcs(sprig.TxtFuncMap()).Parse(nameTemplate)
	if err != nil {
		return nil, fmt.Errorf("error parsing export name template: %w", err)
	}
	return &Exporter{db: db, store: store, name: tmpl, now: time.Now}, nil
}

// Name renders the artifact file name.
func (e *Exporter) Name(format Format, batchID string) (string, error) {
	var buf bytes.Buffer
	data := map[string]interface{}{
		"Format":    string(format),
		"Extension": format.Extension(),
		"Time":      e.now(),
		"BatchID":   batchID,
	}
	if err := e.name.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("error rendering export name: %w", err)
	}
	name := strings.TrimSpace(buf.String())
	if name == "" {
		return "", fmt.Errorf("export name template produced an empty name")
	}
	return name, nil
}

// Rows returns the live detections of the selection grouped by document and
// page, in page order.
func (e *Exporter) Rows(ctx context.Context, sel Selection) ([]Row, error) {
	db := e.db.WithContext(ctx)

	if sel.VesselID == nil && sel.DocumentID == nil {
		return nil, failure.Validation("an export needs a vessel or a document")
	}
	var cfg records.OcrConfig
	if err := db.First(&cfg, sel.ConfigID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, failure.Selection("config %d not found", sel.ConfigID)
		}
		return nil, err
	}

	docQuery := db.Model(&records.Document{})
	if sel.VesselID != nil {
		docQuery = docQuery.Where("vessel_id = ?", *sel.VesselID)
	}
	if sel.DocumentID != nil {
		docQuery = docQuery.Where("id = ?", *sel.DocumentID)
	}
	var docs []records.Document
	if err := docQuery.Order("document_number, id").Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("error loading documents: %w", err)
	}
	if len(docs) == 0 {
		return nil, nil
	}
	docIDs := make([]uint, len(docs))
	docIndex := make(map[uint]int, len(docs))
	for i, d := range docs {
		docIDs[i] = d.ID
		docIndex[d.ID] = i
	}

	var pages []records.Page
	if err := db.Where("document_id IN ?", docIDs).Find(&pages).Error; err != nil {
		return nil, fmt.Errorf("error loading pages: %w", err)
	}
	pageByID := make(map[uint]records.Page, len(pages))
	pageIDs := make([]uint, 0, len(pages))
	for _, p := range pages {
		pageByID[p.ID] = p
		pageIDs = append(pageIDs, p.ID)
	}
	if len(pageIDs) == 0 {
		return nil, nil
	}

	var dets []records.Detection
	if err := db.Where("config_id = ? AND lifecycle = ? AND page_id IN ?", cfg.ID, records.LifecycleLive, pageIDs).
		Order("id").Find(&dets).Error; err != nil {
		return nil, fmt.Errorf("error loading detections: %w", err)
	}

	rows := make([]Row, 0, len(dets))
	for _, d := range dets {
		p := pageByID[d.PageID]
		doc := docs[docIndex[p.DocumentID]]
		rows = append(rows, Row{
			DocumentID:     doc.ID,
			DocumentNumber: doc.DocumentNumber,
			PageID:         p.ID,
			PageNumber:     p.PageNumber,
			PageScale:      p.Scale,
			PageWidth:      p.Width,
			PageHeight:     p.Height,
			ImageKey:       p.ImageKey,
			Text:           d.Text,
			Confidence:     d.Confidence,
			BBox:           d.BBox,
			ConfigName:     cfg.Name,
			ConfigVersion:  cfg.Version,
			CreatedAt:      d.CreatedAt,
		})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.DocumentID != b.DocumentID {
			return docIndex[a.DocumentID] < docIndex[b.DocumentID]
		}
		return a.PageNumber < b.PageNumber
	})
	return rows, nil
}

// Export builds the artifact for a selection and stores it. A selection
// without live detections fails with a no-data error and nothing is
// written.
func (e *Exporter) Export(ctx context.Context, sel Selection, format Format, batchID string) (*Artifact, error) {
	logger := log.WithFields(logrus.Fields{
		"format":    format,
		"config_id": sel.ConfigID,
		"batch_id":  batchID,
	})

	rows, err := e.Rows(ctx, sel)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, failure.NoData("selection has no live detections")
	}

	var data []byte
	switch format {
	case FormatExcel:
		data, err = writeExcel(rows)
	case FormatPDF:
		data, err = writePDF(rows, e.store)
	case FormatHOCR:
		data, err = writeHOCR(rows)
	default:
		return nil, failure.Validation("unsupported export type %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("error building %s export: %w", format, err)
	}

	name, err := e.Name(format, batchID)
	if err != nil {
		return nil, err
	}
	key := media.ExportKey(name)
	if err := e.store.Put(key, data); err != nil {
		return nil, fmt.Errorf("error storing export: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"rows": len(rows),
		"key":  key,
	}).Info("Export written")
	return &Artifact{Key: key, Name: name, Rows: len(rows)}, nil
}

// groupPages splits rows into runs that share a page, keeping row order.
func groupPages(rows []Row) [][]Row {
	var groups [][]Row
	for i, r := range rows {
		if i == 0 || r.PageID != rows[i-1].PageID {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], r)
	}
	return groups
}
