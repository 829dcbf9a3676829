// Package raster renders document pages into page images and records them as
// Page rows. Rendering goes through MuPDF (go-fitz); pdfcpu validates the
// file structure first so unreadable and encrypted PDFs fail fast with a
// clear error.
package raster

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"
	"sync/atomic"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/go-fitz"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"tagscan/internal/constants"
	"tagscan/internal/failure"
	"tagscan/internal/media"
	"tagscan/internal/records"
)

var log = logrus.New()

func init() {
	// pdfcpu would otherwise create a config directory under the user's home
	api.DisableConfigDir()
}

// SetLogLevel sets the logging level for the raster package
func SetLogLevel(level logrus.Level) {
	log.SetLevel(level)
}

// Rasterizer renders documents to page images.
type Rasterizer struct {
	db      *gorm.DB
	store   *media.Store
	baseDPI float64
	workers atomic.Int64

	// MuPDF is not safe for concurrent rendering of one document
	renderMu sync.Mutex

	docLocks sync.Map
}

// Result lists every page of the document at the requested scale, failed
// pages included, in ascending page order.
type Result struct {
	DocumentID uint
	Scale      float64
	Pages      []records.Page
	Rendered   int
	Reused     int
	Failed     int
}

// Usable returns the pages that have an image.
func (r *Result) Usable() []records.Page {
	out := make([]records.Page, 0, len(r.Pages))
	for _, p := range r.Pages {
		if p.OK() {
			out = append(out, p)
		}
	}
	return out
}

// New creates a rasterizer. baseDPI is the resolution of scale 1.0 and
// workers bounds how many pages are post-processed at once.
func New(db *gorm.DB, store *media.Store, baseDPI float64, workers int) *Rasterizer {
	if baseDPI <= 0 {
		baseDPI = constants.BaseDPI
	}
	r := &Rasterizer{db: db, store: store, baseDPI: baseDPI}
	r.SetWorkers(workers)
	return r
}

// SetWorkers changes how many pages later rasterizations post-process at
// once. Values below one fall back to two.
func (r *Rasterizer) SetWorkers(n int) {
	if n <= 0 {
		n = 2
	}
	r.workers.Store(int64(n))
}

// Workers returns the page worker limit in effect.
func (r *Rasterizer) Workers() int {
	return int(r.workers.Load())
}

func (r *Rasterizer) lockDocument(documentID uint, scale float64) func() {
	key := fmt.Sprintf("%d@%g", documentID, scale)
	v, _ := r.docLocks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Rasterize makes sure every page of doc exists as an image at scale. Pages
// already rendered at that scale are reused; pages that failed before are
// retried. A page that fails to render is recorded as failed and the rest of
// the document still renders. Problems with the document as a whole are
// returned as rasterization errors.
func (r *Rasterizer) Rasterize(ctx context.Context, doc records.Document, scale float64) (*Result, error) {
	if scale < constants.MinScale || scale > constants.MaxScale {
		return nil, failure.Validation("scale %.2f outside [%.1f, %.1f]", scale, constants.MinScale, constants.MaxScale)
	}
	unlock := r.lockDocument(doc.ID, scale)
	defer unlock()

	logger := log.WithFields(logrus.Fields{
		"document_id": doc.ID,
		"scale":       scale,
	})
	db := r.db.WithContext(ctx)

	existing, err := records.Pages(db, doc.ID, scale)
	if err != nil {
		return nil, fmt.Errorf("error loading pages: %w", err)
	}
	if complete(existing) {
		logger.Debug("Reusing existing page images")
		return &Result{DocumentID: doc.ID, Scale: scale, Pages: existing, Reused: len(existing)}, nil
	}

	data, err := r.store.Get(doc.RawKey)
	if err != nil {
		return nil, r.fail(db, doc, failure.Wrap(failure.KindRasterization, err, "raw file for document %d is missing", doc.ID))
	}

	pageCount, err := checkStructure(data)
	if err != nil {
		return nil, r.fail(db, doc, err)
	}

	fdoc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, r.fail(db, doc, failure.Wrap(failure.KindRasterization, err, "cannot open document %d", doc.ID))
	}
	defer fdoc.Close()

	if n := fdoc.NumPage(); n != pageCount {
		logger.WithFields(logrus.Fields{"pdfcpu": pageCount, "mupdf": n}).Warn("Page counts disagree, using MuPDF count")
		pageCount = n
	}
	if pageCount == 0 {
		return nil, r.fail(db, doc, failure.New(failure.KindRasterization, "document %d has zero pages", doc.ID))
	}

	byNumber := make(map[int]records.Page, len(existing))
	for _, p := range existing {
		byNumber[p.PageNumber] = p
	}

	type rendered struct {
		width, height int
		err           error
	}
	results := make([]rendered, pageCount)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.Workers())
	for i := 0; i < pageCount; i++ {
		number := i + 1
		if p, ok := byNumber[number]; ok && p.OK() {
			continue
		}
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			w, h, err := r.renderPage(fdoc, doc.ID, scale, number)
			results[number-1] = rendered{width: w, height: h, err: err}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &Result{DocumentID: doc.ID, Scale: scale}
	err = db.Transaction(func(tx *gorm.DB) error {
		// the document may have been deleted while its pages rendered
		if err := records.RequireDocument(tx, doc.ID); err != nil {
			return err
		}
		for i := 0; i < pageCount; i++ {
			number := i + 1
			prev, had := byNumber[number]
			if had && prev.OK() {
				if prev.PageCount != pageCount {
					prev.PageCount = pageCount
					if err := tx.Model(&prev).Update("page_count", pageCount).Error; err != nil {
						return fmt.Errorf("error updating page %d: %w", number, err)
					}
				}
				res.Pages = append(res.Pages, prev)
				res.Reused++
				continue
			}

			out := results[i]
			page := records.Page{
				DocumentID: doc.ID,
				Scale:      scale,
				PageNumber: number,
				PageCount:  pageCount,
			}
			if had {
				page.ID = prev.ID
				page.CreatedAt = prev.CreatedAt
			}
			if out.err != nil {
				page.Status = records.PageStatusFailed
				page.Error = out.err.Error()
				res.Failed++
				logger.WithError(out.err).WithField("page", number).Warn("Page failed to render")
			} else {
				page.Status = records.PageStatusOK
				page.ImageKey = media.PageKey(doc.ID, scale, number)
				page.Width = out.width
				page.Height = out.height
				res.Rendered++
			}
			if err := tx.Save(&page).Error; err != nil {
				return fmt.Errorf("error saving page %d: %w", number, err)
			}
			res.Pages = append(res.Pages, page)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, failure.ErrSelection) {
			if rerr := r.store.RemoveTree(media.DocumentDir(doc.ID)); rerr != nil {
				logger.WithError(rerr).Warn("Failed to remove media of deleted document")
			}
		}
		return nil, err
	}

	status := records.DocumentStatusRasterized
	if res.Rendered+res.Reused == 0 {
		status = records.DocumentStatusRasterFailed
	}
	if err := db.Model(&records.Document{}).Where("id = ?", doc.ID).Update("status", status).Error; err != nil {
		logger.WithError(err).Warn("Failed to update document status")
	}

	logger.WithFields(logrus.Fields{
		"pages":    pageCount,
		"rendered": res.Rendered,
		"reused":   res.Reused,
		"failed":   res.Failed,
	}).Info("Rasterized document")
	return res, nil
}

func (r *Rasterizer) fail(db *gorm.DB, doc records.Document, err error) error {
	if uerr := db.Model(&records.Document{}).Where("id = ?", doc.ID).
		Update("status", records.DocumentStatusRasterFailed).Error; uerr != nil {
		log.WithError(uerr).WithField("document_id", doc.ID).Warn("Failed to update document status")
	}
	return err
}

// renderPage renders, normalises and stores a single page. Panics from the
// native renderer are turned into errors so they stay confined to the page.
func (r *Rasterizer) renderPage(fdoc *fitz.Document, documentID uint, scale float64, number int) (w, h int, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("renderer panic on page %d: %v", number, p)
		}
	}()

	r.renderMu.Lock()
	img, err := fdoc.ImageDPI(number-1, scale*r.baseDPI)
	r.renderMu.Unlock()
	if err != nil {
		return 0, 0, fmt.Errorf("error rendering page %d: %w", number, err)
	}

	out := Normalize(img)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, imaging.PNG); err != nil {
		return 0, 0, fmt.Errorf("error encoding page %d: %w", number, err)
	}
	if err := r.store.Put(media.PageKey(documentID, scale, number), buf.Bytes()); err != nil {
		return 0, 0, fmt.Errorf("error storing page %d: %w", number, err)
	}
	b := out.Bounds()
	return b.Dx(), b.Dy(), nil
}

// Normalize turns portrait renders into landscape and pads the image with
// black on the right and bottom so both sides are multiples of the page
// alignment.
func Normalize(img image.Image) *image.NRGBA {
	b := img.Bounds()
	var src image.Image = img
	if b.Dy() > b.Dx() {
		src = imaging.Rotate90(img)
	}
	sb := src.Bounds()
	w := alignUp(sb.Dx(), constants.PageAlignment)
	h := alignUp(sb.Dy(), constants.PageAlignment)
	canvas := imaging.New(w, h, color.Black)
	return imaging.Paste(canvas, src, image.Pt(0, 0))
}

func alignUp(v, m int) int {
	if v%m == 0 {
		return v
	}
	return (v/m + 1) * m
}

// checkStructure validates the PDF with pdfcpu and returns its page count.
func checkStructure(data []byte) (int, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	n, err := api.PageCount(bytes.NewReader(data), conf)
	if err != nil {
		return 0, failure.Wrap(failure.KindRasterization, err, "unreadable or encrypted PDF")
	}
	if n == 0 {
		return 0, failure.New(failure.KindRasterization, "PDF has zero pages")
	}
	return n, nil
}

func complete(pages []records.Page) bool {
	if len(pages) == 0 || pages[0].PageCount != len(pages) {
		return false
	}
	for i, p := range pages {
		if !p.OK() || p.PageNumber != i+1 {
			return false
		}
	}
	return true
}

// IsRasterizationError reports whether err is a document-level
// rasterization failure.
func IsRasterizationError(err error) bool {
	return errors.Is(err, failure.ErrRasterization)
}
