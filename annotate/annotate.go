// Package annotate draws live detections onto page images for review.
package annotate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"unicode/utf8"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tagscan/internal/constants"
	"tagscan/internal/geom"
	"tagscan/internal/media"
	"tagscan/internal/records"
)

var log = logrus.New()

// SetLogLevel sets the logging level for the annotate package
func SetLogLevel(level logrus.Level) {
	log.SetLevel(level)
}

// Confidence brackets.
const (
	LowConfidence    = 0.5
	MediumConfidence = 0.8
)

const (
	lineWidth   = 3
	labelPad    = 2
	labelHeight = 13 + 2*labelPad
)

var (
	colorLow    = color.NRGBA{R: 220, G: 40, B: 40, A: 255}
	colorMedium = color.NRGBA{R: 245, G: 150, B: 20, A: 255}
	colorHigh   = color.NRGBA{R: 30, G: 170, B: 60, A: 255}
	colorText   = color.NRGBA{R: 255, G: 255, B: 255, A: 255}
)

// ColorFor returns the overlay colour for a confidence.
func ColorFor(confidence float64) color.NRGBA {
	switch {
	case confidence < LowConfidence:
		return colorLow
	case confidence < MediumConfidence:
		return colorMedium
	default:
		return colorHigh
	}
}

// Label shortens text to the label length, marking truncation with "..".
func Label(text string) string {
	if utf8.RuneCountInString(text) <= constants.LabelMaxRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:constants.LabelMaxRunes-2]) + ".."
}

// Render returns a copy of img with every detection outlined and labelled.
// The input is not modified.
func Render(img image.Image, detections []records.Detection) *image.NRGBA {
	dst := imaging.Clone(img)
	for _, d := range detections {
		c := ColorFor(d.Confidence)
		drawPolygon(dst, d.BBox, c)
	}
	// labels after boxes so no outline crosses a label
	for _, d := range detections {
		drawLabel(dst, d.BBox.Bounds(), Label(d.Text), ColorFor(d.Confidence))
	}
	return dst
}

func drawPolygon(dst *image.NRGBA, poly geom.Polygon, c color.NRGBA) {
	if len(poly) == 1 {
		plot(dst, int(poly[0].X), int(poly[0].Y), c)
		return
	}
	for i := range poly {
		a, b := poly[i], poly[(i+1)%len(poly)]
		drawLine(dst, a, b, c)
	}
}

func drawLine(dst *image.NRGBA, a, b geom.Point, c color.NRGBA) {
	x0, y0 := int(math.Round(a.X)), int(math.Round(a.Y))
	x1, y1 := int(math.Round(b.X)), int(math.Round(b.Y))
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	e := dx + dy
	for {
		plot(dst, x0, y0, c)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x0 += sx
		}
		if e2 <= dx {
			e += dx
			y0 += sy
		}
	}
}

func plot(dst *image.NRGBA, x, y int, c color.NRGBA) {
	half := lineWidth / 2
	r := image.Rect(x-half, y-half, x-half+lineWidth, y-half+lineWidth).Intersect(dst.Bounds())
	for py := r.Min.Y; py < r.Max.Y; py++ {
		for px := r.Min.X; px < r.Max.X; px++ {
			dst.SetNRGBA(px, py, c)
		}
	}
}

func drawLabel(dst *image.NRGBA, box geom.Rect, text string, c color.NRGBA) {
	if text == "" {
		return
	}
	face := basicfont.Face7x13
	width := font.MeasureString(face, text).Ceil() + 2*labelPad

	x := int(math.Round(box.Min.X))
	y := int(math.Round(box.Min.Y)) - labelHeight
	if y < 0 {
		// no room above the box
		y = int(math.Round(box.Max.Y))
	}
	bg := image.Rect(x, y, x+width, y+labelHeight).Intersect(dst.Bounds())
	if bg.Empty() {
		return
	}
	draw.Draw(dst, bg, &image.Uniform{C: c}, image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(colorText),
		Face: face,
		Dot:  fixed.P(x+labelPad, y+labelPad+face.Ascent),
	}
	d.DrawString(text)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// PageResult describes the artifact written for one page.
type PageResult struct {
	PageID     uint   `json:"page_id"`
	PageNumber int    `json:"page_number"`
	ImageKey   string `json:"image_key,omitempty"`
	Detections int    `json:"detections"`
	NoTags     bool   `json:"no_tags"`
}

// Renderer persists annotated images.
type Renderer struct {
	db    *gorm.DB
	store *media.Store
}

// New creates a Renderer.
func New(db *gorm.DB, store *media.Store) *Renderer {
	return &Renderer{db: db, store: store}
}

// RenderPage regenerates the annotated image of a (page, config) pair from
// the page image and its live detections. A pair without live detections
// is flagged as having no tags and any previous artifact is removed.
func (r *Renderer) RenderPage(ctx context.Context, page records.Page, configID uint) (*PageResult, error) {
	db := r.db.WithContext(ctx)
	logger := log.WithFields(logrus.Fields{
		"page_id":   page.ID,
		"config_id": configID,
	})

	live, err := records.LiveDetections(db, page.ID, configID)
	if err != nil {
		return nil, fmt.Errorf("error loading live detections: %w", err)
	}

	key := media.AnnotationKey(page.DocumentID, configID, page.PageNumber)
	res := &PageResult{PageID: page.ID, PageNumber: page.PageNumber, Detections: len(live)}

	if len(live) == 0 {
		res.NoTags = true
		if err := r.store.Remove(key); err != nil {
			logger.WithError(err).Warn("Failed to remove stale annotation")
		}
		logger.Debug("No tags available, skipping annotation")
	} else {
		if !page.OK() {
			return nil, fmt.Errorf("page %d has no image", page.PageNumber)
		}
		data, err := r.store.Get(page.ImageKey)
		if err != nil {
			return nil, fmt.Errorf("error loading page image: %w", err)
		}
		img, err := imaging.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("error decoding page image: %w", err)
		}
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, Render(img, live), imaging.PNG); err != nil {
			return nil, fmt.Errorf("error encoding annotation: %w", err)
		}
		if err := r.store.Put(key, buf.Bytes()); err != nil {
			return nil, fmt.Errorf("error storing annotation: %w", err)
		}
		res.ImageKey = key
	}

	row := records.AnnotatedImage{
		PageID:         page.ID,
		ConfigID:       configID,
		ImageKey:       res.ImageKey,
		DetectionCount: res.Detections,
		NoTags:         res.NoTags,
	}
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := records.RequirePage(tx, page.ID); err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "page_id"}, {Name: "config_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"image_key", "detection_count", "no_tags", "updated_at"}),
		}).Create(&row).Error
	})
	if err != nil {
		if res.ImageKey != "" {
			if rerr := r.store.Remove(res.ImageKey); rerr != nil {
				logger.WithError(rerr).Warn("Failed to remove unsaved annotation")
			}
		}
		return nil, fmt.Errorf("error saving annotated image: %w", err)
	}
	return res, nil
}

// RenderDocument annotates every usable page of a document at scale. A page
// that fails is logged and the remaining pages are still rendered; the
// failures are returned joined.
func (r *Renderer) RenderDocument(ctx context.Context, documentID, configID uint, scale float64) ([]PageResult, error) {
	pages, err := records.Pages(r.db.WithContext(ctx), documentID, scale)
	if err != nil {
		return nil, fmt.Errorf("error loading pages: %w", err)
	}

	var results []PageResult
	var errs []error
	for _, p := range pages {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		if !p.OK() {
			continue
		}
		res, err := r.RenderPage(ctx, p, configID)
		if err != nil {
			log.WithError(err).WithField("page", p.PageNumber).Warn("Failed to annotate page")
			errs = append(errs, fmt.Errorf("page %d: %w", p.PageNumber, err))
			continue
		}
		results = append(results, *res)
	}
	return results, errors.Join(errs...)
}
