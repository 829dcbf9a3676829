package ocr

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"tagscan/internal/failure"
)

const maxAttempts = 2

// Engine runs one page through the detector selected by the config's model.
// A failed call is retried once with the same parameters; a panic inside a
// backend is turned into an error for that page only.
type Engine struct {
	registry   *Registry
	limiter    *rate.Limiter
	retryDelay time.Duration
}

// NewEngine creates an engine. requestsPerMinute limits calls to remote
// backends; zero or less disables the limit.
func NewEngine(registry *Registry, requestsPerMinute int) *Engine {
	e := &Engine{registry: registry, retryDelay: time.Second}
	if requestsPerMinute > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60), 1)
	}
	return e
}

// SetRetryDelay changes the pause before the retry.
func (e *Engine) SetRetryDelay(d time.Duration) {
	e.retryDelay = d
}

// Registry returns the backend registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Detect returns the detections for one page image, filtered to the config's
// minimum confidence and sorted in reading order.
func (e *Engine) Detect(ctx context.Context, imageContent []byte, params Params) ([]Detection, error) {
	logger := log.WithField("model", params.Model)

	detector, remote, err := e.registry.Resolve(params.Model)
	if err != nil {
		return nil, failure.Wrap(failure.KindDetectionBackend, err, "cannot resolve model %q", params.Model)
	}

	input := imageContent
	if params.BinaryMode {
		if input, err = binarize(imageContent); err != nil {
			return nil, failure.Wrap(failure.KindDetectionBackend, err, "binary preprocessing failed")
		}
	}

	var raw []Detection
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if remote && e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		raw, lastErr = safeDetect(ctx, detector, input, params)
		if lastErr == nil {
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.WithError(lastErr).WithField("attempt", attempt).Warn("Detection attempt failed")
		if attempt < maxAttempts && e.retryDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(e.retryDelay):
			}
		}
	}
	if lastErr != nil {
		return nil, failure.Wrap(failure.KindDetectionBackend, lastErr, "detector %q failed after %d attempts", params.Model, maxAttempts)
	}

	out := Clean(raw, params)
	logger.WithFields(logrus.Fields{
		"raw":  len(raw),
		"kept": len(out),
	}).Debug("Detection finished")
	return out, nil
}

func safeDetect(ctx context.Context, d Detector, img []byte, params Params) (dets []Detection, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("detector panic: %v", r)
		}
	}()
	return d.Detect(ctx, img, params)
}

// Clean applies the output contract to raw backend detections: confidence
// is clamped to [0,1], blank text and degenerate boxes are dropped, the
// minimum confidence and short-text filters are applied and the result is
// sorted top to bottom, then left to right.
func Clean(raw []Detection, params Params) []Detection {
	out := make([]Detection, 0, len(raw))
	for _, d := range raw {
		d.Text = strings.TrimSpace(d.Text)
		if d.Text == "" || len(d.BBox) == 0 {
			continue
		}
		if math.IsNaN(d.Confidence) {
			continue
		}
		d.Confidence = math.Max(0, math.Min(1, d.Confidence))
		if d.Confidence < params.MinConfidence {
			continue
		}
		if !params.KeepShortText && IsShortText(d.Text) {
			continue
		}
		out = append(out, d)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].BBox.Bounds(), out[j].BBox.Bounds()
		if a.Min.Y != b.Min.Y {
			return a.Min.Y < b.Min.Y
		}
		return a.Min.X < b.Min.X
	})
	return out
}

// IsShortText reports whether text is a single character or contains only
// digits and punctuation.
func IsShortText(text string) bool {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= 1 {
		return true
	}
	for _, r := range text {
		if !unicode.IsDigit(r) && !unicode.IsPunct(r) && !unicode.IsSpace(r) && !unicode.IsSymbol(r) {
			return false
		}
	}
	return true
}

// binarize converts the page to a high-contrast grayscale image.
func binarize(data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode page image: %w", err)
	}
	gray := imaging.Grayscale(img)
	gray = imaging.AdjustContrast(gray, 100)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, gray, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode page image: %w", err)
	}
	return buf.Bytes(), nil
}
