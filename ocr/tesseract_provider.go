package ocr

import (
	"context"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"
	"github.com/sirupsen/logrus"

	"tagscan/internal/geom"
)

// TesseractProvider runs the local Tesseract engine. A new client is created
// for every call so a failed recognition never leaves state behind for the
// next page.
type TesseractProvider struct {
	languages      []string
	tessdataPrefix string
	clientFactory  func() *gosseract.Client
}

func newTesseractDetector(config Config, variant string) (Detector, error) {
	languages := config.TesseractLanguages
	if variant != "" {
		languages = strings.Split(variant, "+")
	}
	if len(languages) == 0 {
		languages = []string{"eng"}
	}
	return &TesseractProvider{
		languages:      languages,
		tessdataPrefix: config.TessdataPrefix,
		clientFactory:  gosseract.NewClient,
	}, nil
}

func (p *TesseractProvider) Detect(ctx context.Context, imageContent []byte, params Params) ([]Detection, error) {
	logger := log.WithFields(logrus.Fields{
		"provider":  "tesseract",
		"languages": strings.Join(p.languages, "+"),
		"data_size": len(imageContent),
	})
	logger.Debug("Starting Tesseract processing")

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := p.clientFactory()
	defer c.Close()

	if p.tessdataPrefix != "" {
		if err := c.SetTessdataPrefix(p.tessdataPrefix); err != nil {
			return nil, fmt.Errorf("set tessdata prefix: %w", err)
		}
	}
	if err := c.SetLanguage(p.languages...); err != nil {
		return nil, fmt.Errorf("set languages: %w", err)
	}
	mode := gosseract.PSM_SPARSE_TEXT
	if params.AngleClassification {
		mode = gosseract.PSM_SPARSE_TEXT_OSD
	}
	if err := c.SetPageSegMode(mode); err != nil {
		return nil, fmt.Errorf("set page segmentation mode: %w", err)
	}
	if err := c.SetImageFromBytes(imageContent); err != nil {
		return nil, fmt.Errorf("set image: %w", err)
	}

	boxes, err := c.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return nil, fmt.Errorf("recognize words: %w", err)
	}

	detections := make([]Detection, 0, len(boxes))
	for _, b := range boxes {
		text := strings.TrimSpace(b.Word)
		if text == "" {
			continue
		}
		detections = append(detections, Detection{
			Text:       text,
			Confidence: b.Confidence / 100.0,
			BBox: geom.NewRect(
				float64(b.Box.Min.X), float64(b.Box.Min.Y),
				float64(b.Box.Max.X), float64(b.Box.Max.Y),
			).Polygon(),
		})
	}

	logger.WithField("num_boxes", len(detections)).Debug("Tesseract processing finished")
	return detections, nil
}
