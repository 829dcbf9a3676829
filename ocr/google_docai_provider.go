package ocr

import (
	"context"
	"fmt"
	"strings"

	documentai "cloud.google.com/go/documentai/apiv1"
	"cloud.google.com/go/documentai/apiv1/documentaipb"
	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"

	"tagscan/internal/geom"
)

// GoogleDocAIProvider detects text using a Google Document AI OCR processor.
type GoogleDocAIProvider struct {
	projectID   string
	location    string
	processorID string
	client      *documentai.DocumentProcessorClient
}

func newGoogleDocAIProvider(config Config, _ string) (Detector, error) {
	if config.GoogleProjectID == "" || config.GoogleLocation == "" || config.GoogleProcessorID == "" {
		return nil, fmt.Errorf("missing required Google Document AI configuration")
	}
	logger := log.WithFields(logrus.Fields{
		"location":     config.GoogleLocation,
		"processor_id": config.GoogleProcessorID,
	})
	logger.Info("Creating new Google Document AI provider")

	endpoint := fmt.Sprintf("%s-documentai.googleapis.com:443", config.GoogleLocation)
	client, err := documentai.NewDocumentProcessorClient(context.Background(), option.WithEndpoint(endpoint))
	if err != nil {
		logger.WithError(err).Error("Failed to create Document AI client")
		return nil, fmt.Errorf("error creating Document AI client: %w", err)
	}

	return &GoogleDocAIProvider{
		projectID:   config.GoogleProjectID,
		location:    config.GoogleLocation,
		processorID: config.GoogleProcessorID,
		client:      client,
	}, nil
}

func (p *GoogleDocAIProvider) Detect(ctx context.Context, imageContent []byte, params Params) ([]Detection, error) {
	logger := log.WithFields(logrus.Fields{
		"provider":     "google_docai",
		"processor_id": p.processorID,
	})

	mtype := mimetype.Detect(imageContent)
	if !isImageMIMEType(mtype.String()) {
		return nil, fmt.Errorf("unsupported file type: %s", mtype.String())
	}

	req := &documentaipb.ProcessRequest{
		Name: fmt.Sprintf("projects/%s/locations/%s/processors/%s", p.projectID, p.location, p.processorID),
		Source: &documentaipb.ProcessRequest_RawDocument{
			RawDocument: &documentaipb.RawDocument{
				Content:  imageContent,
				MimeType: mtype.String(),
			},
		},
	}

	resp, err := p.client.ProcessDocument(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("error processing document: %w", err)
	}
	if resp == nil || resp.Document == nil {
		return nil, fmt.Errorf("received nil response or document from Document AI")
	}
	if resp.Document.Error != nil {
		return nil, fmt.Errorf("document processing error: %s", resp.Document.Error.Message)
	}

	detections := tokensToDetections(resp.Document)
	logger.WithField("tokens", len(detections)).Debug("Document AI processing finished")
	return detections, nil
}

// tokensToDetections converts every token of the first page into a
// detection, scaling normalised vertices to the page dimension.
func tokensToDetections(doc *documentaipb.Document) []Detection {
	pages := doc.GetPages()
	if len(pages) == 0 {
		return nil
	}
	page := pages[0]
	width := float64(page.GetDimension().GetWidth())
	height := float64(page.GetDimension().GetHeight())

	var detections []Detection
	for _, token := range page.GetTokens() {
		layout := token.GetLayout()
		text := anchorText(doc.GetText(), layout.GetTextAnchor())
		if text == "" {
			continue
		}
		vertices := layout.GetBoundingPoly().GetNormalizedVertices()
		if len(vertices) < 3 {
			continue
		}
		poly := make(geom.Polygon, 0, len(vertices))
		for _, v := range vertices {
			poly = append(poly, geom.Point{X: float64(v.GetX()) * width, Y: float64(v.GetY()) * height})
		}
		detections = append(detections, Detection{
			Text:       text,
			Confidence: float64(layout.GetConfidence()),
			BBox:       poly,
		})
	}
	return detections
}

func anchorText(text string, anchor *documentaipb.Document_TextAnchor) string {
	var out strings.Builder
	for _, seg := range anchor.GetTextSegments() {
		start, end := seg.GetStartIndex(), seg.GetEndIndex()
		if start < 0 || end > int64(len(text)) || start >= end {
			continue
		}
		out.WriteString(text[start:end])
	}
	return strings.TrimSpace(out.String())
}

// Close releases resources used by the provider
func (p *GoogleDocAIProvider) Close() error {
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}
