package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"tagscan/internal/geom"
)

// IOSOCRProvider detects text using iOS-OCR-Server. The server reports no
// per-box confidence, so every box is returned with confidence 1.
type IOSOCRProvider struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// bearerTransport adds an Authorization header to every request.
type bearerTransport struct {
	base  http.RoundTripper
	token string
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", fmt.Sprintf("Bearer %s", t.token))
	return t.base.RoundTrip(clone)
}

func newIOSOCRProvider(config Config, _ string) (Detector, error) {
	logger := log.WithFields(logrus.Fields{
		"url": config.IOSOCRServerURL,
	})
	logger.Info("Creating new iOS-OCR-Server provider")

	if config.IOSOCRServerURL == "" {
		logger.Error("Missing required iOS-OCR-Server URL")
		return nil, fmt.Errorf("missing required iOS-OCR-Server URL")
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 1 * time.Second
	client.RetryWaitMax = 10 * time.Second
	client.Logger = logger
	if config.IOSOCRToken != "" {
		client.HTTPClient = &http.Client{
			Transport: &bearerTransport{base: http.DefaultTransport, token: config.IOSOCRToken},
		}
	}

	return &IOSOCRProvider{
		baseURL:    config.IOSOCRServerURL,
		httpClient: client,
	}, nil
}

// Detect uploads the page image to the server's /ocr endpoint.
func (p *IOSOCRProvider) Detect(ctx context.Context, imageContent []byte, params Params) ([]Detection, error) {
	logger := log.WithFields(logrus.Fields{
		"provider":  "ios_ocr",
		"url":       p.baseURL,
		"data_size": len(imageContent),
	})
	logger.Debug("Starting iOS-OCR-Server processing")

	var requestBody bytes.Buffer
	writer := multipart.NewWriter(&requestBody)
	part, err := writer.CreateFormFile("file", "page.png")
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, bytes.NewReader(imageContent)); err != nil {
		return nil, fmt.Errorf("failed to copy image content: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, "POST", p.baseURL+"/ocr", requestBody.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request to iOS-OCR-Server: %w", err)
	}
	defer resp.Body.Close()

	respBodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		logger.WithField("status_code", resp.StatusCode).Error("iOS-OCR-Server returned non-200 status")
		return nil, fmt.Errorf("iOS-OCR-Server returned status %d: %s", resp.StatusCode, string(respBodyBytes))
	}

	var ocrResponse IOSOCRResponse
	if err := json.Unmarshal(respBodyBytes, &ocrResponse); err != nil {
		return nil, fmt.Errorf("failed to parse iOS-OCR-Server response: %w", err)
	}
	if !ocrResponse.Success {
		return nil, fmt.Errorf("iOS-OCR-Server processing failed: %s", ocrResponse.Message)
	}

	detections := make([]Detection, 0, len(ocrResponse.OCRBoxes))
	for _, box := range ocrResponse.OCRBoxes {
		detections = append(detections, Detection{
			Text:       box.Text,
			Confidence: 1,
			BBox:       geom.RectFromXYWH(box.X, box.Y, box.W, box.H).Polygon(),
		})
	}

	logger.WithFields(logrus.Fields{
		"num_boxes":    len(detections),
		"image_width":  ocrResponse.ImageWidth,
		"image_height": ocrResponse.ImageHeight,
	}).Debug("iOS-OCR-Server processing finished")
	return detections, nil
}

// IOSOCRResponse represents the response from iOS-OCR-Server
type IOSOCRResponse struct {
	Message     string      `json:"message"`
	ImageWidth  int         `json:"image_width"`
	OCRResult   string      `json:"ocr_result"`
	OCRBoxes    []IOSOCRBox `json:"ocr_boxes"`
	Success     bool        `json:"success"`
	ImageHeight int         `json:"image_height"`
}

// IOSOCRBox represents a text bounding box from iOS-OCR-Server
type IOSOCRBox struct {
	Text string  `json:"text"`
	W    float64 `json:"w"`
	X    float64 `json:"x"`
	H    float64 `json:"h"`
	Y    float64 `json:"y"`
}
