package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"tagscan/internal/geom"
)

const (
	apiVersion      = "2024-11-30"
	defaultModelID  = "prebuilt-read"
	defaultTimeout  = 120
	pollingInterval = 2 * time.Second
)

// AzureProvider detects words using Azure Document Intelligence
type AzureProvider struct {
	endpoint     string
	apiKey       string
	modelID      string
	timeout      time.Duration
	pollInterval time.Duration
	httpClient   *retryablehttp.Client
}

// Request body for Azure Document Intelligence
type analyzeRequest struct {
	Base64Source string `json:"base64Source"`
}

func newAzureProvider(config Config, variant string) (Detector, error) {
	logger := log.WithFields(logrus.Fields{
		"endpoint": config.AzureEndpoint,
		"model_id": config.AzureModelID,
	})
	logger.Info("Creating new Azure Document Intelligence provider")

	if config.AzureEndpoint == "" || config.AzureAPIKey == "" {
		logger.Error("Missing required configuration")
		return nil, fmt.Errorf("missing required Azure Document Intelligence configuration")
	}

	modelID := defaultModelID
	if config.AzureModelID != "" {
		modelID = config.AzureModelID
	}
	if variant != "" {
		modelID = variant
	}

	timeout := defaultTimeout
	if config.AzureTimeout > 0 {
		timeout = config.AzureTimeout
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 1 * time.Second
	client.RetryWaitMax = 5 * time.Second
	client.Logger = logger

	return &AzureProvider{
		endpoint:     config.AzureEndpoint,
		apiKey:       config.AzureAPIKey,
		modelID:      modelID,
		timeout:      time.Duration(timeout) * time.Second,
		pollInterval: pollingInterval,
		httpClient:   client,
	}, nil
}

// Detect submits the page image and turns every recognised word into a
// detection. Word polygons are in pixels for image input.
func (p *AzureProvider) Detect(ctx context.Context, imageContent []byte, params Params) ([]Detection, error) {
	logger := log.WithFields(logrus.Fields{
		"provider": "azure",
		"model_id": p.modelID,
	})
	logger.Debug("Starting Azure Document Intelligence processing")

	mtype := mimetype.Detect(imageContent)
	if !isImageMIMEType(mtype.String()) {
		logger.WithField("mime_type", mtype.String()).Error("Unsupported file type")
		return nil, fmt.Errorf("unsupported file type: %s", mtype.String())
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	operationLocation, err := p.submitDocument(ctx, imageContent)
	if err != nil {
		return nil, fmt.Errorf("error submitting document: %w", err)
	}

	result, err := p.pollForResults(ctx, operationLocation)
	if err != nil {
		return nil, fmt.Errorf("error polling for results: %w", err)
	}

	var detections []Detection
	for _, page := range result.AnalyzeResult.Pages {
		for _, word := range page.Words {
			if len(word.Polygon) < 4 {
				continue
			}
			detections = append(detections, Detection{
				Text:       word.Content,
				Confidence: word.Confidence,
				BBox:       geom.FromFlat(word.Polygon),
			})
		}
	}

	logger.WithFields(logrus.Fields{
		"words":      len(detections),
		"page_count": len(result.AnalyzeResult.Pages),
	}).Debug("Azure processing finished")
	return detections, nil
}

func (p *AzureProvider) submitDocument(ctx context.Context, imageContent []byte) (string, error) {
	requestURL := fmt.Sprintf("%s/documentintelligence/documentModels/%s:analyze?api-version=%s",
		p.endpoint, p.modelID, apiVersion)

	requestBodyBytes, err := json.Marshal(analyzeRequest{
		Base64Source: base64.StdEncoding.EncodeToString(imageContent),
	})
	if err != nil {
		return "", fmt.Errorf("error marshaling request body: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, "POST", requestURL, bytes.NewBuffer(requestBodyBytes))
	if err != nil {
		return "", fmt.Errorf("error creating HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Ocp-Apim-Subscription-Key", p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("error sending HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, string(body))
	}

	operationLocation := resp.Header.Get("Operation-Location")
	if operationLocation == "" {
		return "", fmt.Errorf("no Operation-Location header in response")
	}
	return operationLocation, nil
}

func (p *AzureProvider) pollForResults(ctx context.Context, operationLocation string) (*AzureDocumentResult, error) {
	logger := log.WithField("operation_location", operationLocation)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("operation timed out after %v: %w", p.timeout, ctx.Err())
		case <-ticker.C:
			result, status, err := p.poll(ctx, operationLocation)
			if err != nil {
				return nil, err
			}
			logger.WithFields(logrus.Fields{
				"status_code": status,
				"status":      result.Status,
			}).Debug("Poll response received")

			switch result.Status {
			case "succeeded":
				return result, nil
			case "failed":
				return nil, fmt.Errorf("document processing failed")
			case "running", "notStarted":
			default:
				return nil, fmt.Errorf("unexpected status: %s", result.Status)
			}
		}
	}
}

func (p *AzureProvider) poll(ctx context.Context, operationLocation string) (*AzureDocumentResult, int, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, "GET", operationLocation, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("error creating poll request: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("error polling for results: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf("unexpected status code %d while polling", resp.StatusCode)
	}

	var result AzureDocumentResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("error decoding response: %w", err)
	}
	return &result, resp.StatusCode, nil
}

// isImageMIMEType checks if the given MIME type is a supported page image type
func isImageMIMEType(mimeType string) bool {
	supportedTypes := map[string]bool{
		"image/jpeg": true,
		"image/png":  true,
		"image/tiff": true,
		"image/bmp":  true,
	}
	return supportedTypes[mimeType]
}
