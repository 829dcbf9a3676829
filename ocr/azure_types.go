package ocr

import "time"

// AzureDocumentResult represents the root response from Azure Document Intelligence
type AzureDocumentResult struct {
	Status              string             `json:"status"`
	CreatedDateTime     time.Time          `json:"createdDateTime"`
	LastUpdatedDateTime time.Time          `json:"lastUpdatedDateTime"`
	AnalyzeResult       AzureAnalyzeResult `json:"analyzeResult"`
}

// AzureAnalyzeResult is the analyze result part of the response. Only the
// per-page word geometry is used.
type AzureAnalyzeResult struct {
	APIVersion string      `json:"apiVersion"`
	ModelID    string      `json:"modelId"`
	Content    string      `json:"content"`
	Pages      []AzurePage `json:"pages"`
}

// AzurePage represents a single page in the document
type AzurePage struct {
	PageNumber int         `json:"pageNumber"`
	Angle      float64     `json:"angle"`
	Width      float64     `json:"width"`
	Height     float64     `json:"height"`
	Unit       string      `json:"unit"`
	Words      []AzureWord `json:"words"`
}

// AzureWord is a recognised word with its polygon as a flat list of
// x, y pairs.
type AzureWord struct {
	Content    string    `json:"content"`
	Polygon    []float64 `json:"polygon"`
	Confidence float64   `json:"confidence"`
}
