package ocr

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"tagscan/internal/failure"
	"tagscan/internal/geom"
	"tagscan/internal/records"
)

var log = logrus.New()

// Params are the detector parameters of one OCR config.
type Params struct {
	Model               string
	Scale               float64
	MinConfidence       float64
	AngleClassification bool
	BinaryMode          bool
	KeepShortText       bool
}

// ParamsFromConfig extracts the detector parameters from a stored config.
func ParamsFromConfig(cfg records.OcrConfig) Params {
	return Params{
		Model:               cfg.Model,
		Scale:               cfg.Scale,
		MinConfidence:       cfg.MinConfidence,
		AngleClassification: cfg.AngleClassification,
		BinaryMode:          cfg.BinaryMode,
		KeepShortText:       cfg.KeepShortText,
	}
}

// Detection is one recognised text region in page image pixels.
type Detection struct {
	Text       string       `json:"text"`
	Confidence float64      `json:"confidence"`
	BBox       geom.Polygon `json:"bbox"`
}

// Detector turns a page image into text detections. Implementations must not
// keep model state between calls: each call either builds its own backend
// instance or talks to a stateless remote service.
type Detector interface {
	Detect(ctx context.Context, image []byte, params Params) ([]Detection, error)
}

// DetectorFunc adapts a function to the Detector interface.
type DetectorFunc func(ctx context.Context, image []byte, params Params) ([]Detection, error)

func (f DetectorFunc) Detect(ctx context.Context, image []byte, params Params) ([]Detection, error) {
	return f(ctx, image, params)
}

// Config holds the backend settings
type Config struct {
	// Tesseract settings
	TesseractLanguages []string
	TessdataPrefix     string

	// Azure Document Intelligence settings
	AzureEndpoint string
	AzureAPIKey   string
	AzureModelID  string // Optional, defaults to "prebuilt-read"
	AzureTimeout  int    // Optional, defaults to 120 seconds

	// iOS-OCR-Server settings
	IOSOCRServerURL string
	IOSOCRToken     string // Optional bearer token

	// Google Document AI settings
	GoogleProjectID   string
	GoogleLocation    string
	GoogleProcessorID string
}

// Factory builds a detector for a backend. variant is the part of the model
// name after the first colon, e.g. "eng+deu" for "tesseract:eng+deu".
type Factory func(cfg Config, variant string) (Detector, error)

type backend struct {
	factory Factory
	remote  bool
}

// Registry maps model names to detector backends. Detectors are built lazily
// on first use and cached per model name.
type Registry struct {
	cfg Config

	mu        sync.Mutex
	backends  map[string]backend
	detectors map[string]Detector
}

// NewRegistry returns a registry with the built-in backends registered.
func NewRegistry(cfg Config) *Registry {
	r := &Registry{
		cfg:       cfg,
		backends:  make(map[string]backend),
		detectors: make(map[string]Detector),
	}
	r.Register("tesseract", newTesseractDetector, false)
	r.Register("azure", newAzureProvider, true)
	r.Register("ios_ocr", newIOSOCRProvider, true)
	r.Register("google_docai", newGoogleDocAIProvider, true)
	return r
}

// Register adds or replaces a backend. Remote backends share the engine's
// request rate limit.
func (r *Registry) Register(name string, f Factory, remote bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = backend{factory: f, remote: remote}
	for model := range r.detectors {
		if b, _ := SplitModel(model); b == name {
			delete(r.detectors, model)
		}
	}
}

// Backends lists the registered backend names.
func (r *Registry) Backends() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SplitModel splits "backend:variant" into its parts.
func SplitModel(model string) (backendName, variant string) {
	backendName, variant, _ = strings.Cut(strings.TrimSpace(model), ":")
	return strings.ToLower(backendName), variant
}

// Supports returns a validation error when no backend serves model.
func (r *Registry) Supports(model string) error {
	name, _ := SplitModel(model)
	r.mu.Lock()
	_, ok := r.backends[name]
	r.mu.Unlock()
	if !ok {
		return failure.Validation("unsupported OCR model %q", model).With("field", "model")
	}
	return nil
}

// Resolve returns the detector for model and whether it is remote.
func (r *Registry) Resolve(model string) (Detector, bool, error) {
	name, variant := SplitModel(model)

	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.backends[name]
	if !ok {
		return nil, false, fmt.Errorf("unsupported OCR model: %s", model)
	}
	if d, ok := r.detectors[model]; ok {
		return d, b.remote, nil
	}

	log.WithFields(logrus.Fields{
		"backend": name,
		"variant": variant,
	}).Info("Initializing OCR backend")
	d, err := b.factory(r.cfg, variant)
	if err != nil {
		return nil, false, fmt.Errorf("error initializing %s backend: %w", name, err)
	}
	r.detectors[model] = d
	return d, b.remote, nil
}

// SetLogLevel sets the logging level for the OCR package
func SetLogLevel(level logrus.Level) {
	log.SetLevel(level)
}
