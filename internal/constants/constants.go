package constants

// BaseDPI is the resolution a scale factor of 1.0 renders at. PDF user
// space is 72 units per inch, so scale 1 maps one point to one pixel.
const BaseDPI = 72.0

// Scale limits accepted by OCR configs and the rasterizer.
const (
	MinScale = 1.0
	MaxScale = 8.0
)

// MaxUploadBytes caps a single upload (2.5 GB).
const MaxUploadBytes int64 = 2_684_354_560

// PageAlignment is the multiple page images are padded to. Detection
// backends downsample by this factor.
const PageAlignment = 32

// LabelMaxRunes bounds the text drawn next to a box in annotated images.
const LabelMaxRunes = 20

// UntaggedMarker marks a truth sheet row without a real tag.
const UntaggedMarker = "UNTAGGED"
