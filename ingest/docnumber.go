package ingest

import (
	"path/filepath"
	"regexp"
	"strings"

	"tagscan/internal/failure"
)

var segmentPattern = regexp.MustCompile(`^[A-Za-z0-9]+$`)

// ParseDocumentNumber derives the document number and department origin from
// an uploaded file name. Drawing files are named
// <unit>-<department>-<sequence>[_<suffix>].pdf, for example
// 7-MEC-001_rev2.pdf yields "7-MEC-001" and "MEC".
func ParseDocumentNumber(filename string) (number string, department string, err error) {
	base := filepath.Base(filepath.FromSlash(strings.ReplaceAll(filename, "\\", "/")))
	stem := strings.TrimSpace(strings.TrimSuffix(base, filepath.Ext(base)))
	if before, _, found := strings.Cut(stem, "_"); found {
		stem = strings.TrimSpace(before)
	}

	parts := strings.Split(stem, "-")
	if len(parts) < 2 {
		return "", "", invalidNumber(filename, "expected at least two dash-separated segments")
	}
	for _, p := range parts {
		if !segmentPattern.MatchString(p) {
			return "", "", invalidNumber(filename, "segments must be alphanumeric")
		}
	}
	return stem, strings.ToUpper(parts[1]), nil
}

func invalidNumber(filename, reason string) error {
	return failure.New(failure.KindInvalidDocumentNumber, "cannot parse document number from %q: %s", filename, reason)
}
