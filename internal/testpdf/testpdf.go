// Package testpdf generates small PDF fixtures for tests.
package testpdf

import (
	"bytes"

	"codeberg.org/go-pdf/fpdf"
)

// Pages returns a PDF with one page per entry of texts. Each page carries its
// text near the top-left corner in a large font so OCR fakes and renderers
// have something visible to work with.
func Pages(texts ...string) []byte {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Helvetica", "B", 28)
	for _, text := range texts {
		pdf.AddPage()
		pdf.Text(20, 30, text)
	}
	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// Landscape returns a single landscape page.
func Landscape(text string) []byte {
	pdf := fpdf.New("L", "mm", "A4", "")
	pdf.SetFont("Helvetica", "", 20)
	pdf.AddPage()
	pdf.Text(20, 30, text)
	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// Corrupt returns bytes that carry a PDF header but no readable structure.
func Corrupt() []byte {
	return []byte("%PDF-1.7\n%\xe2\xe3\xcf\xd3\nthis is not a real pdf body\n%%EOF\n")
}
