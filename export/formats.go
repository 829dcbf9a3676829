package export

import (
	"bytes"
	"fmt"
	"html"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"codeberg.org/go-pdf/fpdf"
	"github.com/gardar/ocrchestra/pkg/hocr"
	"github.com/tealeg/xlsx/v2"

	"tagscan/annotate"
	"tagscan/internal/media"
)

// ExcelColumns is the header row of the EXCEL export.
var ExcelColumns = []string{
	"Document ID",
	"Document Number",
	"Page Number",
	"Tag Text",
	"Confidence",
	"Location (Bounding Box Coordinates)",
	"Config",
	"Created At",
}

const excelSheet = "Detections"

func writeExcel(rows []Row) ([]byte, error) {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet(excelSheet)
	if err != nil {
		return nil, err
	}
	header := sheet.AddRow()
	for _, name := range ExcelColumns {
		header.AddCell().SetString(name)
	}
	for _, r := range rows {
		row := sheet.AddRow()
		row.AddCell().SetInt(int(r.DocumentID))
		row.AddCell().SetString(r.DocumentNumber)
		row.AddCell().SetInt(r.PageNumber)
		row.AddCell().SetString(r.Text)
		row.AddCell().SetFloat(round(r.Confidence, 4))
		row.AddCell().SetString(r.BBox.String())
		row.AddCell().SetString(configLabel(r))
		row.AddCell().SetString(r.CreatedAt.UTC().Format(time.RFC3339))
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func configLabel(r Row) string {
	return fmt.Sprintf("%s v%d", r.ConfigName, r.ConfigVersion)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// writePDF emits one PDF page per exported page, sized to the page at the
// base resolution, with the page image as background and each detection
// drawn as a coloured rectangle with its text.
func writePDF(rows []Row, store *media.Store) ([]byte, error) {
	pdf := fpdf.New("P", "pt", "A4", "")
	pdf.SetAutoPageBreak(false, 0)
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	for _, group := range groupPages(rows) {
		first := group[0]
		scale := first.PageScale
		if scale <= 0 {
			scale = 1
		}
		w := float64(first.PageWidth) / scale
		h := float64(first.PageHeight) / scale
		if w <= 0 || h <= 0 {
			w, h = pageExtent(group, scale)
		}
		pdf.AddPageFormat("P", fpdf.SizeType{Wd: w, Ht: h})

		if first.ImageKey != "" && store != nil {
			if data, err := store.Get(first.ImageKey); err == nil {
				name := fmt.Sprintf("page-%d", first.PageID)
				pdf.RegisterImageOptionsReader(name, fpdf.ImageOptions{ImageType: "PNG"}, bytes.NewReader(data))
				pdf.ImageOptions(name, 0, 0, w, h, false, fpdf.ImageOptions{ImageType: "PNG"}, 0, "")
			} else {
				log.WithError(err).WithField("page_id", first.PageID).Warn("Page image unavailable, exporting boxes only")
			}
		}

		pdf.SetFont("Helvetica", "", 7)
		pdf.SetLineWidth(1)
		for _, r := range group {
			b := r.BBox.Bounds().Scale(1 / scale)
			c := annotate.ColorFor(r.Confidence)
			pdf.SetDrawColor(int(c.R), int(c.G), int(c.B))
			pdf.Rect(b.Min.X, b.Min.Y, b.Width(), b.Height(), "D")

			pdf.SetTextColor(int(c.R), int(c.G), int(c.B))
			y := b.Min.Y - 2
			if y < 8 {
				y = b.Max.Y + 8
			}
			pdf.Text(b.Min.X, y, tr(annotate.Label(r.Text)))
		}

		pdf.SetTextColor(0, 0, 0)
		pdf.SetFont("Helvetica", "", 6)
		pdf.Text(4, h-4, tr(fmt.Sprintf("%s  page %d  %s", first.DocumentNumber, first.PageNumber, configLabel(first))))
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// pageExtent derives a page size from its detections when the page
// dimensions are unknown.
func pageExtent(group []Row, scale float64) (float64, float64) {
	w, h := 1.0, 1.0
	for _, r := range group {
		b := r.BBox.Bounds().Scale(1 / scale)
		w = math.Max(w, b.Max.X+10)
		h = math.Max(h, b.Max.Y+10)
	}
	return w, h
}

// buildHOCR arranges rows as an hOCR document: one ocr_page per exported
// page and one ocr_line holding a single word per detection. Coordinates
// stay in page image pixels.
func buildHOCR(rows []Row) hocr.HOCR {
	doc := hocr.HOCR{
		Title:    "Tag detections",
		Language: "en",
		Metadata: map[string]string{
			"ocr-system":       "tagscan",
			"ocr-capabilities": "ocr_page ocr_line ocrx_word",
		},
	}
	for _, group := range groupPages(rows) {
		first := group[0]
		pageID := fmt.Sprintf("page_%d_%d", first.DocumentID, first.PageNumber)
		page := hocr.Page{
			ID:         pageID,
			PageNumber: first.PageNumber,
			ImageName:  first.ImageKey,
			BBox:       hocr.NewBoundingBox(0, 0, float64(first.PageWidth), float64(first.PageHeight)),
			Metadata: map[string]string{
				"document_number": first.DocumentNumber,
				"config":          configLabel(first),
			},
		}
		for i, r := range group {
			b := r.BBox.Bounds()
			box := hocr.NewBoundingBox(b.Min.X, b.Min.Y, b.Max.X, b.Max.Y)
			page.Lines = append(page.Lines, hocr.Line{
				ID:   fmt.Sprintf("line_%d_%d_%d", first.DocumentID, first.PageNumber, i+1),
				BBox: box,
				Words: []hocr.Word{{
					ID:         fmt.Sprintf("word_%d_%d_%d", first.DocumentID, first.PageNumber, i+1),
					Text:       r.Text,
					BBox:       box,
					Confidence: round(r.Confidence*100, 2),
				}},
			})
		}
		doc.Pages = append(doc.Pages, page)
	}
	return doc
}

func writeHOCR(rows []Row) ([]byte, error) {
	doc := buildHOCR(rows)

	var out strings.Builder
	out.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE html PUBLIC "-//W3C//DTD XHTML 1.0 Transitional//EN" "http://www.w3.org/TR/xhtml1/DTD/xhtml1-transitional.dtd">
<html xmlns="http://www.w3.org/1999/xhtml" xml:lang="en" lang="en">
<head>
    <title>`)
	out.WriteString(html.EscapeString(doc.Title))
	out.WriteString(`</title>
    <meta http-equiv="Content-Type" content="text/html;charset=utf-8" />`)

	keys := make([]string, 0, len(doc.Metadata))
	for k := range doc.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&out, "\n    <meta name='%s' content='%s' />", html.EscapeString(k), html.EscapeString(doc.Metadata[k]))
	}
	out.WriteString("\n</head>\n<body>")

	for _, page := range doc.Pages {
		title := fmt.Sprintf("image %s; %s; ppageno %d",
			strconv.Quote(page.ImageName), bboxTitle(page.BBox), page.PageNumber)
		fmt.Fprintf(&out, "\n    <div class='%s' id='%s' title='%s' data-document-number='%s'>",
			page.Class(), page.ID, html.EscapeString(title), html.EscapeString(page.Metadata["document_number"]))
		for _, line := range page.Lines {
			fmt.Fprintf(&out, "\n        <span class='%s' id='%s' title='%s'>", line.Class(), line.ID, bboxTitle(line.BBox))
			for _, word := range line.Words {
				fmt.Fprintf(&out, "<span class='%s' id='%s' title='%s; x_wconf %d'>%s</span>",
					word.Class(), word.ID, bboxTitle(word.BBox), int(math.Round(word.Confidence)), html.EscapeString(word.Text))
			}
			out.WriteString("</span>")
		}
		out.WriteString("\n    </div>")
	}

	out.WriteString("\n</body>\n</html>\n")
	return []byte(out.String()), nil
}

func bboxTitle(b hocr.BoundingBox) string {
	return fmt.Sprintf("bbox %d %d %d %d",
		int(math.Round(b.X1)), int(math.Round(b.Y1)), int(math.Round(b.X2)), int(math.Round(b.Y2)))
}
