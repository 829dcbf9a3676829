package ingest

import (
	"context"
	"fmt"
	"strings"

	"github.com/tealeg/xlsx/v2"
	"gorm.io/gorm"

	"tagscan/internal/constants"
	"tagscan/internal/failure"
	"tagscan/internal/records"
)

const (
	truthDocumentColumn = "document number"
	truthTagColumn      = "tag number"
)

// ImportTruths loads ground-truth tags for a vessel from the first sheet of
// an xlsx workbook. The header row must contain "Document Number" and
// "Tag Number" columns. Existing truths for the document numbers present in
// the sheet are replaced. It returns the number of stored truths.
func ImportTruths(ctx context.Context, db *gorm.DB, vesselID uint, path string) (int, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return 0, failure.Wrap(failure.KindValidation, err, "cannot open truth workbook")
	}
	if len(f.Sheets) == 0 {
		return 0, failure.Validation("truth workbook has no sheets")
	}
	sheet := f.Sheets[0]
	if len(sheet.Rows) == 0 {
		return 0, failure.Validation("truth sheet %q is empty", sheet.Name)
	}

	docCol, tagCol := -1, -1
	for i, cell := range sheet.Rows[0].Cells {
		switch strings.ToLower(strings.TrimSpace(cell.String())) {
		case truthDocumentColumn:
			docCol = i
		case truthTagColumn:
			tagCol = i
		}
	}
	if docCol < 0 || tagCol < 0 {
		return 0, failure.Validation("truth sheet needs %q and %q columns", "Document Number", "Tag Number")
	}

	var truths []records.Truth
	numbers := make(map[string]struct{})
	for _, row := range sheet.Rows[1:] {
		if row == nil {
			continue
		}
		number := cellString(row, docCol)
		tag := cellString(row, tagCol)
		if number == "" || tag == "" || strings.EqualFold(tag, constants.UntaggedMarker) {
			continue
		}
		numbers[number] = struct{}{}
		truths = append(truths, records.Truth{VesselID: vesselID, DocumentNumber: number, Tag: tag})
	}

	docNumbers := make([]string, 0, len(numbers))
	for n := range numbers {
		docNumbers = append(docNumbers, n)
	}

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(docNumbers) > 0 {
			if err := tx.Where("vessel_id = ? AND document_number IN ?", vesselID, docNumbers).
				Delete(&records.Truth{}).Error; err != nil {
				return err
			}
		}
		if len(truths) == 0 {
			return nil
		}
		return tx.CreateInBatches(truths, 200).Error
	})
	if err != nil {
		return 0, fmt.Errorf("error storing truths: %w", err)
	}

	log.WithField("vessel_id", vesselID).Infof("Imported %d truth tags for %d documents", len(truths), len(docNumbers))
	return len(truths), nil
}

func cellString(row *xlsx.Row, col int) string {
	if col >= len(row.Cells) || row.Cells[col] == nil {
		return ""
	}
	return strings.TrimSpace(row.Cells[col].String())
}
