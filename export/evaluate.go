package export

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"gorm.io/gorm"

	"tagscan/internal/records"
	"tagscan/merge"
)

// DocumentRecall is the recall of live detections against the ground truth
// of one document.
type DocumentRecall struct {
	DocumentID     uint     `json:"document_id"`
	DocumentNumber string   `json:"document_number"`
	Truths         int      `json:"truths"`
	Found          int      `json:"found"`
	Missing        []string `json:"missing,omitempty"`
	Recall         float64  `json:"recall"`
}

// Evaluation aggregates recall over a vessel for one config.
type Evaluation struct {
	VesselID  uint             `json:"vessel_id"`
	ConfigID  uint             `json:"config_id"`
	Documents []DocumentRecall `json:"documents"`
	Truths    int              `json:"truths"`
	Found     int              `json:"found"`
	Recall    float64          `json:"recall"`
}

// Evaluate compares the imported truths of a vessel with the live
// detections of a config. Tags and detected texts are compared after
// normalisation. Documents without truths are left out.
func Evaluate(ctx context.Context, db *gorm.DB, vesselID, configID uint) (*Evaluation, error) {
	db = db.WithContext(ctx)

	var truths []records.Truth
	if err := db.Where("vessel_id = ?", vesselID).Order("document_number, id").Find(&truths).Error; err != nil {
		return nil, fmt.Errorf("error loading truths: %w", err)
	}
	byNumber := make(map[string][]string)
	for _, t := range truths {
		byNumber[t.DocumentNumber] = append(byNumber[t.DocumentNumber], t.Tag)
	}

	var docs []records.Document
	if err := db.Where("vessel_id = ?", vesselID).Order("document_number, id").Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("error loading documents: %w", err)
	}

	ev := &Evaluation{VesselID: vesselID, ConfigID: configID, Documents: []DocumentRecall{}}
	for _, doc := range docs {
		tags, ok := byNumber[doc.DocumentNumber]
		if !ok {
			continue
		}
		detected, err := detectedTexts(db, doc.ID, configID)
		if err != nil {
			return nil, err
		}

		dr := DocumentRecall{DocumentID: doc.ID, DocumentNumber: doc.DocumentNumber}
		seen := make(map[string]struct{}, len(tags))
		for _, tag := range tags {
			norm := merge.NormalizeText(tag)
			if _, dup := seen[norm]; dup {
				continue
			}
			seen[norm] = struct{}{}
			dr.Truths++
			if _, hit := detected[norm]; hit {
				dr.Found++
			} else {
				dr.Missing = append(dr.Missing, strings.TrimSpace(tag))
			}
		}
		sort.Strings(dr.Missing)
		dr.Recall = ratio(dr.Found, dr.Truths)

		ev.Truths += dr.Truths
		ev.Found += dr.Found
		ev.Documents = append(ev.Documents, dr)
	}
	ev.Recall = ratio(ev.Found, ev.Truths)
	return ev, nil
}

func detectedTexts(db *gorm.DB, documentID, configID uint) (map[string]struct{}, error) {
	var texts []string
	err := db.Model(&records.Detection{}).
		Where("config_id = ? AND lifecycle = ? AND page_id IN (?)", configID, records.LifecycleLive,
			db.Model(&records.Page{}).Select("id").Where("document_id = ?", documentID)).
		Pluck("text", &texts).Error
	if err != nil {
		return nil, fmt.Errorf("error loading detections: %w", err)
	}
	set := make(map[string]struct{}, len(texts))
	for _, t := range texts {
		set[merge.NormalizeText(t)] = struct{}{}
	}
	return set, nil
}

func ratio(a, b int) float64 {
	if b == 0 {
		return 0
	}
	return round(float64(a)/float64(b), 4)
}
