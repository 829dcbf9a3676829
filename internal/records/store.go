package records

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gorm.io/gorm"

	"tagscan/internal/constants"
	"tagscan/internal/failure"
)

// Migrate creates or updates every table.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(AllModels()...)
}

// Validate checks the parameter ranges accepted for an OCR config.
func (c OcrConfig) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return failure.Validation("config name is required").With("field", "name")
	}
	if strings.TrimSpace(c.Model) == "" {
		return failure.Validation("model is required").With("field", "model")
	}
	if math.IsNaN(c.Scale) || c.Scale < constants.MinScale || c.Scale > constants.MaxScale {
		return failure.Validation("scale %.2f outside [%.1f, %.1f]", c.Scale, constants.MinScale, constants.MaxScale).With("field", "scale")
	}
	if math.IsNaN(c.MinConfidence) || c.MinConfidence < 0 || c.MinConfidence > 1 {
		return failure.Validation("min_confidence %.3f outside [0, 1]", c.MinConfidence).With("field", "min_confidence")
	}
	return nil
}

// CreateConfig validates and stores a new config at version 1.
func CreateConfig(db *gorm.DB, cfg *OcrConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg.ID = 0
	cfg.Version = 1
	var existing int64
	if err := db.Model(&OcrConfig{}).Where("name = ?", cfg.Name).Count(&existing).Error; err != nil {
		return fmt.Errorf("error checking config name: %w", err)
	}
	if existing > 0 {
		return failure.Validation("config %q already exists", cfg.Name).With("field", "name")
	}
	return db.Create(cfg).Error
}

// ConfigInUse reports whether any detection references the config.
func ConfigInUse(db *gorm.DB, configID uint) (bool, error) {
	var n int64
	err := db.Model(&Detection{}).Where("config_id = ?", configID).Count(&n).Error
	return n > 0, err
}

// ReviseConfig applies new parameters to a config. A config that detections
// already reference is never mutated; the revision is stored as the next
// version under the same name instead.
func ReviseConfig(db *gorm.DB, configID uint, params OcrConfig) (*OcrConfig, error) {
	var revised OcrConfig
	err := db.Transaction(func(tx *gorm.DB) error {
		var current OcrConfig
		if err := tx.First(&current, configID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return failure.Selection("config %d not found", configID)
			}
			return err
		}

		params.Name = current.Name
		if err := params.Validate(); err != nil {
			return err
		}

		inUse, err := ConfigInUse(tx, current.ID)
		if err != nil {
			return fmt.Errorf("error checking config usage: %w", err)
		}

		if !inUse {
			current.Model = params.Model
			current.Scale = params.Scale
			current.MinConfidence = params.MinConfidence
			current.AngleClassification = params.AngleClassification
			current.BinaryMode = params.BinaryMode
			current.KeepShortText = params.KeepShortText
			revised = current
			return tx.Save(&revised).Error
		}

		var latest int
		if err := tx.Model(&OcrConfig{}).Where("name = ?", current.Name).
			Select("COALESCE(MAX(version), 0)").Scan(&latest).Error; err != nil {
			return err
		}
		revised = params
		revised.ID = 0
		revised.Version = latest + 1
		return tx.Create(&revised).Error
	})
	if err != nil {
		return nil, err
	}
	return &revised, nil
}

// LiveDetections returns the live detection set for a pair, in insertion
// order.
func LiveDetections(db *gorm.DB, pageID, configID uint) ([]Detection, error) {
	var dets []Detection
	err := db.Where("page_id = ? AND config_id = ? AND lifecycle = ?", pageID, configID, LifecycleLive).
		Order("id").Find(&dets).Error
	return dets, err
}

// HasLiveDetections reports whether the pair has at least one live
// detection. A live run without detections does not count.
func HasLiveDetections(db *gorm.DB, pageID, configID uint) (bool, error) {
	var n int64
	err := db.Model(&Detection{}).
		Where("page_id = ? AND config_id = ? AND lifecycle = ?", pageID, configID, LifecycleLive).
		Count(&n).Error
	return n > 0, err
}

// Pages returns the pages of a document at a scale in ascending order.
func Pages(db *gorm.DB, documentID uint, scale float64) ([]Page, error) {
	var pages []Page
	err := db.Where("document_id = ? AND scale = ?", documentID, scale).
		Order("page_number").Find(&pages).Error
	return pages, err
}

// DeleteDocuments removes the given documents and everything derived from
// them inside tx. The caller owns the transaction so a failure anywhere
// rolls the whole cascade back.
func DeleteDocuments(tx *gorm.DB, documentIDs []uint) error {
	if len(documentIDs) == 0 {
		return nil
	}
	pageIDs := tx.Model(&Page{}).Select("id").Where("document_id IN ?", documentIDs)

	steps := []struct {
		name  string
		model interface{}
		query *gorm.DB
	}{
		{"annotated images", &AnnotatedImage{}, tx.Where("page_id IN (?)", pageIDs)},
		{"detections", &Detection{}, tx.Where("page_id IN (?)", pageIDs)},
		{"detection runs", &DetectionRun{}, tx.Where("page_id IN (?)", pageIDs)},
		{"pages", &Page{}, tx.Where("document_id IN ?", documentIDs)},
		{"documents", &Document{}, tx.Where("id IN ?", documentIDs)},
	}
	for _, step := range steps {
		if err := step.query.Delete(step.model).Error; err != nil {
			return failure.Wrap(failure.KindCascadeDelete, err, "deleting %s", step.name)
		}
	}
	return nil
}

// RequirePage fails with a selection error when the page or its document
// is gone. Writers call it inside their transaction before attaching rows
// to a page.
func RequirePage(tx *gorm.DB, pageID uint) error {
	var n int64
	err := tx.Model(&Page{}).
		Joins("JOIN documents ON documents.id = pages.document_id").
		Where("pages.id = ?", pageID).
		Count(&n).Error
	if err != nil {
		return fmt.Errorf("error checking page %d: %w", pageID, err)
	}
	if n == 0 {
		return failure.Selection("page %d no longer exists", pageID)
	}
	return nil
}

// RequireDocument fails with a selection error when the document is gone.
func RequireDocument(tx *gorm.DB, documentID uint) error {
	var n int64
	if err := tx.Model(&Document{}).Where("id = ?", documentID).Count(&n).Error; err != nil {
		return fmt.Errorf("error checking document %d: %w", documentID, err)
	}
	if n == 0 {
		return failure.Selection("document %d no longer exists", documentID)
	}
	return nil
}

// VesselDeletion reports what DeleteVessel removed.
type VesselDeletion struct {
	DocumentIDs []uint
	// Batches are the unfinished batches over the vessel that were flagged
	// for cancellation.
	Batches []string
}

// DeleteVessel irreversibly removes a vessel with all of its documents,
// pages, detections, annotated images and truths. Unfinished batches over
// the vessel or one of its documents get cancel_requested in the same
// transaction. The ids of the deleted documents are returned so their media
// can be removed after commit.
func DeleteVessel(db *gorm.DB, vesselID uint) (*VesselDeletion, error) {
	del := &VesselDeletion{}
	err := db.Transaction(func(tx *gorm.DB) error {
		var vessel Vessel
		if err := tx.First(&vessel, vesselID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return failure.Selection("vessel %d not found", vesselID)
			}
			return err
		}
		if err := tx.Model(&Document{}).Where("vessel_id = ?", vesselID).Pluck("id", &del.DocumentIDs).Error; err != nil {
			return failure.Wrap(failure.KindCascadeDelete, err, "listing documents")
		}

		// document id 0 keeps the IN list non-empty
		documents := append([]uint{0}, del.DocumentIDs...)
		if err := tx.Model(&Batch{}).
			Where("status IN ?", []string{BatchStatusPending, BatchStatusRunning}).
			Where("vessel_id = ? OR document_id IN ?", vesselID, documents).
			Pluck("id", &del.Batches).Error; err != nil {
			return failure.Wrap(failure.KindCascadeDelete, err, "listing batches")
		}
		if len(del.Batches) > 0 {
			if err := tx.Model(&Batch{}).Where("id IN ?", del.Batches).
				Update("cancel_requested", true).Error; err != nil {
				return failure.Wrap(failure.KindCascadeDelete, err, "cancelling batches")
			}
		}

		if err := DeleteDocuments(tx, del.DocumentIDs); err != nil {
			return err
		}
		if err := tx.Where("vessel_id = ?", vesselID).Delete(&Truth{}).Error; err != nil {
			return failure.Wrap(failure.KindCascadeDelete, err, "deleting truths")
		}
		if err := tx.Delete(&vessel).Error; err != nil {
			return failure.Wrap(failure.KindCascadeDelete, err, "deleting vessel")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return del, nil
}
