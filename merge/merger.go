// Package merge reconciles a new detection run for a (page, config) pair
// with the set that is currently live for that pair.
//
// A run that covers every live detection replaces the live set, which is
// kept in storage as superseded. Any other run is stored next to the live
// set without replacing it: as a candidate when the caller forced it, as
// superseded otherwise. Rows are never deleted here.
package merge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"unicode"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"tagscan/internal/failure"
	"tagscan/internal/geom"
	"tagscan/internal/records"
	"tagscan/ocr"
)

var log = logrus.New()

// SetLogLevel sets the logging level for the merge package
func SetLogLevel(level logrus.Level) {
	log.SetLevel(level)
}

// DefaultIoU is the default box overlap needed for two detections to match.
const DefaultIoU = 0.5

// Outcome of a merge.
type Outcome string

const (
	// OutcomePromoted means the new run became the live set.
	OutcomePromoted Outcome = "promoted"
	// OutcomeKept means the previous live set stayed and the new run was
	// stored as superseded.
	OutcomeKept Outcome = "kept"
	// OutcomeCandidate means the previous live set stayed and the forced
	// run was stored as a candidate.
	OutcomeCandidate Outcome = "candidate"
	// OutcomeEmpty means neither run had detections and nothing was stored.
	OutcomeEmpty Outcome = "empty"
)

// Input is one detection run to merge.
type Input struct {
	PageID     uint
	ConfigID   uint
	BatchID    string
	Detections []ocr.Detection
	Force      bool
}

// Result describes what a merge did.
type Result struct {
	Outcome  Outcome `json:"outcome"`
	PageID   uint    `json:"page_id"`
	ConfigID uint    `json:"config_id"`
	RunID    string  `json:"run_id,omitempty"`
	Live     int     `json:"live"`
	Previous int     `json:"previous"`
	Matched  int     `json:"matched"`
}

// LiveChanged reports whether the live set of the pair changed.
func (r *Result) LiveChanged() bool {
	return r.Outcome == OutcomePromoted
}

// Merger applies the merge policy. One Merger is shared by all workers.
type Merger struct {
	db *gorm.DB

	mu  sync.RWMutex
	iou float64

	pairLocks sync.Map
}

// New creates a Merger. An iou outside (0,1] falls back to DefaultIoU.
func New(db *gorm.DB, iou float64) *Merger {
	m := &Merger{db: db}
	m.SetTolerance(iou)
	return m
}

// SetTolerance changes the IoU threshold used for matching.
func (m *Merger) SetTolerance(iou float64) {
	if math.IsNaN(iou) || iou <= 0 || iou > 1 {
		iou = DefaultIoU
	}
	m.mu.Lock()
	m.iou = iou
	m.mu.Unlock()
}

// Tolerance returns the IoU threshold in effect.
func (m *Merger) Tolerance() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.iou
}

func (m *Merger) lockPair(pageID, configID uint) func() {
	v, _ := m.pairLocks.LoadOrStore(fmt.Sprintf("%d/%d", pageID, configID), &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Merge stores a run according to the policy. The comparison with the live
// set and the lifecycle updates happen in one transaction scoped to the
// pair, so concurrent merges for the same pair are applied one after the
// other and never leave two live sets.
func (m *Merger) Merge(ctx context.Context, in Input) (*Result, error) {
	iou := m.Tolerance()
	logger := log.WithFields(logrus.Fields{
		"page_id":   in.PageID,
		"config_id": in.ConfigID,
	})

	unlock := m.lockPair(in.PageID, in.ConfigID)
	defer unlock()

	var res *Result
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := records.RequirePage(tx, in.PageID); err != nil {
			return err
		}
		old, err := records.LiveDetections(tx, in.PageID, in.ConfigID)
		if err != nil {
			return fmt.Errorf("error loading live detections: %w", err)
		}
		if len(old) == 0 && len(in.Detections) == 0 {
			res = &Result{Outcome: OutcomeEmpty, PageID: in.PageID, ConfigID: in.ConfigID}
			return nil
		}

		superset, matched := IsSuperset(old, in.Detections, iou)
		res = &Result{
			PageID:   in.PageID,
			ConfigID: in.ConfigID,
			RunID:    uuid.NewString(),
			Previous: len(old),
			Matched:  matched,
		}

		lifecycle := records.LifecycleSuperseded
		switch {
		case superset:
			lifecycle = records.LifecycleLive
			res.Outcome = OutcomePromoted
			if err := supersedeLive(tx, in.PageID, in.ConfigID); err != nil {
				return err
			}
		case in.Force:
			lifecycle = records.LifecycleCandidate
			res.Outcome = OutcomeCandidate
		default:
			res.Outcome = OutcomeKept
		}

		if err := storeRun(tx, in, res.RunID, lifecycle); err != nil {
			return err
		}
		if superset {
			res.Live = len(in.Detections)
		} else {
			res.Live = len(old)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"outcome":  res.Outcome,
		"new":      len(in.Detections),
		"previous": res.Previous,
		"matched":  res.Matched,
	}).Debug("Merged detections")
	return res, nil
}

// Promote makes a candidate run the live set of its pair.
func (m *Merger) Promote(ctx context.Context, runID string) (*Result, error) {
	db := m.db.WithContext(ctx)

	var run records.DetectionRun
	if err := db.First(&run, "id = ?", runID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, failure.Selection("run %s not found", runID)
		}
		return nil, err
	}

	unlock := m.lockPair(run.PageID, run.ConfigID)
	defer unlock()

	var res *Result
	err := db.Transaction(func(tx *gorm.DB) error {
		// re-read under the pair lock
		if err := tx.First(&run, "id = ?", runID).Error; err != nil {
			return err
		}
		if run.Lifecycle != records.LifecycleCandidate {
			return failure.Validation("run %s is %s, only candidate runs can be promoted", runID, run.Lifecycle)
		}

		var previous int64
		if err := tx.Model(&records.Detection{}).
			Where("page_id = ? AND config_id = ? AND lifecycle = ?", run.PageID, run.ConfigID, records.LifecycleLive).
			Count(&previous).Error; err != nil {
			return err
		}
		if err := supersedeLive(tx, run.PageID, run.ConfigID); err != nil {
			return err
		}
		if err := setRunLifecycle(tx, run.ID, records.LifecycleLive); err != nil {
			return err
		}
		res = &Result{
			Outcome:  OutcomePromoted,
			PageID:   run.PageID,
			ConfigID: run.ConfigID,
			RunID:    run.ID,
			Live:     run.Count,
			Previous: int(previous),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"run_id":    runID,
		"page_id":   run.PageID,
		"config_id": run.ConfigID,
	}).Info("Promoted candidate run")
	return res, nil
}

func supersedeLive(tx *gorm.DB, pageID, configID uint) error {
	where := "page_id = ? AND config_id = ? AND lifecycle = ?"
	if err := tx.Model(&records.DetectionRun{}).Where(where, pageID, configID, records.LifecycleLive).
		Update("lifecycle", records.LifecycleSuperseded).Error; err != nil {
		return fmt.Errorf("error superseding runs: %w", err)
	}
	if err := tx.Model(&records.Detection{}).Where(where, pageID, configID, records.LifecycleLive).
		Update("lifecycle", records.LifecycleSuperseded).Error; err != nil {
		return fmt.Errorf("error superseding detections: %w", err)
	}
	return nil
}

func setRunLifecycle(tx *gorm.DB, runID, lifecycle string) error {
	if err := tx.Model(&records.DetectionRun{}).Where("id = ?", runID).
		Update("lifecycle", lifecycle).Error; err != nil {
		return fmt.Errorf("error updating run: %w", err)
	}
	if err := tx.Model(&records.Detection{}).Where("run_id = ?", runID).
		Update("lifecycle", lifecycle).Error; err != nil {
		return fmt.Errorf("error updating run detections: %w", err)
	}
	return nil
}

func storeRun(tx *gorm.DB, in Input, runID, lifecycle string) error {
	run := records.DetectionRun{
		ID:        runID,
		PageID:    in.PageID,
		ConfigID:  in.ConfigID,
		BatchID:   in.BatchID,
		Lifecycle: lifecycle,
		Count:     len(in.Detections),
		Forced:    in.Force,
	}
	if err := tx.Create(&run).Error; err != nil {
		return fmt.Errorf("error storing run: %w", err)
	}
	if len(in.Detections) == 0 {
		return nil
	}
	rows := make([]records.Detection, 0, len(in.Detections))
	for _, d := range in.Detections {
		rows = append(rows, records.Detection{
			PageID:     in.PageID,
			ConfigID:   in.ConfigID,
			RunID:      runID,
			Text:       d.Text,
			Confidence: d.Confidence,
			BBox:       d.BBox,
			Lifecycle:  lifecycle,
		})
	}
	if err := tx.CreateInBatches(rows, 200).Error; err != nil {
		return fmt.Errorf("error storing detections: %w", err)
	}
	return nil
}

// NormalizeText collapses whitespace runs, trims and lower-cases text for
// comparison.
func NormalizeText(s string) string {
	return strings.ToLower(strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " "))
}

// IsSuperset reports whether every old detection is matched by a distinct
// new one. Detections match when their normalised texts are equal and the
// IoU of their bounds is at least iou. matched is the size of a maximum
// one-to-one matching, found with augmenting paths over the matching pairs.
// An empty new run is never a superset of a non-empty old one.
func IsSuperset(old []records.Detection, fresh []ocr.Detection, iou float64) (bool, int) {
	if len(fresh) == 0 {
		return len(old) == 0, 0
	}

	texts := make([]string, len(fresh))
	bounds := make([]geom.Rect, len(fresh))
	for j, d := range fresh {
		texts[j] = NormalizeText(d.Text)
		bounds[j] = d.BBox.Bounds()
	}

	// edges[i] lists the new detections old detection i may pair with
	edges := make([][]int, len(old))
	for i, o := range old {
		text := NormalizeText(o.Text)
		ob := o.BBox.Bounds()
		for j := range fresh {
			if texts[j] == text && geom.IoU(ob, bounds[j]) >= iou {
				edges[i] = append(edges[i], j)
			}
		}
	}

	owner := make([]int, len(fresh))
	for j := range owner {
		owner[j] = -1
	}
	var augment func(i int, seen []bool) bool
	augment = func(i int, seen []bool) bool {
		for _, j := range edges[i] {
			if seen[j] {
				continue
			}
			seen[j] = true
			if owner[j] < 0 || augment(owner[j], seen) {
				owner[j] = i
				return true
			}
		}
		return false
	}

	matched := 0
	for i := range old {
		if len(edges[i]) > 0 && augment(i, make([]bool, len(fresh))) {
			matched++
		}
	}
	return matched == len(old), matched
}
