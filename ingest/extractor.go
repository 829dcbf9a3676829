// Package ingest turns uploads into Document records: it validates the
// upload, walks ZIP archives for PDF members and stores each accepted file in
// the media store.
package ingest

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"tagscan/internal/constants"
	"tagscan/internal/failure"
	"tagscan/internal/media"
	"tagscan/internal/records"
)

var log = logrus.New()

// SetLogLevel sets the logging level for the ingest package
func SetLogLevel(level logrus.Level) {
	log.SetLevel(level)
}

// FileStatus is the outcome for one file of an upload.
type FileStatus string

const (
	FileAccepted  FileStatus = "accepted"
	FileReplaced  FileStatus = "replaced"
	FileDuplicate FileStatus = "duplicate"
	FileRejected  FileStatus = "rejected"
)

// FileResult reports what happened to one file of an upload.
type FileResult struct {
	Filename         string     `json:"filename"`
	Status           FileStatus `json:"status"`
	DocumentID       uint       `json:"document_id,omitempty"`
	DocumentNumber   string     `json:"document_number,omitempty"`
	DepartmentOrigin string     `json:"department_origin,omitempty"`
	ErrorKind        string     `json:"error_kind,omitempty"`
	Reason           string     `json:"reason,omitempty"`
}

// Report is the per-file acceptance list of an upload.
type Report struct {
	VesselID uint         `json:"vessel_id"`
	Upload   string       `json:"upload"`
	Files    []FileResult `json:"files"`
	Accepted int          `json:"accepted"`
	Rejected int          `json:"rejected"`
}

func (r *Report) add(res FileResult) {
	r.Files = append(r.Files, res)
	switch res.Status {
	case FileAccepted, FileReplaced:
		r.Accepted++
	case FileRejected:
		r.Rejected++
	}
}

var nestedArchiveExts = map[string]bool{
	".zip": true, ".rar": true, ".7z": true, ".tar": true,
	".gz": true, ".tgz": true, ".bz2": true, ".xz": true,
}

// Extractor validates uploads and persists their PDFs.
type Extractor struct {
	db       *gorm.DB
	store    *media.Store
	maxBytes int64
}

// NewExtractor creates an extractor. A non-positive maxBytes falls back to
// the 2.5 GB default.
func NewExtractor(db *gorm.DB, store *media.Store, maxBytes int64) *Extractor {
	if maxBytes <= 0 {
		maxBytes = constants.MaxUploadBytes
	}
	return &Extractor{db: db, store: store, maxBytes: maxBytes}
}

// Extract processes the upload stored at uploadPath, declared under
// originalName for the given vessel. Validation problems with the upload as a
// whole are returned as errors; problems with individual files are recorded
// in the report and never stop the remaining files.
func (e *Extractor) Extract(ctx context.Context, vesselID uint, uploadPath, originalName string) (*Report, error) {
	logger := log.WithFields(logrus.Fields{
		"vessel_id": vesselID,
		"upload":    originalName,
	})

	var vessel records.Vessel
	if err := e.db.WithContext(ctx).First(&vessel, vesselID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, failure.Selection("vessel %d not found", vesselID)
		}
		return nil, fmt.Errorf("error loading vessel %d: %w", vesselID, err)
	}

	info, err := os.Stat(uploadPath)
	if err != nil {
		return nil, fmt.Errorf("error reading upload: %w", err)
	}
	if info.Size() == 0 {
		return nil, failure.Validation("upload %q is empty", originalName)
	}
	if info.Size() > e.maxBytes {
		return nil, failure.Validation("upload %q is %d bytes, limit is %d", originalName, info.Size(), e.maxBytes)
	}

	mtype, err := mimetype.DetectFile(uploadPath)
	if err != nil {
		return nil, fmt.Errorf("error detecting upload type: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(originalName))
	logger.WithFields(logrus.Fields{
		"mime_type": mtype.String(),
		"size":      info.Size(),
	}).Info("Processing upload")

	report := &Report{VesselID: vesselID, Upload: originalName}

	switch {
	case ext == ".pdf" && mtype.Is("application/pdf"):
		open := func() (io.ReadCloser, error) { return os.Open(uploadPath) }
		report.add(e.ingestPDF(ctx, vesselID, originalName, "", info.Size(), open))
	case ext == ".zip" && mtype.Is("application/zip"):
		if err := e.walkZip(ctx, vesselID, uploadPath, originalName, report); err != nil {
			return report, err
		}
	default:
		return nil, failure.Validation("unsupported upload %q (%s): only PDF and ZIP are accepted", originalName, mtype.String()).
			With("mime_type", mtype.String())
	}

	logger.WithFields(logrus.Fields{
		"accepted": report.Accepted,
		"rejected": report.Rejected,
	}).Info("Upload processed")
	return report, nil
}

func (e *Extractor) walkZip(ctx context.Context, vesselID uint, uploadPath, archiveName string, report *Report) error {
	zr, err := zip.OpenReader(uploadPath)
	if err != nil {
		return failure.Wrap(failure.KindValidation, err, "cannot read archive %q", archiveName)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			continue
		}
		name := f.Name
		reject := func(reason string) {
			report.add(FileResult{Filename: name, Status: FileRejected, ErrorKind: string(failure.KindValidation), Reason: reason})
		}

		if strings.Contains(name, "\\") || !filepath.IsLocal(name) {
			reject("path traversal entry")
			continue
		}
		ext := strings.ToLower(path.Ext(name))
		if nestedArchiveExts[ext] {
			reject("nested archives are not supported")
			continue
		}
		if ext != ".pdf" {
			reject("not a PDF")
			continue
		}
		if int64(f.UncompressedSize64) > e.maxBytes {
			reject("member exceeds the upload size limit")
			continue
		}

		mtype, err := sniffZipMember(f)
		if err != nil {
			reject(fmt.Sprintf("cannot read member: %v", err))
			continue
		}
		if mtype.Is("application/zip") {
			reject("nested archives are not supported")
			continue
		}
		if !mtype.Is("application/pdf") {
			reject(fmt.Sprintf("content is %s, not a PDF", mtype.String()))
			continue
		}

		member := f
		open := func() (io.ReadCloser, error) { return member.Open() }
		res := e.ingestPDF(ctx, vesselID, path.Base(name), archiveName, int64(f.UncompressedSize64), open)
		res.Filename = name
		report.add(res)
	}
	return nil
}

func sniffZipMember(f *zip.File) (*mimetype.MIME, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return mimetype.DetectReader(rc)
}

// ingestPDF persists one PDF. Re-uploading a file the vessel already has is
// skipped when the size is unchanged and replaces the old document
// otherwise.
func (e *Extractor) ingestPDF(ctx context.Context, vesselID uint, filename, archive string, size int64, open func() (io.ReadCloser, error)) FileResult {
	res := FileResult{Filename: filename}
	logger := log.WithFields(logrus.Fields{"vessel_id": vesselID, "filename": filename})

	number, department, err := ParseDocumentNumber(filename)
	if err != nil {
		logger.WithError(err).Warn("Rejecting file")
		res.Status = FileRejected
		res.ErrorKind = string(failure.KindOf(err))
		res.Reason = err.Error()
		return res
	}
	res.DocumentNumber = number
	res.DepartmentOrigin = department

	db := e.db.WithContext(ctx)
	var existing records.Document
	err = db.Where("vessel_id = ? AND (filename = ? OR document_number = ?)", vesselID, filename, number).
		First(&existing).Error
	switch {
	case err == nil && existing.ByteSize == size:
		logger.WithField("document_id", existing.ID).Info("Skipping unchanged re-upload")
		res.Status = FileDuplicate
		res.DocumentID = existing.ID
		res.Reason = "document already uploaded with the same size"
		return res
	case err == nil:
		logger.WithField("document_id", existing.ID).Info("Replacing changed re-upload")
		if err := db.Transaction(func(tx *gorm.DB) error {
			return records.DeleteDocuments(tx, []uint{existing.ID})
		}); err != nil {
			return rejected(res, err)
		}
		if err := e.store.RemoveTree(media.DocumentDir(existing.ID)); err != nil {
			logger.WithError(err).Warn("Failed to remove media of replaced document")
		}
		res.Status = FileReplaced
	case errors.Is(err, gorm.ErrRecordNotFound):
		res.Status = FileAccepted
	default:
		return rejected(res, fmt.Errorf("error looking up existing document: %w", err))
	}

	doc := records.Document{
		VesselID:         vesselID,
		DepartmentOrigin: department,
		DocumentNumber:   number,
		Filename:         filename,
		ByteSize:         size,
		SourceArchive:    archive,
		Status:           records.DocumentStatusUploaded,
	}
	if err := db.Create(&doc).Error; err != nil {
		return rejected(res, fmt.Errorf("error creating document: %w", err))
	}

	key := media.RawKey(doc.ID, filename)
	if err := e.storeBlob(key, open); err != nil {
		if delErr := db.Delete(&doc).Error; delErr != nil {
			logger.WithError(delErr).Error("Failed to roll back document after storage failure")
		}
		return rejected(res, err)
	}
	if err := db.Model(&doc).Update("raw_key", key).Error; err != nil {
		return rejected(res, fmt.Errorf("error recording raw file: %w", err))
	}

	res.DocumentID = doc.ID
	logger.WithFields(logrus.Fields{
		"document_id":     doc.ID,
		"document_number": number,
		"department":      department,
	}).Info("Stored document")
	return res
}

func (e *Extractor) storeBlob(key string, open func() (io.ReadCloser, error)) error {
	rc, err := open()
	if err != nil {
		return fmt.Errorf("error opening file: %w", err)
	}
	defer rc.Close()
	if err := e.store.PutReader(key, rc); err != nil {
		return fmt.Errorf("error storing file: %w", err)
	}
	return nil
}

func rejected(res FileResult, err error) FileResult {
	res.Status = FileRejected
	res.ErrorKind = string(failure.KindOf(err))
	res.Reason = err.Error()
	return res
}
