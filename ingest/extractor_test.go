package ingest

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
	"gorm.io/gorm"

	"tagscan/internal/failure"
	"tagscan/internal/media"
	"tagscan/internal/records"
)

var fakePDF = []byte("%PDF-1.4\n1 0 obj\n<<>>\nendobj\ntrailer\n<<>>\n%%EOF\n")

type testEnv struct {
	db        *gorm.DB
	store     *media.Store
	extractor *Extractor
	vessel    records.Vessel
	dir       string
}

func newTestEnv(t *testing.T, maxBytes int64) *testEnv {
	t.Helper()
	db, err := records.Open(records.MemoryDSN(uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	store, err := media.NewStore(t.TempDir())
	require.NoError(t, err)

	vessel := records.Vessel{Name: "MV Test"}
	require.NoError(t, db.Create(&vessel).Error)

	return &testEnv{
		db:        db,
		store:     store,
		extractor: NewExtractor(db, store, maxBytes),
		vessel:    vessel,
		dir:       t.TempDir(),
	}
}

func (env *testEnv) writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(env.dir, name)
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

func (env *testEnv) writeZip(t *testing.T, name string, members map[string][]byte, order []string) string {
	t.Helper()
	p := filepath.Join(env.dir, name)
	f, err := os.Create(p)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for _, m := range order {
		w, err := zw.Create(m)
		require.NoError(t, err)
		_, err = w.Write(members[m])
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return p
}

func TestParseDocumentNumber(t *testing.T) {
	tests := []struct {
		filename   string
		number     string
		department string
		wantErr    bool
	}{
		{"7-MEC-001.pdf", "7-MEC-001", "MEC", false},
		{"7-mec-001_rev2.pdf", "7-mec-001", "MEC", false},
		{"dir/12-ELE-100-A.PDF", "12-ELE-100-A", "ELE", false},
		{" 3-PIP-9 .pdf", "3-PIP-9", "PIP", false},
		{"drawing.pdf", "", "", true},
		{"7--001.pdf", "", "", true},
		{"7-M&E-001.pdf", "", "", true},
		{"_7-MEC-001.pdf", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			number, department, err := ParseDocumentNumber(tt.filename)
			if tt.wantErr {
				assert.True(t, errors.Is(err, failure.ErrInvalidDocumentNumber), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.number, number)
			assert.Equal(t, tt.department, department)
		})
	}
}

func TestExtractSinglePDF(t *testing.T) {
	env := newTestEnv(t, 0)
	upload := env.writeFile(t, "upload.tmp", fakePDF)

	report, err := env.extractor.Extract(context.Background(), env.vessel.ID, upload, "7-MEC-001.pdf")
	require.NoError(t, err)
	require.Len(t, report.Files, 1)
	assert.Equal(t, FileAccepted, report.Files[0].Status)
	assert.Equal(t, 1, report.Accepted)

	var doc records.Document
	require.NoError(t, env.db.First(&doc, report.Files[0].DocumentID).Error)
	assert.Equal(t, "7-MEC-001", doc.DocumentNumber)
	assert.Equal(t, "MEC", doc.DepartmentOrigin)
	assert.Equal(t, int64(len(fakePDF)), doc.ByteSize)

	stored, err := env.store.Get(doc.RawKey)
	require.NoError(t, err)
	assert.Equal(t, fakePDF, stored)
}

func TestExtractRejectsInvalidUploads(t *testing.T) {
	env := newTestEnv(t, 64)

	t.Run("too large", func(t *testing.T) {
		big := append(append([]byte{}, fakePDF...), make([]byte, 100)...)
		upload := env.writeFile(t, "big.tmp", big)
		_, err := env.extractor.Extract(context.Background(), env.vessel.ID, upload, "7-MEC-001.pdf")
		assert.True(t, errors.Is(err, failure.ErrValidation), "got %v", err)
	})

	t.Run("wrong type", func(t *testing.T) {
		upload := env.writeFile(t, "text.tmp", []byte("just some text"))
		_, err := env.extractor.Extract(context.Background(), env.vessel.ID, upload, "7-MEC-001.pdf")
		assert.True(t, errors.Is(err, failure.ErrValidation), "got %v", err)
	})

	t.Run("unknown vessel", func(t *testing.T) {
		upload := env.writeFile(t, "ok.tmp", fakePDF)
		_, err := env.extractor.Extract(context.Background(), 999, upload, "7-MEC-001.pdf")
		assert.True(t, errors.Is(err, failure.ErrSelection), "got %v", err)
	})

	var n int64
	require.NoError(t, env.db.Model(&records.Document{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestExtractZipIsPartialFailureTolerant(t *testing.T) {
	env := newTestEnv(t, 0)

	var nested []byte
	{
		inner := env.writeZip(t, "inner.zip", map[string][]byte{"1-MEC-009.pdf": fakePDF}, []string{"1-MEC-009.pdf"})
		var err error
		nested, err = os.ReadFile(inner)
		require.NoError(t, err)
	}

	members := map[string][]byte{
		"1-MEC-001.pdf":           fakePDF,
		"sub/dir/1-ELE-002.pdf":   fakePDF,
		"drawing.pdf":             fakePDF,
		"../escape/1-MEC-003.pdf": fakePDF,
		"inner.zip":               nested,
		"disguised-1-X.pdf":       nested,
		"notes.txt":               []byte("hello"),
	}
	order := []string{
		"1-MEC-001.pdf", "sub/dir/1-ELE-002.pdf", "drawing.pdf",
		"../escape/1-MEC-003.pdf", "inner.zip", "disguised-1-X.pdf", "notes.txt",
	}
	upload := env.writeZip(t, "upload.zip", members, order)

	report, err := env.extractor.Extract(context.Background(), env.vessel.ID, upload, "batch.zip")
	require.NoError(t, err)
	require.Len(t, report.Files, len(order))

	statuses := make(map[string]FileResult)
	for _, f := range report.Files {
		statuses[f.Filename] = f
	}

	assert.Equal(t, FileAccepted, statuses["1-MEC-001.pdf"].Status)
	assert.Equal(t, FileAccepted, statuses["sub/dir/1-ELE-002.pdf"].Status)
	assert.Equal(t, "ELE", statuses["sub/dir/1-ELE-002.pdf"].DepartmentOrigin)

	assert.Equal(t, FileRejected, statuses["drawing.pdf"].Status)
	assert.Equal(t, string(failure.KindInvalidDocumentNumber), statuses["drawing.pdf"].ErrorKind)

	assert.Equal(t, FileRejected, statuses["../escape/1-MEC-003.pdf"].Status)
	assert.Contains(t, statuses["../escape/1-MEC-003.pdf"].Reason, "path traversal")

	assert.Equal(t, FileRejected, statuses["inner.zip"].Status)
	assert.Contains(t, statuses["inner.zip"].Reason, "nested")
	assert.Equal(t, FileRejected, statuses["disguised-1-X.pdf"].Status)
	assert.Contains(t, statuses["disguised-1-X.pdf"].Reason, "nested")

	assert.Equal(t, FileRejected, statuses["notes.txt"].Status)

	assert.Equal(t, 2, report.Accepted)
	assert.Equal(t, 5, report.Rejected)

	var docs []records.Document
	require.NoError(t, env.db.Order("id").Find(&docs).Error)
	require.Len(t, docs, 2)
	assert.Equal(t, "batch.zip", docs[0].SourceArchive)
}

func TestExtractReupload(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()

	first := env.writeFile(t, "a.tmp", fakePDF)
	report, err := env.extractor.Extract(ctx, env.vessel.ID, first, "2-PIP-010.pdf")
	require.NoError(t, err)
	originalID := report.Files[0].DocumentID

	report, err = env.extractor.Extract(ctx, env.vessel.ID, first, "2-PIP-010.pdf")
	require.NoError(t, err)
	assert.Equal(t, FileDuplicate, report.Files[0].Status)
	assert.Equal(t, originalID, report.Files[0].DocumentID)

	require.NoError(t, env.db.Create(&records.Page{DocumentID: originalID, Scale: 2, PageNumber: 1, ImageKey: "x", Status: records.PageStatusOK}).Error)

	changed := env.writeFile(t, "b.tmp", append(append([]byte{}, fakePDF...), []byte("% more\n")...))
	report, err = env.extractor.Extract(ctx, env.vessel.ID, changed, "2-PIP-010_rev1.pdf")
	require.NoError(t, err)
	assert.Equal(t, FileReplaced, report.Files[0].Status)
	assert.NotEqual(t, originalID, report.Files[0].DocumentID)

	var docs, pages int64
	require.NoError(t, env.db.Model(&records.Document{}).Count(&docs).Error)
	require.NoError(t, env.db.Model(&records.Page{}).Count(&pages).Error)
	assert.Equal(t, int64(1), docs)
	assert.Zero(t, pages, "pages of the replaced document are removed")
}

func TestImportTruths(t *testing.T) {
	env := newTestEnv(t, 0)

	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Truth")
	require.NoError(t, err)
	for _, rowData := range [][]string{
		{"Document Number", "Tag Number "},
		{"7-MEC-001", "P-101"},
		{"7-MEC-001", "V-200"},
		{"7-MEC-001", "UNTAGGED"},
		{"7-ELE-002", ""},
		{"7-ELE-002", "TT-300"},
	} {
		row := sheet.AddRow()
		for _, v := range rowData {
			row.AddCell().SetString(v)
		}
	}
	path := filepath.Join(env.dir, "truth.xlsx")
	require.NoError(t, f.Save(path))

	n, err := ImportTruths(context.Background(), env.db, env.vessel.ID, path)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = ImportTruths(context.Background(), env.db, env.vessel.ID, path)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	var count int64
	require.NoError(t, env.db.Model(&records.Truth{}).Count(&count).Error)
	assert.Equal(t, int64(3), count, "re-import replaces rather than duplicates")

	bad := xlsx.NewFile()
	badSheet, err := bad.AddSheet("Other")
	require.NoError(t, err)
	badSheet.AddRow().AddCell().SetString("Something")
	badPath := filepath.Join(env.dir, "bad.xlsx")
	require.NoError(t, bad.Save(badPath))

	_, err = ImportTruths(context.Background(), env.db, env.vessel.ID, badPath)
	assert.True(t, errors.Is(err, failure.ErrValidation))
}
