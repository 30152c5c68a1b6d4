package anonymizer

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/RichardSlater/bromcom-timetamble-formatter/document"
	"github.com/RichardSlater/bromcom-timetamble-formatter/pdfobj"
	"github.com/RichardSlater/bromcom-timetamble-formatter/writer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildTimetablePDF assembles a document with one content stream per page
// and writes it to a temp file.
func buildTimetablePDF(t *testing.T, contents [][]byte, meta map[string]string) string {
	t.Helper()

	catalog := pdfobj.NewDict()
	catalog.Set("Type", pdfobj.NewName("Catalog"))
	catalog.Set("Pages", pdfobj.NewRef(2, 0))

	objects := map[pdfobj.ObjectID]pdfobj.Object{
		{Num: 1}: catalog,
	}

	kids := make([]pdfobj.Object, 0, len(contents))
	next := 3
	for _, content := range contents {
		pageNum, streamNum := next, next+1
		next += 2

		page := pdfobj.NewDict()
		page.Set("Type", pdfobj.NewName("Page"))
		page.Set("Parent", pdfobj.NewRef(2, 0))
		page.Set("Contents", pdfobj.NewRef(streamNum, 0))
		objects[pdfobj.ObjectID{Num: pageNum}] = page
		objects[pdfobj.ObjectID{Num: streamNum}] = pdfobj.NewStream(pdfobj.NewDict(), content)
		kids = append(kids, pdfobj.NewRef(pageNum, 0))
	}

	pages := pdfobj.NewDict()
	pages.Set("Type", pdfobj.NewName("Pages"))
	pages.Set("Kids", pdfobj.NewArray(kids...))
	pages.Set("Count", pdfobj.NewInt(int64(len(contents))))
	pages.Set("MediaBox", pdfobj.NewArray(
		pdfobj.NewInt(0), pdfobj.NewInt(0), pdfobj.NewInt(612), pdfobj.NewInt(792)))
	objects[pdfobj.ObjectID{Num: 2}] = pages

	trailer := pdfobj.NewDict()
	trailer.Set("Root", pdfobj.NewRef(1, 0))
	if len(meta) > 0 {
		info := pdfobj.NewDict()
		for _, key := range []string{"Title", "Author", "Subject", "Creator"} {
			if v, ok := meta[key]; ok {
				info.Set(key, pdfobj.NewString([]byte(v)))
			}
		}
		objects[pdfobj.ObjectID{Num: next}] = info
		trailer.Set("Info", pdfobj.NewRef(next, 0))
	}

	var buf bytes.Buffer
	err := writer.Write(&buf, &pdfobj.Document{Objects: objects, Trailer: trailer, Version: "1.7"}, writer.Config{})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "timetable.pdf")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestAnonymizeEndToEnd(t *testing.T) {
	plainTeacher, _ := EncodeLatin1("Mr J Smith")
	cipherStudent := CipherEncode([]byte("Sophie Turner 8XY"))

	page1 := []byte("BT (Mr J Smith) Tj 0 -14 Td (Amelia Slater 10AB) Tj ET")
	page2 := []byte("BT " + string(HexEncode(plainTeacher)) + " Tj " + string(HexEncode(cipherStudent)) + " Tj ET")

	path := buildTimetablePDF(t, [][]byte{page1, page2}, map[string]string{
		"Title":  "Timetable for Mr J Smith",
		"Author": "MIS Export",
	})

	doc, err := document.Open(path, document.Options{})
	require.NoError(t, err)

	report, err := Anonymize(context.Background(), doc, Options{})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Pages)
	assert.Equal(t, 2, report.Streams)
	assert.Equal(t, []string{"Title"}, report.MetadataFields)

	require.Len(t, report.Entries, 5)
	assert.Equal(t, Entry{Original: "Mr J Smith", Replacement: "Mr J Alpha", Category: CategoryTeacher}, report.Entries[0])
	assert.Equal(t, Entry{Original: "Amelia Slater", Replacement: "Test Data    ", Category: CategoryStudent}, report.Entries[1])
	assert.Equal(t, Entry{Original: "10AB", Replacement: "10XX", Category: CategoryForm}, report.Entries[2])
	assert.Equal(t, Entry{Original: "Sophie Turner", Replacement: "Test User    ", Category: CategoryStudent}, report.Entries[3])
	assert.Equal(t, Entry{Original: "8XY", Replacement: "8XX", Category: CategoryForm}, report.Entries[4])

	wantPlainRepl, _ := EncodeLatin1("Mr J Alpha")
	wantCipherRepl := CipherEncode([]byte("Test User     8XX"))
	wantPage1 := "BT (Mr J Alpha) Tj 0 -14 Td (Test Data     10XX) Tj ET"
	wantPage2 := "BT " + string(HexEncode(wantPlainRepl)) + " Tj " + string(HexEncode(wantCipherRepl)) + " Tj ET"

	assert.Equal(t, wantPage1, string(doc.Pages()[0].ContentStreams()[0]))
	assert.Equal(t, wantPage2, string(doc.Pages()[1].ContentStreams()[0]))
	assert.Equal(t, "Timetable for Mr J Alpha", doc.Metadata()["Title"])

	// The rewritten document must survive a save/reopen cycle intact.
	out := filepath.Join(t.TempDir(), "anonymized.pdf")
	require.NoError(t, doc.Save(out))

	saved, err := document.Open(out, document.Options{})
	require.NoError(t, err)
	require.Equal(t, 2, saved.PageCount())
	assert.Equal(t, wantPage1, string(saved.Pages()[0].ContentStreams()[0]))
	assert.Equal(t, wantPage2, string(saved.Pages()[1].ContentStreams()[0]))
	assert.Equal(t, "Timetable for Mr J Alpha", saved.Metadata()["Title"])
	assert.Equal(t, "MIS Export", saved.Metadata()["Author"])
}

func TestAnonymizeSequentialWorkers(t *testing.T) {
	path := buildTimetablePDF(t, [][]byte{[]byte("BT (Mr J Smith) Tj ET")}, nil)

	doc, err := document.Open(path, document.Options{})
	require.NoError(t, err)

	report, err := Anonymize(context.Background(), doc, Options{Workers: 1})
	require.NoError(t, err)
	require.Len(t, report.Entries, 1)
	assert.Equal(t, "BT (Mr J Alpha) Tj ET", string(doc.Pages()[0].ContentStreams()[0]))
}

func TestAnonymizeNothingDetected(t *testing.T) {
	content := []byte("BT (quarterly totals) Tj ET")
	path := buildTimetablePDF(t, [][]byte{content}, map[string]string{"Title": "Ledger"})

	doc, err := document.Open(path, document.Options{})
	require.NoError(t, err)

	report, err := Anonymize(context.Background(), doc, Options{})
	require.NoError(t, err)
	assert.Empty(t, report.Entries)
	assert.Empty(t, report.MetadataFields)
	assert.Equal(t, string(content), string(doc.Pages()[0].ContentStreams()[0]))
	assert.Equal(t, "Ledger", doc.Metadata()["Title"])
}

func TestAnonymizeSharedContentStream(t *testing.T) {
	// Two pages referencing the same stream object: one worker claims
	// the stream and rewrites it exactly once, and both pages see the
	// result.
	catalog := pdfobj.NewDict()
	catalog.Set("Type", pdfobj.NewName("Catalog"))
	catalog.Set("Pages", pdfobj.NewRef(2, 0))

	pages := pdfobj.NewDict()
	pages.Set("Type", pdfobj.NewName("Pages"))
	pages.Set("Kids", pdfobj.NewArray(pdfobj.NewRef(3, 0), pdfobj.NewRef(4, 0)))
	pages.Set("Count", pdfobj.NewInt(2))

	pageA := pdfobj.NewDict()
	pageA.Set("Type", pdfobj.NewName("Page"))
	pageA.Set("Parent", pdfobj.NewRef(2, 0))
	pageA.Set("Contents", pdfobj.NewRef(5, 0))

	pageB := pdfobj.NewDict()
	pageB.Set("Type", pdfobj.NewName("Page"))
	pageB.Set("Parent", pdfobj.NewRef(2, 0))
	pageB.Set("Contents", pdfobj.NewRef(5, 0))

	trailer := pdfobj.NewDict()
	trailer.Set("Root", pdfobj.NewRef(1, 0))

	objects := map[pdfobj.ObjectID]pdfobj.Object{
		{Num: 1}: catalog,
		{Num: 2}: pages,
		{Num: 3}: pageA,
		{Num: 4}: pageB,
		{Num: 5}: pdfobj.NewStream(pdfobj.NewDict(), []byte("BT (Noah Green 7CD) Tj ET")),
	}

	var buf bytes.Buffer
	require.NoError(t, writer.Write(&buf, &pdfobj.Document{Objects: objects, Trailer: trailer, Version: "1.7"}, writer.Config{}))
	path := filepath.Join(t.TempDir(), "shared.pdf")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	doc, err := document.Open(path, document.Options{})
	require.NoError(t, err)
	require.Equal(t, 2, doc.PageCount())

	_, err = Anonymize(context.Background(), doc, Options{})
	require.NoError(t, err)

	// Both pages contribute the shared stream to the corpus, so the
	// student matches twice and the second generation wins.
	want := "BT (Test User  7XX) Tj ET"
	assert.Equal(t, want, string(doc.Pages()[0].ContentStreams()[0]))
	assert.Equal(t, want, string(doc.Pages()[1].ContentStreams()[0]))
}

func TestAnonymizeCancelledContext(t *testing.T) {
	path := buildTimetablePDF(t, [][]byte{[]byte("BT (Mr J Smith) Tj ET")}, nil)

	doc, err := document.Open(path, document.Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = Anonymize(ctx, doc, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
