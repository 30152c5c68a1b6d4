package xref_test

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/RichardSlater/bromcom-timetamble-formatter/pdfobj"
	"github.com/RichardSlater/bromcom-timetamble-formatter/recovery"
	"github.com/RichardSlater/bromcom-timetamble-formatter/xref"
)

func buildClassicPDF() ([]byte, map[int]int64) {
	buf := &bytes.Buffer{}
	buf.WriteString("%PDF-1.7\n")

	offsets := make(map[int]int64)
	offsets[1] = int64(buf.Len())
	buf.WriteString("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")
	offsets[2] = int64(buf.Len())
	buf.WriteString("2 0 obj\n<< /Type /Pages /Kids [] /Count 0 >>\nendobj\n")

	xrefOff := buf.Len()
	buf.WriteString("xref\n0 3\n0000000000 65535 f \n")
	for i := 1; i <= 2; i++ {
		fmt.Fprintf(buf, "%010d 00000 n \n", offsets[i])
	}
	fmt.Fprintf(buf, "trailer\n<< /Size 3 /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", xrefOff)
	return buf.Bytes(), offsets
}

func resolve(t *testing.T, data []byte, cfg xref.Config) *xref.Table {
	t.Helper()
	table, err := xref.Resolve(bytes.NewReader(data), int64(len(data)), cfg)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	return table
}

func TestResolveClassicTable(t *testing.T) {
	data, offsets := buildClassicPDF()
	table := resolve(t, data, xref.Config{})

	for num, off := range offsets {
		e, ok := table.Lookup(num)
		if !ok {
			t.Fatalf("missing object %d", num)
		}
		if e.Offset != off || e.Gen != 0 || e.InStream {
			t.Fatalf("object %d: expected offset %d, got %+v", num, off, e)
		}
	}
	if _, ok := table.Lookup(0); ok {
		t.Fatal("free list head should not resolve")
	}
	root, ok := table.Trailer.Get("Root")
	if !ok {
		t.Fatal("trailer lost Root")
	}
	ref, ok := root.(pdfobj.Reference)
	if !ok || ref.ID().Num != 1 {
		t.Fatalf("unexpected Root: %#v", root)
	}
}

func TestResolvePrevChainNewestWins(t *testing.T) {
	buf := &bytes.Buffer{}
	buf.WriteString("%PDF-1.7\n")

	off1a := buf.Len()
	buf.WriteString("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")
	off2 := buf.Len()
	buf.WriteString("2 0 obj\n<< /Type /Pages /Kids [] /Count 0 >>\nendobj\n")

	xrefA := buf.Len()
	fmt.Fprintf(buf, "xref\n0 3\n0000000000 65535 f \n%010d 00000 n \n%010d 00000 n \n", off1a, off2)
	buf.WriteString("trailer\n<< /Size 3 /Root 1 0 R >>\n")

	// incremental update rewrites object 1
	off1b := buf.Len()
	buf.WriteString("1 0 obj\n<< /Type /Catalog /Pages 2 0 R /PageMode /UseNone >>\nendobj\n")
	xrefB := buf.Len()
	fmt.Fprintf(buf, "xref\n1 1\n%010d 00000 n \n", off1b)
	fmt.Fprintf(buf, "trailer\n<< /Size 3 /Prev %d >>\nstartxref\n%d\n%%%%EOF\n", xrefA, xrefB)

	table := resolve(t, buf.Bytes(), xref.Config{})

	e1, ok := table.Lookup(1)
	if !ok || e1.Offset != int64(off1b) {
		t.Fatalf("object 1 should come from the update: %+v", e1)
	}
	e2, ok := table.Lookup(2)
	if !ok || e2.Offset != int64(off2) {
		t.Fatalf("object 2 should come from the base revision: %+v", e2)
	}
	if _, ok := table.Trailer.Get("Root"); !ok {
		t.Fatal("Root from the older trailer should merge in")
	}
}

// xrefStreamRows builds W [1 4 1] rows. Unset objects stay type 0 (free).
func xrefStreamRows(size int, direct map[int]int, compressed map[int][2]int) []byte {
	rows := make([]byte, 6*size)
	for num, off := range direct {
		i := num * 6
		rows[i] = 1
		binary.BigEndian.PutUint32(rows[i+1:], uint32(off))
	}
	for num, loc := range compressed {
		i := num * 6
		rows[i] = 2
		binary.BigEndian.PutUint32(rows[i+1:], uint32(loc[0]))
		rows[i+5] = byte(loc[1])
	}
	return rows
}

func pngUpEncode(raw []byte, rowLen int) []byte {
	out := make([]byte, 0, len(raw)+len(raw)/rowLen)
	prior := make([]byte, rowLen)
	for i := 0; i < len(raw); i += rowLen {
		row := raw[i : i+rowLen]
		out = append(out, 2)
		for j, b := range row {
			out = append(out, b-prior[j])
		}
		copy(prior, row)
	}
	return out
}

func zlibCompress(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		t.Fatalf("compress: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return buf.Bytes()
}

func TestResolveXRefStreamWithUpPredictor(t *testing.T) {
	buf := &bytes.Buffer{}
	buf.WriteString("%PDF-1.7\n")

	off1 := buf.Len()
	buf.WriteString("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")
	off2 := buf.Len()
	buf.WriteString("2 0 obj\n<< /Type /Pages /Kids [] /Count 0 >>\nendobj\n")

	// object stream holding objects 5 and 6
	stmBody := "5 0 6 13 << /Val 7 >> 42"
	off3 := buf.Len()
	fmt.Fprintf(buf, "3 0 obj\n<< /Type /ObjStm /N 2 /First 9 /Length %d >>\nstream\n%s\nendstream\nendobj\n", len(stmBody), stmBody)

	off4 := buf.Len()
	rows := xrefStreamRows(7,
		map[int]int{1: off1, 2: off2, 3: off3, 4: off4},
		map[int][2]int{5: {3, 0}, 6: {3, 1}},
	)
	payload := zlibCompress(t, pngUpEncode(rows, 6))
	fmt.Fprintf(buf, "4 0 obj\n<< /Type /XRef /Size 7 /Root 1 0 R /W [1 4 1] /Index [0 7] "+
		"/Filter /FlateDecode /DecodeParms << /Predictor 12 /Columns 6 >> /Length %d >>\nstream\n", len(payload))
	buf.Write(payload)
	buf.WriteString("\nendstream\nendobj\n")
	fmt.Fprintf(buf, "startxref\n%d\n%%%%EOF\n", off4)

	table := resolve(t, buf.Bytes(), xref.Config{})

	e1, ok := table.Lookup(1)
	if !ok || e1.Offset != int64(off1) {
		t.Fatalf("object 1: %+v", e1)
	}
	e5, ok := table.Lookup(5)
	if !ok || !e5.InStream || e5.StreamNum != 3 || e5.StreamIdx != 0 {
		t.Fatalf("object 5 should live in object stream 3: %+v", e5)
	}
	e6, ok := table.Lookup(6)
	if !ok || !e6.InStream || e6.StreamIdx != 1 {
		t.Fatalf("object 6: %+v", e6)
	}
	if _, ok := table.Lookup(0); ok {
		t.Fatal("object 0 is free")
	}
	if _, ok := table.Trailer.Get("Root"); !ok {
		t.Fatal("stream dictionary keys should land in the trailer")
	}
}

func TestResolveHybridTable(t *testing.T) {
	buf := &bytes.Buffer{}
	buf.WriteString("%PDF-1.7\n")

	off1 := buf.Len()
	buf.WriteString("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")
	off2 := buf.Len()
	buf.WriteString("2 0 obj\n<< /Type /Pages /Kids [] /Count 0 >>\nendobj\n")

	stmBody := "5 0 << /Marker true >>"
	off3 := buf.Len()
	fmt.Fprintf(buf, "3 0 obj\n<< /Type /ObjStm /N 1 /First 4 /Length %d >>\nstream\n%s\nendstream\nendobj\n", len(stmBody), stmBody)

	off4 := buf.Len()
	rows := xrefStreamRows(6, map[int]int{3: off3, 4: off4}, map[int][2]int{5: {3, 0}})
	fmt.Fprintf(buf, "4 0 obj\n<< /Type /XRef /Size 6 /Root 1 0 R /W [1 4 1] /Index [0 6] /Length %d >>\nstream\n", len(rows))
	buf.Write(rows)
	buf.WriteString("\nendstream\nendobj\n")

	tableOff := buf.Len()
	fmt.Fprintf(buf, "xref\n0 3\n0000000000 65535 f \n%010d 00000 n \n%010d 00000 n \n", off1, off2)
	fmt.Fprintf(buf, "trailer\n<< /Size 6 /Root 1 0 R /XRefStm %d >>\nstartxref\n%d\n%%%%EOF\n", off4, tableOff)

	table := resolve(t, buf.Bytes(), xref.Config{})

	if e, ok := table.Lookup(1); !ok || e.Offset != int64(off1) {
		t.Fatalf("object 1 from the classic section: %+v", e)
	}
	if e, ok := table.Lookup(5); !ok || !e.InStream || e.StreamNum != 3 {
		t.Fatalf("object 5 should come from the hidden stream section: %+v", e)
	}
	if e, ok := table.Lookup(3); !ok || e.Offset != int64(off3) {
		t.Fatalf("object 3: %+v", e)
	}
}

func TestResolveBadStartxrefFailsWithoutRecovery(t *testing.T) {
	data, _ := buildClassicPDF()
	broken := bytes.Replace(data, []byte("startxref\n"), []byte("startxref\n9999"), 1)

	if _, err := xref.Resolve(bytes.NewReader(broken), int64(len(broken)), xref.Config{}); err == nil {
		t.Fatal("expected resolve error")
	}
	if _, err := xref.Resolve(bytes.NewReader(broken), int64(len(broken)), xref.Config{Recovery: recovery.NewStrict()}); err == nil {
		t.Fatal("strict strategy must not reconstruct")
	}
}

func TestResolveFallsBackToReconstruct(t *testing.T) {
	data, offsets := buildClassicPDF()
	broken := bytes.Replace(data, []byte("startxref\n"), []byte("startxref\n9999"), 1)

	lenient := recovery.NewLenient(nil)
	table := resolve(t, broken, xref.Config{Recovery: lenient})

	if len(lenient.Errors) == 0 {
		t.Fatal("lenient strategy should record the structural error")
	}
	for num, off := range offsets {
		e, ok := table.Lookup(num)
		if !ok || e.Offset != off {
			t.Fatalf("object %d after reconstruction: %+v", num, e)
		}
	}
	if _, ok := table.Trailer.Get("Root"); !ok {
		t.Fatal("trailer should survive reconstruction")
	}
}

func TestReconstructPrefersLatestDefinition(t *testing.T) {
	buf := &bytes.Buffer{}
	buf.WriteString("%PDF-1.7\n")
	buf.WriteString("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")
	buf.WriteString("2 0 obj\n<< /Type /Pages /Kids [] /Count 0 >>\nendobj\n")
	off2b := buf.Len()
	buf.WriteString("2 0 obj\n<< /Type /Pages /Kids [] /Count 1 >>\nendobj\n")

	table, err := xref.Reconstruct(buf.Bytes(), xref.Config{})
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	e, ok := table.Lookup(2)
	if !ok || e.Offset != int64(off2b) {
		t.Fatalf("object 2 should resolve to the later body: %+v", e)
	}
	size, ok := pdfobj.DictGetInt(nil, table.Trailer, "Size")
	if !ok || size != 3 {
		t.Fatalf("computed Size: %d", size)
	}
}

func TestReconstructRecoversCatalogWithoutTrailer(t *testing.T) {
	buf := &bytes.Buffer{}
	buf.WriteString("%PDF-1.7\n")
	buf.WriteString("2 0 obj\n<< /Type /Pages /Kids [] /Count 0 >>\nendobj\n")
	buf.WriteString("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")

	table, err := xref.Reconstruct(buf.Bytes(), xref.Config{})
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	root, ok := table.Trailer.Get("Root")
	if !ok {
		t.Fatal("catalog scan should supply Root")
	}
	ref, ok := root.(pdfobj.Reference)
	if !ok || ref.ID().Num != 1 {
		t.Fatalf("unexpected Root: %#v", root)
	}
}

func TestReconstructRegistersObjectStreams(t *testing.T) {
	buf := &bytes.Buffer{}
	buf.WriteString("%PDF-1.7\n")
	buf.WriteString("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")
	stmBody := "5 0 6 13 << /Val 7 >> 42"
	fmt.Fprintf(buf, "3 0 obj\n<< /Type /ObjStm /N 2 /First 9 /Length %d >>\nstream\n%s\nendstream\nendobj\n", len(stmBody), stmBody)

	table, err := xref.Reconstruct(buf.Bytes(), xref.Config{})
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	e5, ok := table.Lookup(5)
	if !ok || !e5.InStream || e5.StreamNum != 3 || e5.StreamIdx != 0 {
		t.Fatalf("object 5: %+v", e5)
	}
	e6, ok := table.Lookup(6)
	if !ok || !e6.InStream || e6.StreamIdx != 1 {
		t.Fatalf("object 6: %+v", e6)
	}
	size, ok := pdfobj.DictGetInt(nil, table.Trailer, "Size")
	if !ok || size != 7 {
		t.Fatalf("computed Size: %d", size)
	}
}

func TestReconstructFindsCompressedCatalog(t *testing.T) {
	buf := &bytes.Buffer{}
	buf.WriteString("%PDF-1.7\n")
	buf.WriteString("2 0 obj\n<< /Type /Pages /Kids [] /Count 0 >>\nendobj\n")
	stmBody := "5 0 6 21 << /Type /Catalog >> 42"
	fmt.Fprintf(buf, "3 0 obj\n<< /Type /ObjStm /N 2 /First 9 /Length %d >>\nstream\n%s\nendstream\nendobj\n", len(stmBody), stmBody)

	table, err := xref.Reconstruct(buf.Bytes(), xref.Config{})
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	root, ok := table.Trailer.Get("Root")
	if !ok {
		t.Fatal("compressed catalog should be found")
	}
	ref, ok := root.(pdfobj.Reference)
	if !ok || ref.ID().Num != 5 {
		t.Fatalf("unexpected Root: %#v", root)
	}
}
