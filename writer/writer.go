// Package writer serializes the raw object model back into a complete PDF
// file: version header, objects in ascending number order, a classic
// cross-reference table, and a trailer. The output is a full rewrite, never
// an incremental update, and is always unencrypted.
package writer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/RichardSlater/bromcom-timetamble-formatter/observability"
	"github.com/RichardSlater/bromcom-timetamble-formatter/pdfobj"
)

// Config adjusts serialization. The zero value writes the document's own
// header version, falling back to 1.7, and logs nowhere.
type Config struct {
	// Version overrides the header version string, e.g. "1.7".
	Version string
	Log     observability.Logger
}

// trailer keys that survive into the rewritten file. Everything else in the
// source trailer described the old file's layout or protection: Prev and
// XRefStm point at revisions that no longer exist, Encrypt at a handler the
// output must not carry, and stream-trailer keys (W, Index, Filter, Type)
// at a cross-reference stream the writer replaces with a classic table.
var keptTrailerKeys = []string{"Root", "Info", "ID"}

// Write serializes doc to w.
func Write(w io.Writer, doc *pdfobj.Document, cfg Config) error {
	log := cfg.Log
	if log == nil {
		log = observability.NopLogger{}
	}
	if doc == nil || len(doc.Objects) == 0 {
		return errors.New("document has no objects")
	}
	if doc.Trailer == nil {
		return errors.New("document has no trailer")
	}
	if _, ok := doc.Trailer.Get("Root"); !ok {
		return errors.New("trailer has no Root entry")
	}

	ids := sortedIDs(doc, log)
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%%PDF-%s\n", headerVersion(doc, cfg))
	// binary comment so transports treat the file as 8-bit data
	buf.WriteString("%\xE2\xE3\xCF\xD3\n")

	type used struct {
		off int64
		gen int
	}
	offsets := make(map[int]used, len(ids))
	maxNum := 0
	for _, id := range ids {
		offsets[id.Num] = used{off: int64(buf.Len()), gen: id.Gen}
		if id.Num > maxNum {
			maxNum = id.Num
		}
		fmt.Fprintf(&buf, "%d %d obj\n", id.Num, id.Gen)
		serializeValue(&buf, doc.Objects[id])
		buf.WriteString("\nendobj\n")
	}

	xrefOffset := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", maxNum+1)
	buf.WriteString("0000000000 65535 f \n")
	for num := 1; num <= maxNum; num++ {
		if e, ok := offsets[num]; ok {
			fmt.Fprintf(&buf, "%010d %05d n \n", e.off, e.gen)
		} else {
			// gap left by a dropped object; a free entry keeps the table dense
			buf.WriteString("0000000000 65535 f \n")
		}
	}

	buf.WriteString("trailer\n")
	writeDict(&buf, outputTrailer(doc.Trailer, maxNum+1))
	fmt.Fprintf(&buf, "\nstartxref\n%d\n%%%%EOF\n", xrefOffset)

	n, err := w.Write(buf.Bytes())
	if err != nil {
		return fmt.Errorf("write document: %w", err)
	}
	log.Debug("document written",
		observability.Int("objects", len(ids)),
		observability.Int("bytes", n))
	return nil
}

func headerVersion(doc *pdfobj.Document, cfg Config) string {
	if cfg.Version != "" {
		return cfg.Version
	}
	if doc.Version != "" {
		return doc.Version
	}
	return "1.7"
}

// sortedIDs returns the object ids in ascending number order, one per
// number. When two generations of the same number survive parsing, the
// newer one wins.
func sortedIDs(doc *pdfobj.Document, log observability.Logger) []pdfobj.ObjectID {
	ids := make([]pdfobj.ObjectID, 0, len(doc.Objects))
	for id := range doc.Objects {
		if id.Num <= 0 {
			log.Warn("skipping object with reserved number", observability.Int("object", id.Num))
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Num != ids[j].Num {
			return ids[i].Num < ids[j].Num
		}
		return ids[i].Gen < ids[j].Gen
	})
	unique := make([]pdfobj.ObjectID, 0, len(ids))
	for i, id := range ids {
		if i+1 < len(ids) && ids[i+1].Num == id.Num {
			log.Warn("duplicate object number, keeping the newer generation",
				observability.Int("object", id.Num))
			continue
		}
		unique = append(unique, id)
	}
	return unique
}

func outputTrailer(src pdfobj.Dictionary, size int) *pdfobj.DictObj {
	out := pdfobj.NewDict()
	out.Set("Size", pdfobj.NewInt(int64(size)))
	for _, key := range keptTrailerKeys {
		if val, ok := src.Get(key); ok {
			out.Set(key, val)
		}
	}
	return out
}
