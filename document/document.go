// Package document is the high-level read-modify-write surface: open a PDF
// file, inspect and replace page content and Info metadata, and save a full
// rewrite. It hides the parser, filter, and writer layers from callers that
// only edit content.
package document

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"

	"github.com/RichardSlater/bromcom-timetamble-formatter/filters"
	"github.com/RichardSlater/bromcom-timetamble-formatter/observability"
	"github.com/RichardSlater/bromcom-timetamble-formatter/parser"
	"github.com/RichardSlater/bromcom-timetamble-formatter/pdfobj"
	"github.com/RichardSlater/bromcom-timetamble-formatter/recovery"
	"github.com/RichardSlater/bromcom-timetamble-formatter/security"
	"github.com/RichardSlater/bromcom-timetamble-formatter/writer"
)

// defaultMaxDecompressed bounds how far any single stream may inflate.
const defaultMaxDecompressed = 1 << 28

// Options adjusts how a document is opened. The zero value fails on the
// first structural error and logs nowhere.
type Options struct {
	// Recovery decides whether structural damage aborts the open.
	Recovery recovery.Strategy
	Log      observability.Logger
	// MaxDecompressedSize overrides the per-stream inflation bound.
	MaxDecompressedSize int64
}

// Document is an open PDF held fully in memory. It is not safe for
// concurrent mutation; concurrent reads are fine.
type Document struct {
	raw   *pdfobj.Document
	pages []*Page
	meta  map[string]string
	perms security.Permissions
	log   observability.Logger
}

// Page wraps one page of the document. Content edits go through
// SetContentStream so stored bytes and filter entries stay consistent.
type Page struct {
	doc *Document
	p   *parser.Page
}

// Open reads and parses the PDF at path. The file is fully loaded before
// Open returns; the handle is not kept.
func Open(path string, opts Options) (doc *Document, err error) {
	log := opts.Log
	if log == nil {
		log = observability.NopLogger{}
	}
	defer guard(&err, log, "open")

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open document: %w", err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("open document: %w", err)
	}
	return Read(f, st.Size(), opts)
}

// Read parses a PDF from r. Callers that already hold the bytes (or a
// test buffer) use this instead of Open.
func Read(r io.ReaderAt, size int64, opts Options) (doc *Document, err error) {
	log := opts.Log
	if log == nil {
		log = observability.NopLogger{}
	}
	defer guard(&err, log, "open")

	maxDecompressed := opts.MaxDecompressedSize
	if maxDecompressed <= 0 {
		maxDecompressed = defaultMaxDecompressed
	}
	parsed, err := parser.Parse(r, size, parser.Config{
		Filters:  filters.Limits{MaxDecompressedSize: maxDecompressed},
		Recovery: opts.Recovery,
		Log:      log,
	})
	if err != nil {
		return nil, err
	}

	doc = &Document{
		raw:   parsed.Raw,
		meta:  parsed.Metadata,
		perms: parsed.Permissions,
		log:   log,
	}
	doc.pages = make([]*Page, len(parsed.Pages))
	for i, p := range parsed.Pages {
		doc.pages[i] = &Page{doc: doc, p: p}
	}
	return doc, nil
}

// Pages returns the document's pages in reading order.
func (d *Document) Pages() []*Page { return d.pages }

// PageCount returns the number of pages.
func (d *Document) PageCount() int { return len(d.pages) }

// Encrypted reports whether the source document was encrypted. Saved output
// never is.
func (d *Document) Encrypted() bool { return d.raw.Encrypted }

// Permissions returns the source document's permission flags. Unencrypted
// documents permit everything.
func (d *Document) Permissions() security.Permissions { return d.perms }

// Metadata returns a copy of the Info dictionary's text fields.
func (d *Document) Metadata() map[string]string {
	out := make(map[string]string, len(d.meta))
	for k, v := range d.meta {
		out[k] = v
	}
	return out
}

// SetMetadataField writes one Info field, creating the Info dictionary when
// the document has none.
func (d *Document) SetMetadataField(key, value string) {
	info := d.infoDict()
	info.Set(key, pdfobj.NewString([]byte(value)))
	d.meta[key] = value
}

func (d *Document) infoDict() pdfobj.Dictionary {
	if obj, ok := d.raw.Trailer.Get("Info"); ok {
		if dict, ok := pdfobj.AsDict(d.raw.Resolve(obj)); ok {
			return dict
		}
	}
	info := pdfobj.NewDict()
	num := d.nextObjectNumber()
	d.raw.Objects[pdfobj.ObjectID{Num: num}] = info
	d.raw.Trailer.Set("Info", pdfobj.NewRef(num, 0))
	return info
}

func (d *Document) nextObjectNumber() int {
	max := 0
	for id := range d.raw.Objects {
		if id.Num > max {
			max = id.Num
		}
	}
	return max + 1
}

// Save writes the document to path as a complete, unencrypted PDF.
func (d *Document) Save(path string) (err error) {
	defer guard(&err, d.log, "save")

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("save document: %w", err)
	}
	if err := writer.Write(f, d.raw, writer.Config{Log: d.log}); err != nil {
		f.Close()
		return fmt.Errorf("save document: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("save document: %w", err)
	}
	return nil
}

// ContentStreams returns the page's decoded content parts in order. The
// slices are copies; edits go back through SetContentStream.
func (p *Page) ContentStreams() [][]byte {
	out := make([][]byte, len(p.p.Contents))
	for i, cs := range p.p.Contents {
		out[i] = append([]byte(nil), cs.Data...)
	}
	return out
}

// StreamIDs returns the object identity of each content part, in order.
// Pages can share a stream object; the zero ObjectID marks a stream
// embedded directly in the page dictionary, which no other page can reach.
func (p *Page) StreamIDs() []pdfobj.ObjectID {
	ids := make([]pdfobj.ObjectID, len(p.p.Contents))
	for i, cs := range p.p.Contents {
		ids[i] = cs.ID
	}
	return ids
}

// SetContentStream replaces content part i. When the original stream was
// compressed the new bytes are Flate-recompressed and the filter chain
// collapses to FlateDecode; otherwise they are stored raw.
func (p *Page) SetContentStream(i int, data []byte) error {
	if i < 0 || i >= len(p.p.Contents) {
		return fmt.Errorf("content stream %d out of range (page has %d)", i, len(p.p.Contents))
	}
	cs := p.p.Contents[i]
	if cs.Stream == nil {
		return errors.New("content stream has no backing object")
	}
	stored := data
	dict := cs.Stream.Dictionary()
	if cs.Filtered {
		compressed, err := filters.FlateEncode(data)
		if err != nil {
			return fmt.Errorf("recompress content stream: %w", err)
		}
		stored = compressed
		dict.Set("Filter", pdfobj.NewName("FlateDecode"))
		dict.Delete("DecodeParms")
		dict.Delete("DP")
	}
	cs.Stream.SetRawData(stored)
	dict.Set("Length", pdfobj.NewInt(int64(len(stored))))
	cs.Data = append([]byte(nil), data...)
	return nil
}

func guard(err *error, log observability.Logger, op string) {
	if r := recover(); r != nil {
		log.Error("panic recovered",
			observability.String("op", op),
			observability.String("stack", string(debug.Stack())))
		*err = fmt.Errorf("%s: internal error: %v", op, r)
	}
}
