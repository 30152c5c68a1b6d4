// Package parser loads a PDF into the raw object model: it resolves the
// cross-reference data, reads every reachable indirect object (decrypting
// where the document demands it), walks the page tree, and decodes page
// content streams.
package parser

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/RichardSlater/bromcom-timetamble-formatter/filters"
	"github.com/RichardSlater/bromcom-timetamble-formatter/observability"
	"github.com/RichardSlater/bromcom-timetamble-formatter/pdfobj"
	"github.com/RichardSlater/bromcom-timetamble-formatter/recovery"
	"github.com/RichardSlater/bromcom-timetamble-formatter/scanner"
	"github.com/RichardSlater/bromcom-timetamble-formatter/security"
	"github.com/RichardSlater/bromcom-timetamble-formatter/xref"
)

// Config controls parsing. Zero values select sane defaults: lax limits, no
// recovery (fail on first structural error), no logging.
type Config struct {
	Scanner  scanner.Config
	XRef     xref.Config
	Filters  filters.Limits
	MaxDepth int
	Cache    Cache
	Recovery recovery.Strategy
	Log      observability.Logger
}

// Document is the parsed file: the raw object set plus the resolved page
// list and the Info dictionary metadata.
type Document struct {
	Raw         *pdfobj.Document
	Pages       []*Page
	Metadata    map[string]string
	Permissions security.Permissions
}

// Parse reads the whole document. Damaged cross-reference data falls back to
// reconstruction when the recovery strategy allows it; encrypted documents
// are decrypted in place using the empty user password.
func Parse(r io.ReaderAt, size int64, cfg Config) (*Document, error) {
	log := cfg.Log
	if log == nil {
		log = observability.NopLogger{}
	}

	xcfg := cfg.XRef
	if xcfg.Recovery == nil {
		xcfg.Recovery = cfg.Recovery
	}
	if xcfg.Log == nil {
		xcfg.Log = log
	}
	table, err := xref.Resolve(r, size, xcfg)
	if err != nil {
		return nil, fmt.Errorf("resolve cross-references: %w", err)
	}

	pipeline := filters.DefaultPipeline(cfg.Filters)
	sec, encID, err := buildSecurity(r, table, pipeline, cfg)
	if err != nil {
		return nil, err
	}

	ld := newLoader(r, table, sec, pipeline, cfg)
	if encID != nil {
		ld.plain[*encID] = true
	}

	raw := &pdfobj.Document{
		Objects:   make(map[pdfobj.ObjectID]pdfobj.Object),
		Trailer:   table.Trailer,
		Version:   headerVersion(r),
		Encrypted: sec.IsEncrypted(),
	}
	for _, num := range table.Objects() {
		if num == 0 {
			continue // free-list head
		}
		entry, ok := table.Lookup(num)
		if !ok {
			continue
		}
		id := pdfobj.ObjectID{Num: num, Gen: entry.Gen}
		obj, err := ld.Load(id)
		if err != nil {
			if rerr := consultRecovery(cfg.Recovery, err, num); rerr != nil {
				return nil, fmt.Errorf("load object %d: %w", num, err)
			}
			log.Warn("skipping unreadable object",
				observability.Int("object", num),
				observability.Error("err", err))
			continue
		}
		if isStructureObject(obj) {
			// object streams, cross-reference streams, and linearization
			// dictionaries encode the source file's layout; the writer
			// rebuilds all of that from scratch
			continue
		}
		raw.Objects[id] = obj
	}

	pages, err := collectPages(raw, pipeline, cfg.Recovery, log)
	if err != nil {
		return nil, err
	}
	log.Debug("document parsed",
		observability.Int("objects", len(raw.Objects)),
		observability.Int("pages", len(pages)))

	return &Document{
		Raw:         raw,
		Pages:       pages,
		Metadata:    infoMetadata(raw),
		Permissions: sec.Permissions(),
	}, nil
}

// buildSecurity constructs the security handler from the trailer's Encrypt
// entry. The returned id, when non-nil, names the Encrypt dictionary object;
// its strings stay plaintext.
func buildSecurity(r io.ReaderAt, table *xref.Table, pipeline *filters.Pipeline, cfg Config) (security.Handler, *pdfobj.ObjectID, error) {
	encObj, ok := table.Trailer.Get("Encrypt")
	if !ok {
		return security.NoopHandler(), nil, nil
	}
	var encID *pdfobj.ObjectID
	var encDict pdfobj.Dictionary
	switch v := encObj.(type) {
	case pdfobj.Dictionary:
		encDict = v
	case pdfobj.Reference:
		id := v.ID()
		encID = &id
		// objects read before authentication stay out of the shared cache
		plainCfg := cfg
		plainCfg.Cache = nil
		plain := newLoader(r, table, security.NoopHandler(), pipeline, plainCfg)
		obj, err := plain.Load(id)
		if err != nil {
			return nil, nil, fmt.Errorf("load encryption dictionary: %w", err)
		}
		encDict, _ = pdfobj.AsDict(obj)
	}
	if encDict == nil {
		return nil, nil, errors.New("malformed Encrypt entry in trailer")
	}
	handler, err := security.NewHandler(encDict, fileID(table.Trailer))
	if err != nil {
		return nil, nil, err
	}
	return handler, encID, nil
}

// fileID returns the first element of the trailer ID array, which seeds the
// encryption key derivation.
func fileID(trailer pdfobj.Dictionary) []byte {
	obj, ok := trailer.Get("ID")
	if !ok {
		return nil
	}
	arr, ok := pdfobj.AsArray(obj)
	if !ok || arr.Len() == 0 {
		return nil
	}
	first, _ := arr.Get(0)
	b, _ := pdfobj.AsString(first)
	return b
}

// isStructureObject reports objects that only describe the source file's
// physical layout.
func isStructureObject(obj pdfobj.Object) bool {
	if stream, ok := pdfobj.AsStream(obj); ok {
		typ, _ := pdfobj.DictGetName(nil, stream.Dictionary(), "Type")
		return typ == "ObjStm" || typ == "XRef"
	}
	if dict, ok := obj.(pdfobj.Dictionary); ok {
		_, lin := dict.Get("Linearized")
		return lin
	}
	return false
}

// headerVersion extracts the version from the %PDF-x.y header line.
func headerVersion(r io.ReaderAt) string {
	buf := make([]byte, 64)
	n, err := r.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return ""
	}
	line := string(buf[:n])
	for _, sep := range []string{"\r\n", "\n", "\r"} {
		if idx := strings.Index(line, sep); idx >= 0 {
			line = line[:idx]
			break
		}
	}
	if strings.HasPrefix(line, "%PDF-") && len(line) >= 8 {
		return strings.TrimSpace(line[5:])
	}
	return ""
}

var infoKeys = []string{"Title", "Author", "Subject", "Creator", "Producer", "Keywords"}

// infoMetadata collects the string-valued Info dictionary fields.
func infoMetadata(doc *pdfobj.Document) map[string]string {
	md := make(map[string]string)
	infoObj, ok := doc.Trailer.Get("Info")
	if !ok {
		return md
	}
	dict, ok := pdfobj.AsDict(doc.Resolve(infoObj))
	if !ok {
		return md
	}
	for _, k := range infoKeys {
		v, ok := dict.Get(k)
		if !ok {
			continue
		}
		if b, ok := pdfobj.AsString(doc.Resolve(v)); ok {
			md[k] = string(b)
		}
	}
	return md
}

func consultRecovery(rec recovery.Strategy, err error, objNum int) error {
	if rec == nil {
		return err
	}
	action := rec.OnError(err, recovery.Location{ObjectNum: objNum, Component: "parser"})
	if action == recovery.ActionFix || action == recovery.ActionSkip {
		return nil
	}
	return err
}
