package parser

import (
	"errors"
	"fmt"

	"github.com/RichardSlater/bromcom-timetamble-formatter/filters"
	"github.com/RichardSlater/bromcom-timetamble-formatter/observability"
	"github.com/RichardSlater/bromcom-timetamble-formatter/pdfobj"
	"github.com/RichardSlater/bromcom-timetamble-formatter/recovery"
)

// Page is one leaf of the page tree. The attribute fields hold the page's
// own values when present, otherwise the nearest ancestor's.
type Page struct {
	ID        pdfobj.ObjectID
	Dict      pdfobj.Dictionary
	Resources pdfobj.Object
	MediaBox  pdfobj.Object
	CropBox   pdfobj.Object
	Rotate    int64
	Contents  []*ContentStream
}

// ContentStream pairs a page content stream with its decoded bytes. Stream
// points at the same object the document set holds, so writing new data back
// through it is visible to the writer. Pages referencing the same stream
// object share one ContentStream.
type ContentStream struct {
	// ID is zero for streams embedded directly in the page dictionary.
	ID     pdfobj.ObjectID
	Stream pdfobj.Stream
	Data   []byte
	// Filtered records that Data was decoded from a filter chain, so a
	// rewrite should recompress rather than store plain bytes.
	Filtered bool
}

const maxPageTreeDepth = 64

// inherited carries the four attributes the tree propagates down to leaves.
type inherited struct {
	resources pdfobj.Object
	mediaBox  pdfobj.Object
	cropBox   pdfobj.Object
	rotate    pdfobj.Object
}

type pageWalker struct {
	doc      *pdfobj.Document
	pipeline *filters.Pipeline
	rec      recovery.Strategy
	log      observability.Logger
	seen     map[pdfobj.ObjectID]bool
	streams  map[pdfobj.ObjectID]*ContentStream
	pages    []*Page
}

// collectPages walks Root -> Pages -> Kids and returns the leaves in
// document order.
func collectPages(doc *pdfobj.Document, pipeline *filters.Pipeline, rec recovery.Strategy, log observability.Logger) ([]*Page, error) {
	rootObj, ok := doc.Trailer.Get("Root")
	if !ok {
		return nil, errors.New("trailer has no Root entry")
	}
	catalog, ok := pdfobj.AsDict(doc.Resolve(rootObj))
	if !ok {
		return nil, errors.New("document catalog is missing")
	}
	pagesObj, ok := catalog.Get("Pages")
	if !ok {
		return nil, errors.New("catalog has no page tree")
	}

	w := &pageWalker{
		doc:      doc,
		pipeline: pipeline,
		rec:      rec,
		log:      log,
		seen:     make(map[pdfobj.ObjectID]bool),
		streams:  make(map[pdfobj.ObjectID]*ContentStream),
	}
	if err := w.walk(pagesObj, inherited{}, 0); err != nil {
		return nil, err
	}
	if len(w.pages) == 0 {
		return nil, errors.New("document has no pages")
	}
	return w.pages, nil
}

func (w *pageWalker) walk(node pdfobj.Object, inh inherited, depth int) error {
	if depth > maxPageTreeDepth {
		return errors.New("page tree too deep")
	}
	var id pdfobj.ObjectID
	if ref, ok := node.(pdfobj.Reference); ok {
		id = ref.ID()
		if w.seen[id] {
			return nil
		}
		w.seen[id] = true
	}
	dict, ok := pdfobj.AsDict(w.doc.Resolve(node))
	if !ok {
		return w.recover(errors.New("page tree node is not a dictionary"), id)
	}

	if v, ok := dict.Get("Resources"); ok {
		inh.resources = v
	}
	if v, ok := dict.Get("MediaBox"); ok {
		inh.mediaBox = v
	}
	if v, ok := dict.Get("CropBox"); ok {
		inh.cropBox = v
	}
	if v, ok := dict.Get("Rotate"); ok {
		inh.rotate = v
	}

	typ, _ := pdfobj.DictGetName(w.doc, dict, "Type")
	kidsObj, hasKids := dict.Get("Kids")
	if typ == "Pages" || (typ == "" && hasKids) {
		kids, ok := pdfobj.AsArray(w.doc.Resolve(kidsObj))
		if !ok {
			return w.recover(errors.New("Kids is not an array"), id)
		}
		for i := 0; i < kids.Len(); i++ {
			kid, _ := kids.Get(i)
			if err := w.walk(kid, inh, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	if typ != "" && typ != "Page" {
		return w.recover(fmt.Errorf("unexpected node type %s in page tree", typ), id)
	}

	page := &Page{
		ID:        id,
		Dict:      dict,
		Resources: inh.resources,
		MediaBox:  inh.mediaBox,
		CropBox:   inh.cropBox,
		Rotate:    rotateValue(w.doc, inh.rotate),
	}
	if err := w.attachContents(page, dict); err != nil {
		return err
	}
	w.pages = append(w.pages, page)
	return nil
}

// attachContents resolves the page's Contents entry: a single stream or an
// array of streams, each decoded through the filter pipeline.
func (w *pageWalker) attachContents(page *Page, dict pdfobj.Dictionary) error {
	obj, ok := dict.Get("Contents")
	if !ok {
		return nil
	}
	switch resolved := w.doc.Resolve(obj).(type) {
	case pdfobj.Stream:
		cs, err := w.contentStream(refID(obj), resolved)
		if err != nil {
			return err
		}
		page.Contents = append(page.Contents, cs)
	case pdfobj.Array:
		for i := 0; i < resolved.Len(); i++ {
			item, _ := resolved.Get(i)
			stream, ok := pdfobj.AsStream(w.doc.Resolve(item))
			if !ok {
				if err := w.recover(fmt.Errorf("content entry %d is not a stream", i), page.ID); err != nil {
					return err
				}
				continue
			}
			cs, err := w.contentStream(refID(item), stream)
			if err != nil {
				return err
			}
			page.Contents = append(page.Contents, cs)
		}
	default:
		return w.recover(errors.New("Contents is neither stream nor array"), page.ID)
	}
	return nil
}

func (w *pageWalker) contentStream(id pdfobj.ObjectID, stream pdfobj.Stream) (*ContentStream, error) {
	if id != (pdfobj.ObjectID{}) {
		if cs, ok := w.streams[id]; ok {
			return cs, nil
		}
	}
	data := stream.RawData()
	filtered := false
	if names, params := streamFilters(w.doc, stream.Dictionary()); len(names) > 0 {
		decoded, err := w.pipeline.Decode(data, names, params)
		switch {
		case err == nil:
			data = decoded
			filtered = true
		case errors.Is(err, filters.ErrUnknownFilter):
			// opaque stream: keep the stored bytes and process those
			w.log.Warn("content stream uses an unsupported filter",
				observability.String("object", id.String()),
				observability.Error("err", err))
		default:
			if rerr := w.recover(fmt.Errorf("decode content stream %s: %w", id, err), id); rerr != nil {
				return nil, rerr
			}
			w.log.Warn("content stream damaged, keeping stored bytes",
				observability.String("object", id.String()),
				observability.Error("err", err))
		}
	}
	cs := &ContentStream{ID: id, Stream: stream, Data: data, Filtered: filtered}
	if id != (pdfobj.ObjectID{}) {
		w.streams[id] = cs
	}
	return cs, nil
}

// streamFilters resolves Filter and DecodeParms one level of indirection
// deep before extraction.
func streamFilters(doc *pdfobj.Document, dict pdfobj.Dictionary) ([]string, []pdfobj.Dictionary) {
	shadow := pdfobj.NewDict()
	if v, ok := dict.Get("Filter"); ok {
		shadow.Set("Filter", doc.Resolve(v))
	}
	if v, ok := dict.Get("DecodeParms"); ok {
		shadow.Set("DecodeParms", doc.Resolve(v))
	} else if v, ok := dict.Get("DP"); ok {
		shadow.Set("DP", doc.Resolve(v))
	}
	return filters.ExtractFilters(shadow)
}

func refID(obj pdfobj.Object) pdfobj.ObjectID {
	if ref, ok := obj.(pdfobj.Reference); ok {
		return ref.ID()
	}
	return pdfobj.ObjectID{}
}

func rotateValue(doc *pdfobj.Document, obj pdfobj.Object) int64 {
	if obj == nil {
		return 0
	}
	if n, ok := pdfobj.AsInt(doc.Resolve(obj)); ok {
		r := n % 360
		if r < 0 {
			r += 360
		}
		return r
	}
	return 0
}

func (w *pageWalker) recover(err error, id pdfobj.ObjectID) error {
	if w.rec == nil {
		return err
	}
	action := w.rec.OnError(err, recovery.Location{
		ObjectNum: id.Num,
		ObjectGen: id.Gen,
		Component: "parser:pages",
	})
	if action == recovery.ActionFix || action == recovery.ActionSkip {
		return nil
	}
	return err
}
