// Package anonymizer replaces detected teacher and student names and form
// codes in PDF content streams with fictional, length-matched stand-ins.
// Replacements are applied across every encoding the timetable export uses
// for text: plain bytes, the fixed character offset, hex literals, and
// offset-then-hex, with and without internal spaces. Matching lengths keep
// glyph positioning intact, so the sanitized document renders exactly like
// the original.
package anonymizer

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/RichardSlater/bromcom-timetamble-formatter/document"
	"github.com/RichardSlater/bromcom-timetamble-formatter/observability"
	"github.com/RichardSlater/bromcom-timetamble-formatter/pdfobj"
)

// metadataFields are the Info keys the plain-text pass rewrites.
var metadataFields = []string{"Author", "Title", "Subject", "Creator"}

// Options configure one run.
type Options struct {
	// Workers bounds how many pages are rewritten concurrently. Zero
	// selects GOMAXPROCS; one restores fully sequential substitution.
	Workers int
	Log     observability.Logger
}

// Report summarizes one run.
type Report struct {
	// Entries is the final replacement mapping in first-detection order.
	Entries []Entry
	// Pages and Streams count what was scanned.
	Pages   int
	Streams int
	// MetadataFields lists the Info keys whose values changed.
	MetadataFields []string
}

// Anonymize builds the detection corpus from every page's content streams,
// generates the replacement mapping, then rewrites all pages and the Info
// metadata in place. Detection and generation are strictly sequential
// because the used-name registry is shared mutable state; page rewriting
// runs on a bounded worker pool because the mapping is frozen by then. The
// caller still owns saving the document afterwards.
func Anonymize(ctx context.Context, doc *document.Document, opts Options) (*Report, error) {
	log := opts.Log
	if log == nil {
		log = observability.NopLogger{}
	}

	pages := doc.Pages()
	var streams [][]byte
	for _, page := range pages {
		streams = append(streams, page.ContentStreams()...)
	}

	corpus := BuildCorpus(streams)
	mapping := Detect(corpus, NewSession())
	log.Info("detection complete",
		observability.Int("pages", len(pages)),
		observability.Int("streams", len(streams)),
		observability.Int("entries", mapping.Len()))

	report := &Report{
		Entries: mapping.Entries(),
		Pages:   len(pages),
		Streams: len(streams),
	}
	if mapping.Len() == 0 {
		return report, nil
	}

	if err := rewritePages(ctx, pages, mapping, workerCount(opts.Workers), log); err != nil {
		return nil, err
	}

	meta := doc.Metadata()
	for _, key := range metadataFields {
		value, ok := meta[key]
		if !ok {
			continue
		}
		if rewritten := ApplyToMetadata(value, mapping); rewritten != value {
			doc.SetMetadataField(key, rewritten)
			report.MetadataFields = append(report.MetadataFields, key)
		}
	}
	return report, nil
}

func workerCount(n int) int {
	if n == 0 {
		n = runtime.GOMAXPROCS(0)
	}
	if n < 1 {
		n = 1
	}
	return n
}

// rewritePages applies the mapping to every page's content concurrently.
// Pages can share a content stream object; the first page to claim a
// stream's identity rewrites it, so no stream is touched by two workers.
func rewritePages(ctx context.Context, pages []*document.Page, m *Mapping, workers int, log observability.Logger) error {
	type task struct {
		index int
		page  *document.Page
		subs  []int
	}

	claimed := make(map[pdfobj.ObjectID]bool)
	var tasks []task
	for i, page := range pages {
		var subs []int
		for j, id := range page.StreamIDs() {
			if id != (pdfobj.ObjectID{}) {
				if claimed[id] {
					continue
				}
				claimed[id] = true
			}
			subs = append(subs, j)
		}
		if len(subs) > 0 {
			tasks = append(tasks, task{index: i, page: page, subs: subs})
		}
	}
	if len(tasks) == 0 {
		return nil
	}

	// Buffered channel as a counting semaphore; results sized so every
	// worker can finish its send even if collection stops early.
	sem := make(chan struct{}, workers)
	type result struct {
		index int
		err   error
	}
	results := make(chan result, len(tasks))

	var wg sync.WaitGroup
	for _, t := range tasks {
		wg.Add(1)
		go func(t task) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				results <- result{index: t.index, err: ctx.Err()}
				return
			}
			defer func() { <-sem }()

			select {
			case <-ctx.Done():
				results <- result{index: t.index, err: ctx.Err()}
				return
			default:
			}

			data := t.page.ContentStreams()
			for _, j := range t.subs {
				if err := t.page.SetContentStream(j, ApplyToContent(data[j], m)); err != nil {
					results <- result{index: t.index, err: fmt.Errorf("rewrite page %d: %w", t.index+1, err)}
					return
				}
			}
			results <- result{index: t.index}
		}(t)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	for res := range results {
		if res.err != nil {
			return res.err
		}
		log.Debug("page rewritten", observability.Int("page", res.index+1))
	}
	return nil
}
