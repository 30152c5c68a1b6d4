// Package xref resolves PDF cross-reference information: classic tables,
// cross-reference streams, hybrid files, and full-file reconstruction for
// documents whose tables are damaged.
package xref

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/RichardSlater/bromcom-timetamble-formatter/observability"
	"github.com/RichardSlater/bromcom-timetamble-formatter/pdfobj"
	"github.com/RichardSlater/bromcom-timetamble-formatter/recovery"
	"github.com/RichardSlater/bromcom-timetamble-formatter/scanner"
)

// Entry locates one indirect object. Type-1 entries carry a byte offset;
// type-2 entries point into an object stream. Free entries are recorded so
// newer sections can shadow older in-use ones.
type Entry struct {
	Offset    int64
	Gen       int
	InStream  bool
	StreamNum int
	StreamIdx int
	Free      bool
}

// Table is the merged cross-reference map plus the merged trailer
// dictionary. Newer sections win: the resolver walks from the last startxref
// backwards through Prev links and keeps the first entry seen per object.
type Table struct {
	Entries map[int]Entry
	Trailer pdfobj.Dictionary
}

func (t *Table) Lookup(num int) (Entry, bool) {
	e, ok := t.Entries[num]
	if !ok || e.Free {
		return Entry{}, false
	}
	return e, true
}

func (t *Table) Objects() []int {
	out := make([]int, 0, len(t.Entries))
	for k, e := range t.Entries {
		if !e.Free {
			out = append(out, k)
		}
	}
	sort.Ints(out)
	return out
}

func (t *Table) addEntry(num int, e Entry) {
	if _, exists := t.Entries[num]; !exists {
		t.Entries[num] = e
	}
}

func (t *Table) mergeTrailer(d pdfobj.Dictionary) {
	if d == nil {
		return
	}
	for _, k := range d.Keys() {
		if _, exists := t.Trailer.Get(k); !exists {
			v, _ := d.Get(k)
			t.Trailer.Set(k, v)
		}
	}
}

type Config struct {
	// MaxSections bounds the Prev chain walk. Zero means the default.
	MaxSections int
	Recovery    recovery.Strategy
	Log         observability.Logger
}

const defaultMaxSections = 64

// Resolve locates the last startxref and merges every reachable section.
// On structural failure it consults the recovery strategy; a Fix decision
// falls back to Reconstruct.
func Resolve(r io.ReaderAt, size int64, cfg Config) (*Table, error) {
	log := cfg.Log
	if log == nil {
		log = observability.NopLogger{}
	}
	data := readAll(r, size)
	if len(data) == 0 {
		return nil, errors.New("empty file")
	}

	table, err := resolveChain(data, cfg)
	if err == nil {
		return table, nil
	}
	if cfg.Recovery == nil {
		return nil, err
	}
	action := cfg.Recovery.OnError(err, recovery.Location{Component: "xref"})
	if action != recovery.ActionFix && action != recovery.ActionSkip {
		return nil, err
	}
	log.Warn("cross-reference damaged, reconstructing", observability.Error("err", err))
	return Reconstruct(data, cfg)
}

func resolveChain(data []byte, cfg Config) (*Table, error) {
	start, err := findStartXref(data)
	if err != nil {
		return nil, err
	}
	table := &Table{Entries: make(map[int]Entry), Trailer: pdfobj.NewDict()}

	maxSections := cfg.MaxSections
	if maxSections <= 0 {
		maxSections = defaultMaxSections
	}
	seen := make(map[int64]bool)
	offset := start
	for i := 0; i < maxSections && offset >= 0; i++ {
		if offset >= int64(len(data)) {
			return nil, fmt.Errorf("xref offset out of range: %d", offset)
		}
		if seen[offset] {
			break
		}
		seen[offset] = true

		var next, hybrid int64
		if classicSectionAt(data, offset) {
			next, hybrid, err = parseClassicSection(data, offset, table)
		} else {
			next, err = parseStreamSection(data, offset, table)
			hybrid = -1
		}
		if err != nil {
			return nil, err
		}
		// hybrid files hide stream-only objects behind XRefStm
		if hybrid > 0 && hybrid < int64(len(data)) && !seen[hybrid] {
			seen[hybrid] = true
			if _, err := parseStreamSection(data, hybrid, table); err != nil {
				return nil, fmt.Errorf("hybrid xref stream: %w", err)
			}
		}
		offset = next
	}
	if len(table.Entries) == 0 {
		return nil, errors.New("no cross-reference entries found")
	}
	return table, nil
}

// findStartXref parses the offset following the last startxref keyword.
func findStartXref(data []byte) (int64, error) {
	idx := bytes.LastIndex(data, []byte("startxref"))
	if idx < 0 {
		return 0, errors.New("startxref not found")
	}
	i := idx + len("startxref")
	for i < len(data) && isWS(data[i]) {
		i++
	}
	j := i
	for j < len(data) && data[j] >= '0' && data[j] <= '9' {
		j++
	}
	if j == i {
		return 0, errors.New("startxref not followed by an offset")
	}
	off, err := strconv.ParseInt(string(data[i:j]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse startxref offset: %w", err)
	}
	return off, nil
}

func classicSectionAt(data []byte, offset int64) bool {
	rest := data[offset:]
	for len(rest) > 0 && isWS(rest[0]) {
		rest = rest[1:]
	}
	return bytes.HasPrefix(rest, []byte("xref"))
}

// parseClassicSection reads subsections and entries after the xref keyword,
// then the trailer dictionary. Returns the Prev offset (or -1) and the
// XRefStm offset for hybrid files (or -1).
func parseClassicSection(data []byte, offset int64, table *Table) (int64, int64, error) {
	s := scanner.New(bytes.NewReader(data), scanner.Config{})
	if err := s.Seek(offset); err != nil {
		return -1, -1, err
	}
	tok, err := s.Next()
	if err != nil || tok.Type != scanner.TokenKeyword || tok.Str != "xref" {
		return -1, -1, errors.New("xref keyword not found at offset")
	}

	for {
		tok, err = s.Next()
		if err != nil {
			return -1, -1, fmt.Errorf("xref section truncated: %w", err)
		}
		if tok.Type == scanner.TokenKeyword && tok.Str == "trailer" {
			break
		}
		if tok.Type != scanner.TokenNumber || !tok.IsInt {
			return -1, -1, fmt.Errorf("invalid xref subsection header at %d", tok.Pos)
		}
		startObj := int(tok.Int)
		tok, err = s.Next()
		if err != nil || tok.Type != scanner.TokenNumber || !tok.IsInt {
			return -1, -1, errors.New("invalid xref subsection count")
		}
		count := int(tok.Int)
		for i := 0; i < count; i++ {
			offTok, err := s.Next()
			if err != nil || offTok.Type != scanner.TokenNumber {
				return -1, -1, errors.New("invalid xref entry offset")
			}
			genTok, err := s.Next()
			if err != nil || genTok.Type != scanner.TokenNumber {
				return -1, -1, errors.New("invalid xref entry generation")
			}
			kindTok, err := s.Next()
			if err != nil || kindTok.Type != scanner.TokenKeyword {
				return -1, -1, errors.New("invalid xref entry kind")
			}
			switch kindTok.Str {
			case "n":
				table.addEntry(startObj+i, Entry{Offset: offTok.Int, Gen: int(genTok.Int)})
			case "f":
				table.addEntry(startObj+i, Entry{Free: true})
			default:
				return -1, -1, fmt.Errorf("invalid xref entry kind %q", kindTok.Str)
			}
		}
	}

	trailer, err := readValue(s)
	if err != nil {
		return -1, -1, fmt.Errorf("parse trailer: %w", err)
	}
	dict, ok := trailer.(pdfobj.Dictionary)
	if !ok {
		return -1, -1, errors.New("trailer is not a dictionary")
	}
	table.mergeTrailer(dict)

	prev := int64(-1)
	if v, ok := pdfobj.DictGetInt(nil, dict, "Prev"); ok {
		prev = v
	}
	hybrid := int64(-1)
	if v, ok := pdfobj.DictGetInt(nil, dict, "XRefStm"); ok {
		hybrid = v
	}
	return prev, hybrid, nil
}

func isWS(c byte) bool {
	return c == 0x00 || c == 0x09 || c == 0x0A || c == 0x0C || c == 0x0D || c == 0x20
}

func readAll(r io.ReaderAt, size int64) []byte {
	if size > 0 {
		buf := make([]byte, size)
		n, _ := r.ReadAt(buf, 0)
		return buf[:n]
	}
	var buf bytes.Buffer
	const chunk = int64(32 * 1024)
	for off := int64(0); ; off += chunk {
		tmp := make([]byte, chunk)
		n, err := r.ReadAt(tmp, off)
		if n > 0 {
			buf.Write(tmp[:n])
		}
		if err != nil || int64(n) < chunk {
			break
		}
	}
	return buf.Bytes()
}
