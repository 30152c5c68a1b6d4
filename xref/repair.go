package xref

import (
	"bytes"
	"errors"
	"sort"
	"strconv"

	"github.com/RichardSlater/bromcom-timetamble-formatter/filters"
	"github.com/RichardSlater/bromcom-timetamble-formatter/observability"
	"github.com/RichardSlater/bromcom-timetamble-formatter/pdfobj"
	"github.com/RichardSlater/bromcom-timetamble-formatter/scanner"
)

// Object numbers above this are stream noise, not headers.
const maxObjectNumber = 1 << 23

const maxObjectStreamSize = 1 << 28

// Reconstruct rebuilds the table by scanning the whole file for object
// headers. Later definitions shadow earlier ones, matching incremental
// update order. The last trailer dictionary still readable supplies the
// document keys; when Root is lost the catalog is recovered by inspecting
// the objects themselves.
func Reconstruct(data []byte, cfg Config) (*Table, error) {
	log := cfg.Log
	if log == nil {
		log = observability.NopLogger{}
	}
	table := &Table{Entries: make(map[int]Entry), Trailer: pdfobj.NewDict()}

	scanObjectHeaders(data, table)
	if len(table.Entries) == 0 {
		return nil, errors.New("reconstruction found no objects")
	}
	log.Info("reconstructed object index", observability.Int("objects", len(table.Entries)))

	if trailer := lastTrailerDict(data); trailer != nil {
		table.mergeTrailer(trailer)
	}

	s := scanner.New(bytes.NewReader(data), scanner.Config{})
	stms := collectObjectStreams(s, table)
	containers := make([]int, 0, len(stms))
	for num := range stms {
		containers = append(containers, num)
	}
	sort.Ints(containers)
	for _, container := range containers {
		for idx, pair := range stms[container].pairs {
			if _, exists := table.Entries[pair[0]]; !exists {
				table.Entries[pair[0]] = Entry{InStream: true, StreamNum: container, StreamIdx: idx}
			}
		}
	}

	maxNum := 0
	for num := range table.Entries {
		if num > maxNum {
			maxNum = num
		}
	}
	table.Trailer.Set("Size", pdfobj.NewInt(int64(maxNum)+1))

	if _, ok := table.Trailer.Get("Root"); !ok {
		ref, ok := findCatalog(s, table, stms)
		if !ok {
			return nil, errors.New("reconstruction found no document catalog")
		}
		log.Warn("trailer lost, recovered catalog by object scan")
		table.Trailer.Set("Root", ref)
	}
	return table, nil
}

// scanObjectHeaders records every "N G obj" header. The scan runs forward,
// so later writes shadow earlier ones.
func scanObjectHeaders(data []byte, table *Table) {
	for i := 0; i+3 <= len(data); i++ {
		if data[i] != 'o' || data[i+1] != 'b' || data[i+2] != 'j' {
			continue
		}
		if i+3 < len(data) && !isWS(data[i+3]) && !isDelim(data[i+3]) {
			continue
		}
		num, gen, start, ok := headerBefore(data, i)
		if !ok {
			continue
		}
		table.Entries[num] = Entry{Offset: start, Gen: gen}
	}
}

// headerBefore walks backwards over "N G " from the obj keyword. Returns
// the object number, generation, and the header's byte offset.
func headerBefore(data []byte, objPos int) (num, gen int, start int64, ok bool) {
	j := objPos - 1
	end := j
	for j >= 0 && isWS(data[j]) {
		j--
	}
	if j == end {
		return 0, 0, 0, false
	}
	genEnd := j
	for j >= 0 && data[j] >= '0' && data[j] <= '9' {
		j--
	}
	if genEnd-j < 1 || genEnd-j > 5 {
		return 0, 0, 0, false
	}
	g, err := strconv.Atoi(string(data[j+1 : genEnd+1]))
	if err != nil || g > 65535 {
		return 0, 0, 0, false
	}
	end = j
	for j >= 0 && isWS(data[j]) {
		j--
	}
	if j == end {
		return 0, 0, 0, false
	}
	numEnd := j
	for j >= 0 && data[j] >= '0' && data[j] <= '9' {
		j--
	}
	if numEnd-j < 1 || numEnd-j > 9 {
		return 0, 0, 0, false
	}
	n, err := strconv.Atoi(string(data[j+1 : numEnd+1]))
	if err != nil || n <= 0 || n >= maxObjectNumber {
		return 0, 0, 0, false
	}
	if j >= 0 && !isWS(data[j]) && !isDelim(data[j]) {
		return 0, 0, 0, false
	}
	return n, g, int64(j + 1), true
}

func isDelim(c byte) bool {
	switch c {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}

// lastTrailerDict returns the dictionary after the final trailer keyword
// that still parses as one.
func lastTrailerDict(data []byte) pdfobj.Dictionary {
	var last pdfobj.Dictionary
	idx := 0
	for {
		rel := bytes.Index(data[idx:], []byte("trailer"))
		if rel < 0 {
			return last
		}
		after := idx + rel + len("trailer")
		idx = after
		s := scanner.New(bytes.NewReader(data), scanner.Config{})
		if err := s.Seek(int64(after)); err != nil {
			return last
		}
		obj, err := readValue(s)
		if err != nil {
			continue
		}
		if d, ok := obj.(pdfobj.Dictionary); ok {
			last = d
		}
	}
}

type objStm struct {
	first int
	data  []byte
	pairs [][2]int // object number, offset within data
	off   int64
}

// collectObjectStreams decodes every /Type /ObjStm container the header
// scan turned up, so compressed objects survive reconstruction too.
func collectObjectStreams(s scanner.Scanner, table *Table) map[int]*objStm {
	out := make(map[int]*objStm)
	for _, num := range table.Objects() {
		e := table.Entries[num]
		if e.InStream {
			continue
		}
		_, obj, err := readIndirectAt(s, e.Offset)
		if err != nil {
			continue
		}
		stream, ok := obj.(*pdfobj.StreamObj)
		if !ok {
			continue
		}
		if name, ok := pdfobj.DictGetName(nil, stream.Dict, "Type"); !ok || name != "ObjStm" {
			continue
		}
		n, okN := pdfobj.DictGetInt(nil, stream.Dict, "N")
		first, okF := pdfobj.DictGetInt(nil, stream.Dict, "First")
		if !okN || !okF || n <= 0 || first <= 0 {
			continue
		}
		names, params := filters.ExtractFilters(stream.Dict)
		pipe := filters.DefaultPipeline(filters.Limits{MaxDecompressedSize: maxObjectStreamSize})
		decoded, err := pipe.Decode(stream.Data, names, params)
		if err != nil || int64(len(decoded)) < first {
			continue
		}
		pairs, err := objStmPairs(decoded, int(n))
		if err != nil {
			continue
		}
		out[num] = &objStm{first: int(first), data: decoded, pairs: pairs, off: e.Offset}
	}
	return out
}

// objStmPairs reads the n (number, offset) integer pairs heading an object
// stream.
func objStmPairs(decoded []byte, n int) ([][2]int, error) {
	s := scanner.New(bytes.NewReader(decoded), scanner.Config{})
	pairs := make([][2]int, 0, n)
	for i := 0; i < n; i++ {
		numTok, err := s.Next()
		if err != nil || numTok.Type != scanner.TokenNumber || !numTok.IsInt {
			return nil, errors.New("object stream header is malformed")
		}
		offTok, err := s.Next()
		if err != nil || offTok.Type != scanner.TokenNumber || !offTok.IsInt {
			return nil, errors.New("object stream header is malformed")
		}
		pairs = append(pairs, [2]int{int(numTok.Int), int(offTok.Int)})
	}
	return pairs, nil
}

// findCatalog inspects every surviving object for /Type /Catalog, keeping
// the one written last.
func findCatalog(s scanner.Scanner, table *Table, stms map[int]*objStm) (pdfobj.Object, bool) {
	var best pdfobj.Object
	bestOff := int64(-1)
	for _, num := range table.Objects() {
		e := table.Entries[num]
		if e.InStream {
			stm, ok := stms[e.StreamNum]
			if !ok || e.StreamIdx >= len(stm.pairs) {
				continue
			}
			begin := stm.first + stm.pairs[e.StreamIdx][1]
			if begin >= len(stm.data) {
				continue
			}
			bs := scanner.New(bytes.NewReader(stm.data[begin:]), scanner.Config{})
			obj, err := readValue(bs)
			if err != nil {
				continue
			}
			if isCatalog(obj) && stm.off > bestOff {
				best = pdfobj.NewRef(num, 0)
				bestOff = stm.off
			}
			continue
		}
		_, obj, err := readIndirectAt(s, e.Offset)
		if err != nil {
			continue
		}
		if isCatalog(obj) && e.Offset > bestOff {
			best = pdfobj.NewRef(num, e.Gen)
			bestOff = e.Offset
		}
	}
	return best, best != nil
}

func isCatalog(obj pdfobj.Object) bool {
	d, ok := obj.(pdfobj.Dictionary)
	if !ok {
		return false
	}
	name, ok := pdfobj.DictGetName(nil, d, "Type")
	return ok && name == "Catalog"
}
