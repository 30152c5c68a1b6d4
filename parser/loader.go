package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/RichardSlater/bromcom-timetamble-formatter/filters"
	"github.com/RichardSlater/bromcom-timetamble-formatter/observability"
	"github.com/RichardSlater/bromcom-timetamble-formatter/pdfobj"
	"github.com/RichardSlater/bromcom-timetamble-formatter/recovery"
	"github.com/RichardSlater/bromcom-timetamble-formatter/scanner"
	"github.com/RichardSlater/bromcom-timetamble-formatter/security"
	"github.com/RichardSlater/bromcom-timetamble-formatter/xref"
)

// Cache stores loaded objects keyed by object id. Implementations need not
// be safe for concurrent use; the loader serializes access.
type Cache interface {
	Get(id pdfobj.ObjectID) (pdfobj.Object, bool)
	Put(id pdfobj.ObjectID, obj pdfobj.Object)
}

type mapCache struct{ m map[pdfobj.ObjectID]pdfobj.Object }

func (c *mapCache) Get(id pdfobj.ObjectID) (pdfobj.Object, bool) {
	obj, ok := c.m[id]
	return obj, ok
}

func (c *mapCache) Put(id pdfobj.ObjectID, obj pdfobj.Object) {
	if c.m == nil {
		c.m = make(map[pdfobj.ObjectID]pdfobj.Object)
	}
	c.m[id] = obj
}

const defaultMaxDepth = 32

// loader reads indirect objects through the cross-reference table: top-level
// objects by byte offset, compressed objects by extracting their object
// stream. Strings and streams of encrypted documents are decrypted on load.
type loader struct {
	mu       sync.Mutex
	reader   io.ReaderAt
	table    *xref.Table
	sec      security.Handler
	pipeline *filters.Pipeline
	scan     scanner.Config
	rec      recovery.Strategy
	log      observability.Logger
	maxDepth int
	cache    Cache
	stms     map[int]*objStm
	// plain marks objects whose strings stay unencrypted, such as the
	// Encrypt dictionary itself.
	plain map[pdfobj.ObjectID]bool
}

// objStm is a decoded object stream: its payload plus the absolute offset of
// every object it carries.
type objStm struct {
	data  []byte
	byNum map[int]int64
}

func newLoader(r io.ReaderAt, table *xref.Table, sec security.Handler, pipeline *filters.Pipeline, cfg Config) *loader {
	scan := cfg.Scanner
	if scan.Recovery == nil {
		scan.Recovery = cfg.Recovery
	}
	maxDepth := cfg.MaxDepth
	if maxDepth <= 0 {
		maxDepth = defaultMaxDepth
	}
	cache := cfg.Cache
	if cache == nil {
		cache = &mapCache{}
	}
	log := cfg.Log
	if log == nil {
		log = observability.NopLogger{}
	}
	return &loader{
		reader:   r,
		table:    table,
		sec:      sec,
		pipeline: pipeline,
		scan:     scan,
		rec:      cfg.Recovery,
		log:      log,
		maxDepth: maxDepth,
		cache:    cache,
		stms:     make(map[int]*objStm),
		plain:    make(map[pdfobj.ObjectID]bool),
	}
}

// Load returns the object behind id. Objects missing from the table read as
// null, matching how viewers treat dangling references.
func (l *loader) Load(id pdfobj.ObjectID) (pdfobj.Object, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load(id, 0)
}

func (l *loader) load(id pdfobj.ObjectID, depth int) (pdfobj.Object, error) {
	if obj, ok := l.cache.Get(id); ok {
		return obj, nil
	}
	if depth > l.maxDepth {
		return nil, fmt.Errorf("indirect reference chain too deep at %s", id)
	}
	entry, ok := l.table.Lookup(id.Num)
	if !ok {
		return pdfobj.NullObj{}, nil
	}

	var obj pdfobj.Object
	var err error
	if entry.InStream {
		// already plaintext: the containing stream was decrypted whole
		obj, err = l.loadCompressed(id, entry, depth)
	} else {
		obj, err = l.loadAt(id, entry.Offset, depth)
		if err == nil && l.sec.IsEncrypted() && !l.plain[id] {
			obj, err = l.decryptLoaded(id, obj)
		}
	}
	if err != nil {
		return nil, err
	}
	l.cache.Put(id, obj)
	return obj, nil
}

// loadAt scans a top-level object: NUM GEN obj header, then one value.
func (l *loader) loadAt(id pdfobj.ObjectID, offset int64, depth int) (pdfobj.Object, error) {
	s := scanner.New(l.reader, l.scan)
	if err := s.Seek(offset); err != nil {
		return nil, fmt.Errorf("object %s: %w", id, err)
	}
	numTok, err := s.Next()
	if err != nil || numTok.Type != scanner.TokenNumber || !numTok.IsInt {
		return nil, fmt.Errorf("no object header at offset %d for %s", offset, id)
	}
	genTok, err := s.Next()
	if err != nil || genTok.Type != scanner.TokenNumber || !genTok.IsInt {
		return nil, fmt.Errorf("no object header at offset %d for %s", offset, id)
	}
	kwTok, err := s.Next()
	if err != nil || kwTok.Type != scanner.TokenKeyword || kwTok.Str != "obj" {
		return nil, fmt.Errorf("no object header at offset %d for %s", offset, id)
	}
	if int(numTok.Int) != id.Num {
		herr := fmt.Errorf("object header says %d at offset %d, table says %d", numTok.Int, offset, id.Num)
		if err := l.recover(herr, offset, id); err != nil {
			return nil, err
		}
	}
	s.SetObject(int(numTok.Int), int(genTok.Int))
	return l.parseValue(s, id, depth)
}

// loadCompressed extracts one object from its object stream.
func (l *loader) loadCompressed(id pdfobj.ObjectID, entry xref.Entry, depth int) (pdfobj.Object, error) {
	stm, err := l.objectStream(entry.StreamNum, depth)
	if err != nil {
		return nil, fmt.Errorf("object stream %d: %w", entry.StreamNum, err)
	}
	off, ok := stm.byNum[id.Num]
	if !ok {
		herr := fmt.Errorf("object %d not listed in object stream %d", id.Num, entry.StreamNum)
		if err := l.recover(herr, 0, id); err != nil {
			return nil, err
		}
		return pdfobj.NullObj{}, nil
	}
	s := scanner.New(bytes.NewReader(stm.data), l.scan)
	if err := s.Seek(off); err != nil {
		return nil, err
	}
	s.SetObject(id.Num, 0)
	return l.parseValue(s, id, depth)
}

// objectStream loads, decrypts, and decodes an object stream container once,
// then serves every member from the decoded payload.
func (l *loader) objectStream(num, depth int) (*objStm, error) {
	if stm, ok := l.stms[num]; ok {
		return stm, nil
	}
	if depth > l.maxDepth {
		return nil, errors.New("nested too deep")
	}
	entry, ok := l.table.Lookup(num)
	if !ok {
		return nil, errors.New("not in cross-reference table")
	}
	if entry.InStream {
		return nil, errors.New("recursively compressed")
	}
	obj, err := l.load(pdfobj.ObjectID{Num: num, Gen: entry.Gen}, depth+1)
	if err != nil {
		return nil, err
	}
	stream, ok := obj.(*pdfobj.StreamObj)
	if !ok {
		return nil, errors.New("not a stream")
	}
	data := stream.Data
	if names, params := filters.ExtractFilters(stream.Dict); len(names) > 0 {
		if data, err = l.pipeline.Decode(data, names, params); err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
	}
	n, okN := pdfobj.DictGetInt(nil, stream.Dict, "N")
	first, okF := pdfobj.DictGetInt(nil, stream.Dict, "First")
	if !okN || !okF || n <= 0 || first < 0 || first > int64(len(data)) {
		return nil, errors.New("header is malformed")
	}
	pairs, err := parseObjStmPairs(data[:first], int(n), l.scan)
	if err != nil {
		return nil, err
	}
	stm := &objStm{data: data, byNum: make(map[int]int64, len(pairs))}
	for objNum, rel := range pairs {
		abs := first + rel
		if rel < 0 || abs >= int64(len(data)) {
			continue
		}
		stm.byNum[objNum] = abs
	}
	l.stms[num] = stm
	return stm, nil
}

// parseObjStmPairs reads the n (number, offset) pairs that head an object
// stream payload. Offsets are relative to First.
func parseObjStmPairs(header []byte, n int, scan scanner.Config) (map[int]int64, error) {
	s := scanner.New(bytes.NewReader(header), scan)
	pairs := make(map[int]int64, n)
	for i := 0; i < n; i++ {
		numTok, err := s.Next()
		if err != nil || numTok.Type != scanner.TokenNumber || !numTok.IsInt {
			return nil, errors.New("header is malformed")
		}
		offTok, err := s.Next()
		if err != nil || offTok.Type != scanner.TokenNumber || !offTok.IsInt {
			return nil, errors.New("header is malformed")
		}
		if _, exists := pairs[int(numTok.Int)]; !exists {
			pairs[int(numTok.Int)] = offTok.Int
		}
	}
	return pairs, nil
}

// parseValue assembles one object from the token stream. Dictionaries
// followed by a stream keyword become stream objects; their Length entry is
// resolved first, through the table when indirect, so the scanner can slice
// the payload without searching.
func (l *loader) parseValue(s scanner.Scanner, id pdfobj.ObjectID, depth int) (pdfobj.Object, error) {
	tok, err := s.Next()
	if err != nil {
		return nil, fmt.Errorf("object %s truncated: %w", id, err)
	}
	switch tok.Type {
	case scanner.TokenDict:
		return l.parseDict(s, id, depth)
	case scanner.TokenArray:
		arr := pdfobj.NewArray()
		for {
			peek, err := s.Next()
			if err != nil {
				return nil, fmt.Errorf("array in %s truncated: %w", id, err)
			}
			if peek.Type == scanner.TokenArrayEnd {
				return arr, nil
			}
			s.Unread(peek)
			item, err := l.parseValue(s, id, depth)
			if err != nil {
				return nil, err
			}
			arr.Append(item)
		}
	case scanner.TokenName:
		return pdfobj.NewName(tok.Str), nil
	case scanner.TokenString:
		return pdfobj.StringObj{Bytes: tok.Bytes, Hex: tok.Hex}, nil
	case scanner.TokenNumber:
		if tok.IsInt {
			return pdfobj.NewInt(tok.Int), nil
		}
		return pdfobj.NewReal(tok.Real), nil
	case scanner.TokenRef:
		return pdfobj.NewRef(int(tok.Int), tok.Gen), nil
	case scanner.TokenBoolean:
		return pdfobj.NewBool(tok.Bool), nil
	case scanner.TokenNull:
		return pdfobj.NullObj{}, nil
	case scanner.TokenKeyword:
		if tok.Str == "endobj" {
			// object body missing altogether
			if err := l.recover(fmt.Errorf("object %s has no body", id), tok.Pos, id); err != nil {
				return nil, err
			}
			return pdfobj.NullObj{}, nil
		}
		return nil, fmt.Errorf("unexpected keyword %q in object %s at %d", tok.Str, id, tok.Pos)
	default:
		return nil, fmt.Errorf("unexpected token in object %s at %d", id, tok.Pos)
	}
}

func (l *loader) parseDict(s scanner.Scanner, id pdfobj.ObjectID, depth int) (pdfobj.Object, error) {
	dict := pdfobj.NewDict()
	for {
		keyTok, err := s.Next()
		if err != nil {
			return nil, fmt.Errorf("dictionary in %s truncated: %w", id, err)
		}
		if keyTok.Type == scanner.TokenDictEnd {
			break
		}
		if keyTok.Type == scanner.TokenKeyword && keyTok.Str == "endobj" {
			// producer closed the object with the dictionary still open
			if err := l.recover(fmt.Errorf("unterminated dictionary in %s", id), keyTok.Pos, id); err != nil {
				return nil, err
			}
			s.Unread(keyTok)
			return dict, nil
		}
		if keyTok.Type != scanner.TokenName {
			return nil, fmt.Errorf("dictionary key in %s is not a name at %d", id, keyTok.Pos)
		}
		val, err := l.parseValue(s, id, depth)
		if err != nil {
			return nil, err
		}
		dict.Set(keyTok.Str, val)
	}

	s.SetNextStreamLength(l.resolveStreamLength(dict, depth))
	peek, err := s.Next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return dict, nil
		}
		return nil, err
	}
	if peek.Type == scanner.TokenStream {
		return &pdfobj.StreamObj{Dict: dict, Data: peek.Bytes}, nil
	}
	s.SetNextStreamLength(-1)
	s.Unread(peek)
	return dict, nil
}

// resolveStreamLength returns the Length entry, loading it through the table
// when indirect. -1 means unknown; the scanner then locates endstream itself.
func (l *loader) resolveStreamLength(dict *pdfobj.DictObj, depth int) int64 {
	obj, ok := dict.Get("Length")
	if !ok {
		return -1
	}
	switch v := obj.(type) {
	case pdfobj.NumberObj:
		if v.IsInteger() && v.Int() >= 0 {
			return v.Int()
		}
	case pdfobj.RefObj:
		res, err := l.load(v.ID(), depth+1)
		if err != nil {
			l.log.Debug("indirect stream length unreadable", observability.String("object", v.ID().String()), observability.Error("err", err))
			return -1
		}
		if n, ok := pdfobj.AsInt(res); ok && n >= 0 {
			return n
		}
	}
	return -1
}

func (l *loader) decryptLoaded(id pdfobj.ObjectID, obj pdfobj.Object) (pdfobj.Object, error) {
	dec, err := l.decryptObject(id, obj)
	if err != nil {
		if rerr := l.recover(fmt.Errorf("decrypt object %s: %w", id, err), 0, id); rerr != nil {
			return nil, rerr
		}
		l.log.Warn("object left encrypted", observability.String("object", id.String()), observability.Error("err", err))
		return obj, nil
	}
	return dec, nil
}

// decryptObject walks strings and stream payloads. Compressed members never
// reach here; their container was decrypted before decoding.
func (l *loader) decryptObject(id pdfobj.ObjectID, obj pdfobj.Object) (pdfobj.Object, error) {
	switch v := obj.(type) {
	case pdfobj.StringObj:
		out, err := l.sec.Decrypt(id.Num, id.Gen, v.Bytes, security.DataClassString)
		if err != nil {
			return obj, err
		}
		return pdfobj.StringObj{Bytes: out, Hex: v.Hex}, nil
	case *pdfobj.ArrayObj:
		for i, item := range v.Items {
			dec, err := l.decryptObject(id, item)
			if err != nil {
				return obj, err
			}
			v.Items[i] = dec
		}
		return v, nil
	case *pdfobj.DictObj:
		for _, k := range v.Keys() {
			val, _ := v.Get(k)
			dec, err := l.decryptObject(id, val)
			if err != nil {
				return obj, err
			}
			v.Set(k, dec)
		}
		return v, nil
	case *pdfobj.StreamObj:
		if _, err := l.decryptObject(id, v.Dict); err != nil {
			return obj, err
		}
		if l.skipStreamDecrypt(v.Dict) {
			return v, nil
		}
		out, err := l.sec.DecryptWithFilter(id.Num, id.Gen, v.Data, security.DataClassStream, cryptFilterName(v.Dict))
		if err != nil {
			return obj, err
		}
		v.Data = out
		v.Dict.Set("Length", pdfobj.NewInt(int64(len(out))))
		return v, nil
	default:
		return obj, nil
	}
}

// skipStreamDecrypt covers the two stream classes the document key never
// touches: cross-reference streams, and XMP metadata when EncryptMetadata
// is false.
func (l *loader) skipStreamDecrypt(dict *pdfobj.DictObj) bool {
	typ, ok := pdfobj.DictGetName(nil, dict, "Type")
	if !ok {
		return false
	}
	if typ == "XRef" {
		return true
	}
	return typ == "Metadata" && !l.sec.EncryptMetadata()
}

// cryptFilterName returns the /Name parameter of a Crypt filter entry, or ""
// for the document default.
func cryptFilterName(dict *pdfobj.DictObj) string {
	names, params := filters.ExtractFilters(dict)
	for i, name := range names {
		if name != "Crypt" {
			continue
		}
		if i < len(params) && params[i] != nil {
			if n, ok := pdfobj.DictGetName(nil, params[i], "Name"); ok {
				return n
			}
		}
	}
	return ""
}

func (l *loader) recover(err error, pos int64, id pdfobj.ObjectID) error {
	if l.rec == nil {
		return err
	}
	action := l.rec.OnError(err, recovery.Location{
		ByteOffset: pos,
		ObjectNum:  id.Num,
		ObjectGen:  id.Gen,
		Component:  "parser",
	})
	if action == recovery.ActionFix || action == recovery.ActionSkip {
		return nil
	}
	return err
}
