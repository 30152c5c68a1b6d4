package xref

import (
	"errors"
	"fmt"

	"github.com/RichardSlater/bromcom-timetamble-formatter/pdfobj"
	"github.com/RichardSlater/bromcom-timetamble-formatter/scanner"
)

// A compact token-to-object reader, sufficient for trailer dictionaries and
// cross-reference stream objects. The parser package has the full-featured
// loader; this one exists so xref resolution has no dependency on it.

// readIndirectAt reads the "N G obj ... endobj" construct at offset.
func readIndirectAt(s scanner.Scanner, offset int64) (pdfobj.ObjectID, pdfobj.Object, error) {
	if err := s.Seek(offset); err != nil {
		return pdfobj.ObjectID{}, nil, err
	}
	numTok, err := s.Next()
	if err != nil || numTok.Type != scanner.TokenNumber || !numTok.IsInt {
		return pdfobj.ObjectID{}, nil, fmt.Errorf("no object header at offset %d", offset)
	}
	genTok, err := s.Next()
	if err != nil || genTok.Type != scanner.TokenNumber || !genTok.IsInt {
		return pdfobj.ObjectID{}, nil, fmt.Errorf("no object generation at offset %d", offset)
	}
	kwTok, err := s.Next()
	if err != nil || kwTok.Type != scanner.TokenKeyword || kwTok.Str != "obj" {
		return pdfobj.ObjectID{}, nil, fmt.Errorf("obj keyword missing at offset %d", offset)
	}
	id := pdfobj.ObjectID{Num: int(numTok.Int), Gen: int(genTok.Int)}
	s.SetObject(id.Num, id.Gen)
	body, err := readValue(s)
	if err != nil {
		return id, nil, err
	}
	return id, body, nil
}

// readValue reads one object. After a dictionary it peeks for a stream
// payload; the Length entry, when direct, is passed to the scanner as a
// hint.
func readValue(s scanner.Scanner) (pdfobj.Object, error) {
	tok, err := s.Next()
	if err != nil {
		return nil, err
	}
	switch tok.Type {
	case scanner.TokenDict:
		dict := pdfobj.NewDict()
		for {
			keyTok, err := s.Next()
			if err != nil {
				return nil, err
			}
			if keyTok.Type == scanner.TokenDictEnd {
				break
			}
			if keyTok.Type != scanner.TokenName {
				return nil, fmt.Errorf("dictionary key is not a name at %d", keyTok.Pos)
			}
			val, err := readValue(s)
			if err != nil {
				return nil, err
			}
			dict.Set(keyTok.Str, val)
		}
		if n, ok := pdfobj.DictGetInt(nil, dict, "Length"); ok {
			s.SetNextStreamLength(n)
		}
		peek, err := s.Next()
		if err != nil {
			s.SetNextStreamLength(-1)
			return dict, nil
		}
		if peek.Type == scanner.TokenStream {
			return &pdfobj.StreamObj{Dict: dict, Data: peek.Bytes}, nil
		}
		s.SetNextStreamLength(-1)
		s.Unread(peek)
		return dict, nil
	case scanner.TokenArray:
		arr := pdfobj.NewArray()
		for {
			peek, err := s.Next()
			if err != nil {
				return nil, err
			}
			if peek.Type == scanner.TokenArrayEnd {
				return arr, nil
			}
			s.Unread(peek)
			item, err := readValue(s)
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
	default:
		return nil, errors.New("unexpected token " + tok.Str)
	}
}
