package xref

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/RichardSlater/bromcom-timetamble-formatter/filters"
	"github.com/RichardSlater/bromcom-timetamble-formatter/pdfobj"
	"github.com/RichardSlater/bromcom-timetamble-formatter/scanner"
)

// Cross-reference streams are small; anything past this is damage.
const maxXrefStreamSize = 16 << 20

// parseStreamSection reads the cross-reference stream object at offset and
// merges its entries and trailer keys. Returns the Prev offset or -1.
func parseStreamSection(data []byte, offset int64, table *Table) (int64, error) {
	s := scanner.New(bytes.NewReader(data), scanner.Config{})
	_, obj, err := readIndirectAt(s, offset)
	if err != nil {
		return -1, fmt.Errorf("read xref stream: %w", err)
	}
	stream, ok := obj.(*pdfobj.StreamObj)
	if !ok {
		return -1, errors.New("xref offset does not point at a stream object")
	}
	dict := stream.Dict
	if name, ok := pdfobj.DictGetName(nil, dict, "Type"); ok && name != "XRef" {
		return -1, fmt.Errorf("unexpected stream type %q", name)
	}

	names, params := filters.ExtractFilters(dict)
	pipe := filters.DefaultPipeline(filters.Limits{MaxDecompressedSize: maxXrefStreamSize})
	decoded, err := pipe.Decode(stream.Data, names, params)
	if err != nil {
		return -1, fmt.Errorf("decode xref stream: %w", err)
	}

	size, ok := pdfobj.DictGetInt(nil, dict, "Size")
	if !ok {
		return -1, errors.New("xref stream has no Size")
	}

	w, err := fieldWidths(dict)
	if err != nil {
		return -1, err
	}
	rowLen := w[0] + w[1] + w[2]

	ranges, err := indexRanges(dict, size)
	if err != nil {
		return -1, err
	}

	pos := 0
	for _, rng := range ranges {
		for i := 0; i < rng[1]; i++ {
			if pos+rowLen > len(decoded) {
				return -1, errors.New("xref stream shorter than Index declares")
			}
			kind := readField(decoded[pos:], w[0], 1)
			f2 := readField(decoded[pos+w[0]:], w[1], 0)
			f3 := readField(decoded[pos+w[0]+w[1]:], w[2], 0)
			pos += rowLen

			num := rng[0] + i
			switch kind {
			case 1:
				table.addEntry(num, Entry{Offset: f2, Gen: int(f3)})
			case 2:
				table.addEntry(num, Entry{InStream: true, StreamNum: int(f2), StreamIdx: int(f3)})
			default:
				// type 0 and any unknown kind both read as free slots
				table.addEntry(num, Entry{Free: true})
			}
		}
	}

	table.mergeTrailer(dict)

	if prev, ok := pdfobj.DictGetInt(nil, dict, "Prev"); ok {
		return prev, nil
	}
	return -1, nil
}

func fieldWidths(dict pdfobj.Dictionary) ([3]int, error) {
	var w [3]int
	wObj, ok := dict.Get("W")
	if !ok {
		return w, errors.New("xref stream has no W array")
	}
	arr, ok := pdfobj.AsArray(wObj)
	if !ok || arr.Len() < 3 {
		return w, errors.New("xref stream W is not a three-element array")
	}
	total := 0
	for i := 0; i < 3; i++ {
		item, _ := arr.Get(i)
		n, ok := pdfobj.AsInt(item)
		if !ok || n < 0 || n > 8 {
			return w, errors.New("xref stream W holds an invalid width")
		}
		w[i] = int(n)
		total += int(n)
	}
	if total == 0 {
		return w, errors.New("xref stream W is all zero")
	}
	return w, nil
}

// indexRanges returns the (first, count) runs the stream covers. Absent an
// Index entry the stream covers [0, Size).
func indexRanges(dict pdfobj.Dictionary, size int64) ([][2]int, error) {
	idxObj, ok := dict.Get("Index")
	if !ok {
		return [][2]int{{0, int(size)}}, nil
	}
	arr, ok := pdfobj.AsArray(idxObj)
	if !ok || arr.Len()%2 != 0 {
		return nil, errors.New("xref stream Index is malformed")
	}
	var ranges [][2]int
	for i := 0; i < arr.Len(); i += 2 {
		firstObj, _ := arr.Get(i)
		countObj, _ := arr.Get(i + 1)
		first, ok1 := pdfobj.AsInt(firstObj)
		count, ok2 := pdfobj.AsInt(countObj)
		if !ok1 || !ok2 || first < 0 || count < 0 {
			return nil, errors.New("xref stream Index is malformed")
		}
		ranges = append(ranges, [2]int{int(first), int(count)})
	}
	return ranges, nil
}

// readField reads an n-byte big-endian unsigned value. Zero-width fields
// take the default.
func readField(b []byte, n int, def int64) int64 {
	if n == 0 {
		return def
	}
	var v int64
	for i := 0; i < n; i++ {
		v = v<<8 | int64(b[i])
	}
	return v
}
