package filters

import (
	"errors"
	"fmt"

	"github.com/RichardSlater/bromcom-timetamble-formatter/pdfobj"
)

// applyPredictor reverses the row predictor declared in DecodeParms.
// Predictor 1 (or no parms) is a no-op, 2 is TIFF horizontal differencing,
// 10-15 are the PNG filters with a per-row filter-type byte. Cross-reference
// streams almost always use PNG Up (12).
func applyPredictor(data []byte, params pdfobj.Dictionary) ([]byte, error) {
	if params == nil {
		return data, nil
	}
	predictor := dictInt(params, "Predictor", 1)
	if predictor <= 1 {
		return data, nil
	}
	colors := dictInt(params, "Colors", 1)
	bpc := dictInt(params, "BitsPerComponent", 8)
	columns := dictInt(params, "Columns", 1)
	if colors < 1 || columns < 1 || bpc < 1 {
		return nil, fmt.Errorf("predictor: invalid parms colors=%d bpc=%d columns=%d", colors, bpc, columns)
	}
	rowLen := (colors*bpc*columns + 7) / 8
	bpp := (colors*bpc + 7) / 8

	if predictor == 2 {
		if bpc != 8 {
			return nil, fmt.Errorf("predictor: TIFF predictor with %d bits per component not supported", bpc)
		}
		if len(data)%rowLen != 0 {
			return nil, errors.New("predictor: data is not a whole number of rows")
		}
		for r := 0; r < len(data); r += rowLen {
			row := data[r : r+rowLen]
			for i := bpp; i < len(row); i++ {
				row[i] += row[i-bpp]
			}
		}
		return data, nil
	}
	if predictor < 10 || predictor > 15 {
		return nil, fmt.Errorf("predictor: unsupported predictor %d", predictor)
	}

	if len(data)%(rowLen+1) != 0 {
		return nil, errors.New("predictor: data is not a whole number of rows")
	}
	rows := len(data) / (rowLen + 1)
	out := make([]byte, 0, rows*rowLen)
	prev := make([]byte, rowLen)
	for r := 0; r < rows; r++ {
		row := data[r*(rowLen+1) : (r+1)*(rowLen+1)]
		ft := row[0]
		cur := append([]byte(nil), row[1:]...)
		switch ft {
		case 0: // None
		case 1: // Sub
			for i := bpp; i < len(cur); i++ {
				cur[i] += cur[i-bpp]
			}
		case 2: // Up
			for i := range cur {
				cur[i] += prev[i]
			}
		case 3: // Average
			for i := range cur {
				left := 0
				if i >= bpp {
					left = int(cur[i-bpp])
				}
				cur[i] += byte((left + int(prev[i])) / 2)
			}
		case 4: // Paeth
			for i := range cur {
				var left, upLeft byte
				if i >= bpp {
					left = cur[i-bpp]
					upLeft = prev[i-bpp]
				}
				cur[i] += paeth(left, prev[i], upLeft)
			}
		default:
			return nil, fmt.Errorf("predictor: unknown PNG filter type %d", ft)
		}
		out = append(out, cur...)
		prev = cur
	}
	return out, nil
}

func paeth(a, b, c byte) byte {
	p := int(a) + int(b) - int(c)
	pa, pb, pc := abs(p-int(a)), abs(p-int(b)), abs(p-int(c))
	if pa <= pb && pa <= pc {
		return a
	}
	if pb <= pc {
		return b
	}
	return c
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func dictInt(d pdfobj.Dictionary, key string, def int) int {
	if v, ok := pdfobj.DictGetInt(nil, d, key); ok {
		return int(v)
	}
	return def
}
