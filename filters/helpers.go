package filters

import "github.com/RichardSlater/bromcom-timetamble-formatter/pdfobj"

// ExtractFilters reads the Filter and DecodeParms entries from a stream
// dictionary. Indirect values must be resolved by the caller beforehand.
func ExtractFilters(dict pdfobj.Dictionary) ([]string, []pdfobj.Dictionary) {
	var names []string
	var params []pdfobj.Dictionary

	filterObj, ok := dict.Get("Filter")
	if !ok {
		return names, params
	}

	switch f := filterObj.(type) {
	case pdfobj.Name:
		names = append(names, f.Value())
	case pdfobj.Array:
		for i := 0; i < f.Len(); i++ {
			item, _ := f.Get(i)
			if n, ok := item.(pdfobj.Name); ok {
				names = append(names, n.Value())
			}
		}
	}
	if len(names) == 0 {
		return names, params
	}

	parmsObj, ok := dict.Get("DecodeParms")
	if !ok {
		parmsObj, ok = dict.Get("DP")
	}
	if !ok {
		return names, params
	}
	switch p := parmsObj.(type) {
	case pdfobj.Dictionary:
		params = append(params, p)
	case pdfobj.Array:
		for i := 0; i < p.Len(); i++ {
			item, _ := p.Get(i)
			if d, ok := item.(pdfobj.Dictionary); ok {
				params = append(params, d)
			} else {
				params = append(params, nil)
			}
		}
	}
	return names, params
}
