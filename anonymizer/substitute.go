package anonymizer

import (
	"bytes"
	"strings"
)

// passPair is one literal search and replace over raw bytes.
type passPair struct {
	search  []byte
	replace []byte
}

// entryPasses expands a mapping entry into its eight search/replace pairs:
// plain, cipher, hex, cipher-then-hex, then the same four with every space
// stripped from both sides. Hex needles are bracketless so a name also
// matches inside a longer hex literal.
func entryPasses(e Entry) []passPair {
	pairs := make([]passPair, 0, 8)
	appendForms := func(original, replacement string) {
		o, _ := EncodeLatin1(original)
		r, _ := EncodeLatin1(replacement)
		pairs = append(pairs,
			passPair{o, r},
			passPair{CipherEncode(o), CipherEncode(r)},
			passPair{bareHex(o), bareHex(r)},
			passPair{bareHex(CipherEncode(o)), bareHex(CipherEncode(r))},
		)
	}
	appendForms(e.Original, e.Replacement)
	appendForms(stripSpaces(e.Original), stripSpaces(e.Replacement))
	return pairs
}

func stripSpaces(s string) string { return strings.ReplaceAll(s, " ", "") }

// bareHex hex-encodes s and strips the wrapping angle brackets.
func bareHex(s []byte) []byte {
	h := HexEncode(s)
	return h[1 : len(h)-1]
}

// ApplyToContent rewrites one content stream's raw bytes, applying every
// mapping entry across all eight encoding passes. Each pass runs on the
// output of the previous one, but replacements are literal and applied once
// per pair, never iterated to a fixed point, so a replacement containing
// another entry's original text is not substituted again.
func ApplyToContent(data []byte, m *Mapping) []byte {
	out := data
	for _, e := range m.Entries() {
		for _, p := range entryPasses(e) {
			// An empty needle would match between every byte.
			if len(p.search) == 0 {
				continue
			}
			out = bytes.ReplaceAll(out, p.search, p.replace)
		}
	}
	return out
}

// ApplyToMetadata rewrites a metadata field value. Only the plain pass
// applies; Info fields never carry cipher or hex encodings.
func ApplyToMetadata(value string, m *Mapping) string {
	for _, e := range m.Entries() {
		if e.Original == "" {
			continue
		}
		value = strings.ReplaceAll(value, e.Original, e.Replacement)
	}
	return value
}
