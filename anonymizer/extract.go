package anonymizer

import (
	"bytes"
	"regexp"
	"strings"
)

// hexRunPattern finds hex string literals in raw content; the capture
// excludes the brackets.
var hexRunPattern = regexp.MustCompile(`<([0-9A-Fa-f]+)>`)

// BuildCorpus merges every textual view of the content streams into one
// detection corpus: the plain text of all streams newline-joined, the
// cipher-decoded form of the whole, and the cipher-decoded contents of
// every hex literal. Most of the corpus is operator noise; that is fine
// because the detection patterns are narrow, and a name stored in any of
// the encodings surfaces in at least one view.
func BuildCorpus(streams [][]byte) string {
	raw := bytes.Join(streams, []byte{'\n'})

	views := []string{
		DecodeLatin1(raw),
		DecodeLatin1(CipherDecode(raw)),
	}
	for _, match := range hexRunPattern.FindAllSubmatch(raw, -1) {
		views = append(views, DecodeLatin1(CipherDecode(HexDecode(match[1]))))
	}
	return strings.Join(views, "\n")
}
