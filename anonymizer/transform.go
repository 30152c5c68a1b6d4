package anonymizer

import "strconv"

// cipherOffset is the fixed displacement the timetable exporter applies to
// every character code before writing text operands.
const cipherOffset = 29

const hexDigits = "0123456789ABCDEF"

// CipherEncode shifts every byte down by the fixed offset, wrapping modulo
// 256. This is the form shifted text takes inside content streams.
func CipherEncode(s []byte) []byte {
	out := make([]byte, len(s))
	for i, c := range s {
		out[i] = c - cipherOffset
	}
	return out
}

// CipherDecode shifts every byte up by the fixed offset, wrapping modulo
// 256. Exact inverse of CipherEncode over the whole byte domain.
func CipherDecode(s []byte) []byte {
	out := make([]byte, len(s))
	for i, c := range s {
		out[i] = c + cipherOffset
	}
	return out
}

// HexEncode renders s as a hex string literal, each byte as exactly four
// uppercase digits: "Mr" becomes "<004D0072>".
func HexEncode(s []byte) []byte {
	out := make([]byte, 0, 4*len(s)+2)
	out = append(out, '<')
	for _, c := range s {
		out = append(out, '0', '0', hexDigits[c>>4], hexDigits[c&0x0F])
	}
	out = append(out, '>')
	return out
}

// HexDecode reads four-digit groups back into bytes, tolerating a wrapping
// angle-bracket pair. The stride is fixed at four: groups that are malformed
// or decode outside [1,255] are skipped without shifting later groups, and
// an incomplete trailing group is ignored. Lossiness is fine here because
// decoded runs feed detection, never output.
func HexDecode(s []byte) []byte {
	if len(s) > 0 && s[0] == '<' {
		s = s[1:]
	}
	if len(s) > 0 && s[len(s)-1] == '>' {
		s = s[:len(s)-1]
	}
	out := make([]byte, 0, len(s)/4)
	for i := 0; i+4 <= len(s); i += 4 {
		v, err := strconv.ParseUint(string(s[i:i+4]), 16, 16)
		if err != nil || v == 0 || v > 0xFF {
			continue
		}
		out = append(out, byte(v))
	}
	return out
}

// DecodeLatin1 maps each byte to the rune with the same code point. Every
// byte value decodes, so the conversion is total.
func DecodeLatin1(s []byte) string {
	buf := make([]rune, len(s))
	for i, c := range s {
		buf[i] = rune(c)
	}
	return string(buf)
}

// EncodeLatin1 is the best-effort inverse: runes above 0xFF have no
// single-byte form and are dropped. It returns the encoded bytes and the
// number of runes dropped.
func EncodeLatin1(s string) ([]byte, int) {
	out := make([]byte, 0, len(s))
	dropped := 0
	for _, r := range s {
		if r > 0xFF {
			dropped++
			continue
		}
		out = append(out, byte(r))
	}
	return out, dropped
}
