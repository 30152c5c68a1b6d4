package writer

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/RichardSlater/bromcom-timetamble-formatter/pdfobj"
)

const hexDigits = "0123456789ABCDEF"

// serializeValue appends the body of one object to buf. Streams get their
// Length entry recomputed from the bytes they actually carry, so callers may
// swap stream payloads without bookkeeping.
func serializeValue(buf *bytes.Buffer, obj pdfobj.Object) {
	switch v := obj.(type) {
	case pdfobj.NameObj:
		writeName(buf, v.Val)
	case pdfobj.NumberObj:
		buf.WriteString(formatNumber(v))
	case pdfobj.BoolObj:
		if v.V {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case pdfobj.NullObj:
		buf.WriteString("null")
	case pdfobj.StringObj:
		writeString(buf, v)
	case *pdfobj.ArrayObj:
		buf.WriteByte('[')
		for i, item := range v.Items {
			if i > 0 {
				buf.WriteByte(' ')
			}
			serializeValue(buf, item)
		}
		buf.WriteByte(']')
	case *pdfobj.DictObj:
		writeDict(buf, v)
	case *pdfobj.StreamObj:
		v.Dict.Set("Length", pdfobj.NewInt(int64(len(v.Data))))
		writeDict(buf, v.Dict)
		buf.WriteString("\nstream\n")
		buf.Write(v.Data)
		buf.WriteString("\nendstream")
	case pdfobj.RefObj:
		fmt.Fprintf(buf, "%d %d R", v.Oid.Num, v.Oid.Gen)
	default:
		buf.WriteString("null")
	}
}

func writeDict(buf *bytes.Buffer, d *pdfobj.DictObj) {
	buf.WriteString("<<")
	for _, key := range d.Keys() {
		val, _ := d.Get(key)
		writeName(buf, key)
		buf.WriteByte(' ')
		serializeValue(buf, val)
	}
	buf.WriteString(">>")
}

// writeName emits a name with #xx escapes for delimiters, whitespace, the
// hash itself, and anything outside the printable ASCII range.
func writeName(buf *bytes.Buffer, name string) {
	buf.WriteByte('/')
	for i := 0; i < len(name); i++ {
		c := name[i]
		if nameByteNeedsEscape(c) {
			buf.WriteByte('#')
			buf.WriteByte(hexDigits[c>>4])
			buf.WriteByte(hexDigits[c&0xF])
		} else {
			buf.WriteByte(c)
		}
	}
}

func nameByteNeedsEscape(c byte) bool {
	if c <= ' ' || c > '~' {
		return true
	}
	switch c {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%', '#':
		return true
	}
	return false
}

// writeString emits hex strings in angle brackets and literal strings with
// backslash escapes. Bytes above 0x7F pass through unescaped; literal
// strings are 8-bit clean.
func writeString(buf *bytes.Buffer, s pdfobj.StringObj) {
	if s.Hex {
		buf.WriteByte('<')
		for _, b := range s.Bytes {
			buf.WriteByte(hexDigits[b>>4])
			buf.WriteByte(hexDigits[b&0xF])
		}
		buf.WriteByte('>')
		return
	}
	buf.WriteByte('(')
	for _, b := range s.Bytes {
		switch b {
		case '\\':
			buf.WriteString(`\\`)
		case '(':
			buf.WriteString(`\(`)
		case ')':
			buf.WriteString(`\)`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		default:
			if b < 0x20 || b == 0x7F {
				fmt.Fprintf(buf, `\%03o`, b)
			} else {
				buf.WriteByte(b)
			}
		}
	}
	buf.WriteByte(')')
}

// formatNumber renders reals in plain decimal notation; PDF does not allow
// exponents.
func formatNumber(n pdfobj.NumberObj) string {
	if n.IsInt {
		return strconv.FormatInt(n.I, 10)
	}
	return strconv.FormatFloat(n.F, 'f', -1, 64)
}
