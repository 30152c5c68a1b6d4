// Package scanner tokenizes PDF file structure: names, numbers, strings,
// dictionary and array delimiters, keywords, and stream payloads. Content
// streams are carried as opaque bytes and never tokenized here.
package scanner

import (
	"bytes"
	"errors"
	"io"
	"strconv"

	"github.com/RichardSlater/bromcom-timetamble-formatter/recovery"
)

type TokenType int

const (
	TokenDict    TokenType = iota // '<<'
	TokenDictEnd                  // '>>'
	TokenArray                    // '['
	TokenArrayEnd                 // ']'
	TokenName                     // '/Name'
	TokenString                   // literal or hex string
	TokenNumber                   // numeric value
	TokenBoolean                  // true/false
	TokenNull                     // null
	TokenRef                      // indirect ref '5 0 R'
	TokenStream                   // payload following the 'stream' keyword
	TokenKeyword                  // obj, endobj, xref, trailer, startxref, ...
)

// Token carries the decoded value in the field matching its type: Str for
// names and keywords, Bytes for strings and stream payloads, Int/Real for
// numbers, Int+Gen for references.
type Token struct {
	Type  TokenType
	Pos   int64
	Str   string
	Bytes []byte
	Int   int64
	Gen   int
	Real  float64
	IsInt bool
	Bool  bool
	Hex   bool
}

type Scanner interface {
	Next() (Token, error)
	Unread(tok Token)
	Position() int64
	Seek(offset int64) error
	SetNextStreamLength(n int64)
	SetObject(num, gen int)
}

type Config struct {
	MaxStringLength int64
	MaxArrayDepth   int
	MaxDictDepth    int
	MaxStreamLength int64
	MaxStreamScan   int64
	WindowSize      int64
	Recovery        recovery.Strategy
}

// pdfScanner incrementally buffers data from a ReaderAt in fixed-size
// windows, so damaged length entries cannot force reading the whole file up
// front.
type pdfScanner struct {
	reader        io.ReaderAt
	data          []byte
	pos           int64
	cfg           Config
	nextStreamLen int64
	chunkSize     int64
	eof           bool
	arrayDepth    int
	dictDepth     int
	objNum        int
	objGen        int
	pushed        *Token
}

func New(r io.ReaderAt, cfg Config) Scanner {
	chunk := cfg.WindowSize
	if chunk <= 0 {
		chunk = 64 * 1024
	}
	return &pdfScanner{reader: r, cfg: cfg, nextStreamLen: -1, chunkSize: chunk}
}

func (s *pdfScanner) Position() int64 { return s.pos }

func (s *pdfScanner) Seek(offset int64) error {
	if offset < 0 {
		return errors.New("seek out of range")
	}
	if err := s.ensure(offset); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if offset > int64(len(s.data)) {
		return errors.New("seek out of range")
	}
	s.pos = offset
	s.pushed = nil
	s.arrayDepth = 0
	s.dictDepth = 0
	return nil
}

func (s *pdfScanner) SetNextStreamLength(n int64) { s.nextStreamLen = n }

// SetObject tags subsequent recovery reports with the indirect object being
// scanned.
func (s *pdfScanner) SetObject(num, gen int) {
	s.objNum = num
	s.objGen = gen
}

func (s *pdfScanner) Unread(tok Token) { s.pushed = &tok }

func (s *pdfScanner) Next() (Token, error) {
	if s.pushed != nil {
		tok := *s.pushed
		s.pushed = nil
		return tok, nil
	}
	if err := s.skipWSAndComments(); err != nil {
		return Token{}, err
	}
	if err := s.ensure(s.pos); err != nil && !errors.Is(err, io.EOF) {
		return Token{}, err
	}
	if s.pos >= int64(len(s.data)) {
		return Token{}, io.EOF
	}
	start := s.pos
	c := s.data[s.pos]
	switch c {
	case '<':
		if s.peekAhead(1) == '<' {
			s.pos += 2
			return s.emit(Token{Type: TokenDict, Pos: start})
		}
		return s.scanHexString()
	case '>':
		if s.peekAhead(1) == '>' {
			s.pos += 2
			return s.emit(Token{Type: TokenDictEnd, Pos: start})
		}
		s.pos++
		return s.emit(Token{Type: TokenKeyword, Str: string(c), Pos: start})
	case '[':
		s.pos++
		return s.emit(Token{Type: TokenArray, Pos: start})
	case ']':
		s.pos++
		return s.emit(Token{Type: TokenArrayEnd, Pos: start})
	case '(':
		return s.scanLiteralString()
	case '/':
		return s.scanName()
	}
	if isNumberStart(c) {
		return s.scanNumberOrRef()
	}
	if isRegular(c) {
		return s.scanKeyword()
	}
	s.pos++
	return s.emit(Token{Type: TokenKeyword, Str: string(c), Pos: start})
}

func (s *pdfScanner) skipWSAndComments() error {
	for {
		if s.pos >= int64(len(s.data)) {
			if err := s.ensure(s.pos); err != nil {
				return err
			}
		}
		if s.pos >= int64(len(s.data)) {
			return io.EOF
		}
		c := s.data[s.pos]
		if isWhitespace(c) {
			s.pos++
			continue
		}
		if c == '%' {
			for {
				s.pos++
				if err := s.ensure(s.pos); err != nil && !errors.Is(err, io.EOF) {
					return err
				}
				if s.pos >= int64(len(s.data)) {
					return io.EOF
				}
				if isEOL(s.data[s.pos]) {
					break
				}
			}
			continue
		}
		return nil
	}
}

func (s *pdfScanner) ensure(n int64) error {
	for int64(len(s.data)) <= n {
		if s.eof {
			return io.EOF
		}
		if err := s.loadMore(); err != nil {
			return err
		}
	}
	return nil
}

func (s *pdfScanner) loadMore() error {
	buf := make([]byte, s.chunkSize)
	off := int64(len(s.data))
	n, err := s.reader.ReadAt(buf, off)
	if n > 0 {
		s.data = append(s.data, buf[:n]...)
	}
	if err == io.EOF {
		s.eof = true
		return nil
	}
	if err != nil {
		return err
	}
	if n == 0 {
		s.eof = true
	}
	return nil
}

func (s *pdfScanner) scanName() (Token, error) {
	start := s.pos
	s.pos++ // skip '/'
	var out bytes.Buffer
	for {
		if err := s.ensure(s.pos); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return Token{}, err
		}
		if s.pos >= int64(len(s.data)) {
			break
		}
		c := s.data[s.pos]
		if isDelimiter(c) {
			break
		}
		if c == '#' {
			s.pos++
			a := s.hexNibble()
			b := s.hexNibble()
			out.WriteByte((a << 4) | b)
			continue
		}
		out.WriteByte(c)
		s.pos++
	}
	return s.emit(Token{Type: TokenName, Str: out.String(), Pos: start})
}

func (s *pdfScanner) hexNibble() byte {
	if s.ensure(s.pos) != nil || s.pos >= int64(len(s.data)) {
		return 0
	}
	c := s.data[s.pos]
	s.pos++
	return fromHex(c)
}

func (s *pdfScanner) scanLiteralString() (Token, error) {
	start := s.pos
	s.pos++ // skip '('
	var buf bytes.Buffer
	depth := 1
	for {
		if err := s.ensure(s.pos); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return Token{}, err
		}
		if s.pos >= int64(len(s.data)) {
			break
		}
		c := s.data[s.pos]
		if c == '\\' {
			s.pos++
			if err := s.ensure(s.pos); err != nil && !errors.Is(err, io.EOF) {
				return Token{}, err
			}
			if s.pos >= int64(len(s.data)) {
				break
			}
			esc := s.data[s.pos]
			// backslash before EOL is a line continuation
			if esc == '\r' {
				s.pos++
				if s.ensure(s.pos) == nil && s.pos < int64(len(s.data)) && s.data[s.pos] == '\n' {
					s.pos++
				}
				continue
			}
			if esc == '\n' {
				s.pos++
				continue
			}
			if esc >= '0' && esc <= '7' {
				val := int(esc - '0')
				s.pos++
				for k := 0; k < 2; k++ {
					if s.ensure(s.pos) != nil || s.pos >= int64(len(s.data)) {
						break
					}
					d := s.data[s.pos]
					if d < '0' || d > '7' {
						break
					}
					val = (val << 3) + int(d-'0')
					s.pos++
				}
				buf.WriteByte(byte(val))
				continue
			}
			buf.WriteByte(translateEscape(esc))
			s.pos++
			continue
		}
		if c == '(' {
			depth++
			buf.WriteByte(c)
			s.pos++
			continue
		}
		if c == ')' {
			depth--
			if depth == 0 {
				s.pos++
				break
			}
			buf.WriteByte(c)
			s.pos++
			continue
		}
		buf.WriteByte(c)
		s.pos++
		if s.cfg.MaxStringLength > 0 && int64(buf.Len()) > s.cfg.MaxStringLength {
			if err := s.recover(errors.New("literal string too long"), "literal"); err != nil {
				return Token{}, err
			}
			break
		}
	}
	if depth != 0 {
		if err := s.recover(errors.New("unterminated literal string"), "literal"); err != nil {
			return Token{}, err
		}
	}
	return s.emit(Token{Type: TokenString, Bytes: buf.Bytes(), Pos: start})
}

func (s *pdfScanner) scanHexString() (Token, error) {
	start := s.pos
	s.pos++ // skip '<'
	var hexbuf []byte
	closed := false
	for {
		if err := s.ensure(s.pos); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return Token{}, err
		}
		if s.pos >= int64(len(s.data)) {
			break
		}
		c := s.data[s.pos]
		if c == '>' {
			s.pos++
			closed = true
			break
		}
		if isWhitespace(c) {
			s.pos++
			continue
		}
		hexbuf = append(hexbuf, c)
		s.pos++
	}
	if !closed {
		if err := s.recover(errors.New("unterminated hex string"), "hex"); err != nil {
			return Token{}, err
		}
	}
	if len(hexbuf)%2 == 1 {
		hexbuf = append(hexbuf, '0')
	}
	if s.cfg.MaxStringLength > 0 && int64(len(hexbuf)/2) > s.cfg.MaxStringLength {
		if err := s.recover(errors.New("hex string too long"), "hex"); err != nil {
			return Token{}, err
		}
		hexbuf = hexbuf[:s.cfg.MaxStringLength*2]
	}
	out := make([]byte, 0, len(hexbuf)/2)
	for i := 0; i < len(hexbuf); i += 2 {
		out = append(out, (fromHex(hexbuf[i])<<4)|fromHex(hexbuf[i+1]))
	}
	return s.emit(Token{Type: TokenString, Bytes: out, Hex: true, Pos: start})
}

func fromHex(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return 0
	}
}

// scanStream consumes the payload between the 'stream' keyword and the next
// plausible 'endstream'. When the caller supplied a length hint it is trusted
// as long as 'endstream' actually follows; otherwise the payload boundary is
// found by searching.
func (s *pdfScanner) scanStream(start int64) (Token, error) {
	if err := s.ensure(s.pos); err != nil && !errors.Is(err, io.EOF) {
		return Token{}, err
	}
	// an EOL must separate the keyword from the data
	if s.pos >= int64(len(s.data)) {
		return Token{}, s.recover(errors.New("stream missing EOL before data"), "stream")
	}
	if s.data[s.pos] == '\r' {
		s.pos++
		if s.ensure(s.pos) == nil && s.pos < int64(len(s.data)) && s.data[s.pos] == '\n' {
			s.pos++
		}
	} else if s.data[s.pos] == '\n' {
		s.pos++
	} else if err := s.recover(errors.New("stream missing EOL before data"), "stream"); err != nil {
		return Token{}, err
	}
	dataStart := s.pos

	if s.nextStreamLen >= 0 {
		l := s.nextStreamLen
		s.nextStreamLen = -1
		if s.cfg.MaxStreamLength > 0 && l > s.cfg.MaxStreamLength {
			if err := s.recover(errors.New("stream longer than limit"), "stream"); err != nil {
				return Token{}, err
			}
			l = -1 // distrust the hint, search instead
		}
		if l >= 0 {
			if err := s.ensure(dataStart + l); err != nil && !errors.Is(err, io.EOF) {
				return Token{}, err
			}
			end := dataStart + l
			if end <= int64(len(s.data)) && endstreamFollows(s.data, end) {
				payload := append([]byte(nil), s.data[dataStart:end]...)
				s.pos = end
				s.skipPastEndstream()
				return s.emit(Token{Type: TokenStream, Bytes: payload, Pos: start})
			}
			// hint was wrong, fall back to searching
			if err := s.recover(errors.New("stream length does not reach endstream"), "stream"); err != nil {
				return Token{}, err
			}
			s.pos = dataStart
		}
	}

	needle := []byte("endstream")
	idx := int64(-1)
	for i := dataStart; ; i++ {
		if err := s.ensure(i + int64(len(needle))); err != nil && !errors.Is(err, io.EOF) {
			return Token{}, err
		}
		if i+int64(len(needle)) > int64(len(s.data)) {
			break
		}
		if s.cfg.MaxStreamScan > 0 && i-dataStart > s.cfg.MaxStreamScan {
			if err := s.recover(errors.New("endstream not found within scan limit"), "stream"); err != nil {
				return Token{}, err
			}
			break
		}
		if s.data[i] != 'e' || !bytes.Equal(s.data[i:i+int64(len(needle))], needle) {
			continue
		}
		followOK := i+int64(len(needle)) >= int64(len(s.data)) || isDelimiter(s.data[i+int64(len(needle))])
		if followOK {
			idx = i
			break
		}
	}
	if idx < 0 {
		payload := append([]byte(nil), s.data[dataStart:]...)
		reason := errors.New("unterminated stream")
		if s.cfg.MaxStreamScan > 0 && int64(len(payload)) > s.cfg.MaxStreamScan {
			reason = errors.New("endstream not found within scan limit")
		}
		if err := s.recover(reason, "stream"); err != nil {
			return Token{}, err
		}
		s.pos = int64(len(s.data))
		return s.emit(Token{Type: TokenStream, Bytes: payload, Pos: start})
	}
	end := idx
	// the EOL before the marker belongs to the syntax, not the data
	if end > dataStart && s.data[end-1] == '\n' {
		end--
	}
	if end > dataStart && s.data[end-1] == '\r' {
		end--
	}
	payload := append([]byte(nil), s.data[dataStart:end]...)
	if s.cfg.MaxStreamLength > 0 && int64(len(payload)) > s.cfg.MaxStreamLength {
		if err := s.recover(errors.New("stream longer than limit"), "stream"); err != nil {
			return Token{}, err
		}
	}
	s.pos = idx + int64(len(needle))
	return s.emit(Token{Type: TokenStream, Bytes: payload, Pos: start})
}

// endstreamFollows reports whether 'endstream' occurs at or right after end,
// allowing one optional EOL between the data and the marker.
func endstreamFollows(data []byte, end int64) bool {
	i := end
	if i < int64(len(data)) && data[i] == '\r' {
		i++
	}
	if i < int64(len(data)) && data[i] == '\n' {
		i++
	}
	needle := []byte("endstream")
	if i+int64(len(needle)) > int64(len(data)) {
		return false
	}
	return bytes.Equal(data[i:i+int64(len(needle))], needle)
}

func (s *pdfScanner) skipPastEndstream() {
	needle := []byte("endstream")
	if s.ensure(s.pos+int64(len(needle))+2) != nil && s.pos >= int64(len(s.data)) {
		return
	}
	rest := s.data[s.pos:]
	idx := bytes.Index(rest, needle)
	if idx >= 0 {
		s.pos += int64(idx + len(needle))
	}
}

func isWhitespace(c byte) bool {
	return c == 0x00 || c == 0x09 || c == 0x0A || c == 0x0C || c == 0x0D || c == 0x20
}

func isEOL(c byte) bool { return c == '\r' || c == '\n' }

func isDelimiter(c byte) bool {
	switch c {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	default:
		return isWhitespace(c)
	}
}

func isRegular(c byte) bool { return !isDelimiter(c) }

func isNumberStart(c byte) bool {
	return c == '+' || c == '-' || c == '.' || (c >= '0' && c <= '9')
}

func translateEscape(c byte) byte {
	switch c {
	case 'n':
		return '\n'
	case 'r':
		return '\r'
	case 't':
		return '\t'
	case 'b':
		return '\b'
	case 'f':
		return '\f'
	default:
		return c
	}
}

func (s *pdfScanner) peekAhead(n int64) byte {
	if s.ensure(s.pos+n) != nil {
		return 0
	}
	if s.pos+n >= int64(len(s.data)) {
		return 0
	}
	return s.data[s.pos+n]
}

func (s *pdfScanner) scanKeyword() (Token, error) {
	start := s.pos
	var buf bytes.Buffer
	for {
		if err := s.ensure(s.pos); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return Token{}, err
		}
		if s.pos >= int64(len(s.data)) {
			break
		}
		c := s.data[s.pos]
		if isDelimiter(c) {
			break
		}
		buf.WriteByte(c)
		s.pos++
	}
	kw := buf.String()
	switch kw {
	case "true", "false":
		return Token{Type: TokenBoolean, Bool: kw == "true", Pos: start}, nil
	case "null":
		return Token{Type: TokenNull, Pos: start}, nil
	case "stream":
		return s.scanStream(start)
	default:
		return Token{Type: TokenKeyword, Str: kw, Pos: start}, nil
	}
}

// scanNumberOrRef reads one number, then looks ahead for 'GEN R' to decide
// whether the trio forms an indirect reference.
func (s *pdfScanner) scanNumberOrRef() (Token, error) {
	start := s.pos
	num1 := s.scanNumberString()
	if num1 == "" {
		s.pos++
		if err := s.recover(errors.New("malformed number"), "number"); err != nil {
			return Token{}, err
		}
		return s.Next()
	}

	afterFirst := s.pos
	_ = s.skipWSAndComments()
	secondStart := s.pos
	num2 := s.scanNumberString()
	if num2 != "" && isPlainInt(num1) && isPlainInt(num2) {
		_ = s.skipWSAndComments()
		_ = s.ensure(s.pos + 1)
		if s.pos < int64(len(s.data)) && s.data[s.pos] == 'R' {
			followOK := s.pos+1 >= int64(len(s.data)) || isDelimiter(s.data[s.pos+1])
			if followOK {
				s.pos++
				n1, _ := strconv.Atoi(num1)
				n2, _ := strconv.Atoi(num2)
				return Token{Type: TokenRef, Int: int64(n1), Gen: n2, Pos: start}, nil
			}
		}
	}
	if num2 != "" {
		s.pos = secondStart
	} else {
		s.pos = afterFirst
	}
	if i, err := strconv.ParseInt(num1, 10, 64); err == nil {
		return s.emit(Token{Type: TokenNumber, Int: i, IsInt: true, Pos: start})
	}
	f, _ := strconv.ParseFloat(normalizeReal(num1), 64)
	return s.emit(Token{Type: TokenNumber, Real: f, Pos: start})
}

func isPlainInt(numStr string) bool {
	if numStr == "" {
		return false
	}
	for _, c := range numStr {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// normalizeReal makes PDF real forms like ".5", "4." and "-.2" parseable.
func normalizeReal(v string) string {
	if v == "" {
		return "0"
	}
	if v[0] == '.' {
		v = "0" + v
	} else if len(v) > 1 && (v[0] == '+' || v[0] == '-') && v[1] == '.' {
		v = string(v[0]) + "0" + v[1:]
	}
	if v[len(v)-1] == '.' {
		v += "0"
	}
	return v
}

func (s *pdfScanner) scanNumberString() string {
	start := s.pos
	var buf bytes.Buffer
	seenDigit := false
	for {
		if err := s.ensure(s.pos); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return ""
		}
		if s.pos >= int64(len(s.data)) {
			break
		}
		c := s.data[s.pos]
		if isNumberStart(c) {
			buf.WriteByte(c)
			if c >= '0' && c <= '9' {
				seenDigit = true
			}
			s.pos++
			continue
		}
		break
	}
	if !seenDigit {
		s.pos = start
		return ""
	}
	return buf.String()
}

// recover reports err to the configured strategy. A Fix or Skip decision
// returns nil so the caller proceeds with its best repair; anything else
// propagates the error.
func (s *pdfScanner) recover(err error, where string) error {
	if s.cfg.Recovery == nil {
		return err
	}
	action := s.cfg.Recovery.OnError(err, recovery.Location{
		ByteOffset: s.pos,
		ObjectNum:  s.objNum,
		ObjectGen:  s.objGen,
		Component:  "scanner:" + where,
	})
	switch action {
	case recovery.ActionFix, recovery.ActionSkip:
		return nil
	default:
		return err
	}
}

func (s *pdfScanner) emit(tok Token) (Token, error) {
	switch tok.Type {
	case TokenArray:
		s.arrayDepth++
		if s.cfg.MaxArrayDepth > 0 && s.arrayDepth > s.cfg.MaxArrayDepth {
			if err := s.recover(errors.New("array depth exceeded"), "array"); err != nil {
				return Token{}, err
			}
		}
	case TokenArrayEnd:
		if s.arrayDepth > 0 {
			s.arrayDepth--
		}
	case TokenDict:
		s.dictDepth++
		if s.cfg.MaxDictDepth > 0 && s.dictDepth > s.cfg.MaxDictDepth {
			if err := s.recover(errors.New("dict depth exceeded"), "dict"); err != nil {
				return Token{}, err
			}
		}
	case TokenDictEnd:
		if s.dictDepth > 0 {
			s.dictDepth--
		}
	}
	return tok, nil
}
