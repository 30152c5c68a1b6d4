// Package filters decodes and encodes PDF stream filter chains.
package filters

import (
	"bytes"
	"compress/flate"
	"compress/lzw"
	"compress/zlib"
	stdascii85 "encoding/ascii85"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	tifflzw "golang.org/x/image/tiff/lzw"

	"github.com/RichardSlater/bromcom-timetamble-formatter/pdfobj"
)

// ErrUnknownFilter marks a filter name the pipeline cannot decode. Callers
// may treat the stream as opaque and keep its stored bytes.
var ErrUnknownFilter = errors.New("unknown filter")

type Decoder interface {
	Name() string
	Decode(input []byte, params pdfobj.Dictionary) ([]byte, error)
}

type Limits struct {
	MaxDecompressedSize int64
}

type Pipeline struct {
	decoders []Decoder
	limits   Limits
}

// NewPipeline constructs a pipeline with the provided decoders and limits.
func NewPipeline(decoders []Decoder, limits Limits) *Pipeline {
	return &Pipeline{decoders: decoders, limits: limits}
}

// DefaultPipeline covers every filter this toolkit understands.
func DefaultPipeline(limits Limits) *Pipeline {
	return NewPipeline([]Decoder{
		NewFlateDecoder(limits),
		NewLZWDecoder(limits),
		NewASCIIHexDecoder(),
		NewASCII85Decoder(),
		NewRunLengthDecoder(),
		NewCryptIdentityDecoder(),
	}, limits)
}

func (p *Pipeline) findDecoder(name string) Decoder {
	for _, d := range p.decoders {
		if d.Name() == name {
			return d
		}
	}
	return nil
}

// Decode runs input through the filter chain in order, applying the matching
// DecodeParms entry to each stage.
func (p *Pipeline) Decode(input []byte, filterNames []string, params []pdfobj.Dictionary) ([]byte, error) {
	data := input
	for i, name := range filterNames {
		dec := p.findDecoder(name)
		if dec == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownFilter, name)
		}
		var param pdfobj.Dictionary
		if i < len(params) {
			param = params[i]
		}
		out, err := dec.Decode(data, param)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if p.limits.MaxDecompressedSize > 0 && int64(len(out)) > p.limits.MaxDecompressedSize {
			return nil, errors.New("decompressed size exceeds limit")
		}
		data = out
	}
	return data, nil
}

// FlateDecode. PDF streams carry a zlib wrapper; some producers emit raw
// deflate, so that is tried second.
type flateDecoder struct{ limits Limits }

func NewFlateDecoder(limits Limits) Decoder { return flateDecoder{limits: limits} }

func (flateDecoder) Name() string { return "FlateDecode" }

func (d flateDecoder) Decode(in []byte, params pdfobj.Dictionary) ([]byte, error) {
	out, err := d.inflate(in)
	if err != nil {
		return nil, err
	}
	return applyPredictor(out, params)
}

func (d flateDecoder) inflate(in []byte) ([]byte, error) {
	if zr, err := zlib.NewReader(bytes.NewReader(in)); err == nil {
		defer zr.Close()
		out, err := readAllTolerant(zr, d.limits)
		if err != nil {
			return nil, fmt.Errorf("inflate: %w", err)
		}
		return out, nil
	}
	fr := flate.NewReader(bytes.NewReader(in))
	defer fr.Close()
	out, err := readAllTolerant(fr, d.limits)
	if err != nil {
		return nil, fmt.Errorf("inflate: %w", err)
	}
	return out, nil
}

// LZWDecode. EarlyChange defaults to 1, which matches the TIFF variant;
// EarlyChange 0 is the plain MSB-first LZW from compress/lzw.
type lzwDecoder struct{ limits Limits }

func NewLZWDecoder(limits Limits) Decoder { return lzwDecoder{limits: limits} }

func (lzwDecoder) Name() string { return "LZWDecode" }

func (d lzwDecoder) Decode(in []byte, params pdfobj.Dictionary) ([]byte, error) {
	early := int64(1)
	if params != nil {
		if v, ok := pdfobj.DictGetInt(nil, params, "EarlyChange"); ok {
			early = v
		}
	}
	var r io.ReadCloser
	if early == 0 {
		r = lzw.NewReader(bytes.NewReader(in), lzw.MSB, 8)
	} else {
		r = tifflzw.NewReader(bytes.NewReader(in), tifflzw.MSB, 8)
	}
	defer r.Close()
	out, err := readAllTolerant(r, d.limits)
	if err != nil {
		return nil, fmt.Errorf("lzw: %w", err)
	}
	return applyPredictor(out, params)
}

type ascii85Decoder struct{}

func NewASCII85Decoder() Decoder { return ascii85Decoder{} }

func (ascii85Decoder) Name() string { return "ASCII85Decode" }

func (ascii85Decoder) Decode(in []byte, params pdfobj.Dictionary) ([]byte, error) {
	trimmed := bytes.TrimSpace(in)
	if bytes.HasPrefix(trimmed, []byte("<~")) {
		trimmed = trimmed[2:]
	}
	if i := bytes.Index(trimmed, []byte("~>")); i >= 0 {
		trimmed = trimmed[:i]
	}
	out := make([]byte, len(trimmed)*4)
	n, _, err := stdascii85.Decode(out, trimmed, true)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}

type asciiHexDecoder struct{}

func NewASCIIHexDecoder() Decoder { return asciiHexDecoder{} }

func (asciiHexDecoder) Name() string { return "ASCIIHexDecode" }

func (asciiHexDecoder) Decode(in []byte, params pdfobj.Dictionary) ([]byte, error) {
	compact := make([]byte, 0, len(in))
	for _, c := range in {
		if c == '>' {
			break
		}
		if isHexWS(c) {
			continue
		}
		compact = append(compact, c)
	}
	if len(compact)%2 == 1 {
		compact = append(compact, '0')
	}
	result := make([]byte, hex.DecodedLen(len(compact)))
	n, err := hex.Decode(result, compact)
	if err != nil {
		return nil, err
	}
	return result[:n], nil
}

func isHexWS(c byte) bool {
	return c == 0x00 || c == 0x09 || c == 0x0A || c == 0x0C || c == 0x0D || c == 0x20
}

// RunLengthDecode per PDF 7.4.5: a length byte L, then either L+1 literal
// bytes (L < 128) or one byte repeated 257-L times (L > 128). 128 ends the
// data.
type runLengthDecoder struct{}

func NewRunLengthDecoder() Decoder { return runLengthDecoder{} }

func (runLengthDecoder) Name() string { return "RunLengthDecode" }

func (runLengthDecoder) Decode(in []byte, params pdfobj.Dictionary) ([]byte, error) {
	var out bytes.Buffer
	i := 0
	for i < len(in) {
		l := int(in[i])
		i++
		if l == 128 {
			return out.Bytes(), nil
		}
		if l < 128 {
			end := i + l + 1
			if end > len(in) {
				return nil, errors.New("runlength: literal run past end of data")
			}
			out.Write(in[i:end])
			i = end
			continue
		}
		if i >= len(in) {
			return nil, errors.New("runlength: repeat run past end of data")
		}
		out.Write(bytes.Repeat(in[i:i+1], 257-l))
		i++
	}
	return out.Bytes(), nil
}

// Crypt with /Identity appears in encrypted files to exempt a stream; actual
// decryption happens before filters run, so this stage passes bytes through.
type cryptIdentityDecoder struct{}

func NewCryptIdentityDecoder() Decoder { return cryptIdentityDecoder{} }

func (cryptIdentityDecoder) Name() string { return "Crypt" }

func (cryptIdentityDecoder) Decode(in []byte, params pdfobj.Dictionary) ([]byte, error) {
	return in, nil
}

// readAllTolerant reads r fully. Data decoded before a truncation error is
// kept; size-limit violations always fail.
func readAllTolerant(r io.Reader, limits Limits) ([]byte, error) {
	var out bytes.Buffer
	lr := r
	if limits.MaxDecompressedSize > 0 {
		lr = io.LimitReader(r, limits.MaxDecompressedSize+1)
	}
	n, err := io.Copy(&out, lr)
	if limits.MaxDecompressedSize > 0 && n > limits.MaxDecompressedSize {
		return nil, errors.New("decompressed size exceeds limit")
	}
	if err != nil {
		if out.Len() > 0 && (errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, zlib.ErrChecksum)) {
			return out.Bytes(), nil
		}
		return nil, err
	}
	return out.Bytes(), nil
}
