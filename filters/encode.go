package filters

import (
	"bytes"
	"compress/zlib"
)

// FlateEncode compresses data with the zlib wrapper PDF FlateDecode expects.
// The writer uses it when recompressing rewritten content streams.
func FlateEncode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
