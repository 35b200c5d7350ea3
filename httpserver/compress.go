package httpserver

import (
	"bytes"
	"compress/gzip"
	"io"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
)

const (
	encodingBrotli = "br"
	encodingGzip   = "gzip"
)

// negotiateEncoding picks br over gzip from an Accept-Encoding header,
// honouring q=0 exclusions.
func negotiateEncoding(header string) string {
	var br, gz bool
	for _, part := range strings.Split(header, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if q, ok := strings.CutPrefix(strings.TrimSpace(params), "q="); ok {
			if v, err := strconv.ParseFloat(q, 64); err == nil && v == 0 {
				continue
			}
		}
		switch strings.ToLower(strings.TrimSpace(name)) {
		case encodingBrotli:
			br = true
		case encodingGzip:
			gz = true
		}
	}
	switch {
	case br:
		return encodingBrotli
	case gz:
		return encodingGzip
	default:
		return ""
	}
}

func newEncoder(encoding string, w io.Writer) io.WriteCloser {
	if encoding == encodingBrotli {
		return brotli.NewWriter(w)
	}
	return gzip.NewWriter(w)
}

func encodeBytes(encoding string, body []byte) ([]byte, error) {
	var buf bytes.Buffer
	enc := newEncoder(encoding, &buf)
	if _, err := enc.Write(body); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
