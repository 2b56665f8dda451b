package httpclient

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
)

// MaxBodyBytes caps how much of a portal response is read. Large providers ship
// catalogs of tens of thousands of channels, so this is generous.
const MaxBodyBytes = 64 << 20

// AcceptEncoding is advertised on every portal request; ReadBody undoes whichever one the portal picks.
const AcceptEncoding = "gzip, deflate, br"

// ReadBody reads resp.Body up to limit bytes, transparently decoding
// Content-Encoding br, gzip and deflate. limit <= 0 means MaxBodyBytes.
func ReadBody(resp *http.Response, limit int64) ([]byte, error) {
	if limit <= 0 {
		limit = MaxBodyBytes
	}
	var r io.Reader = resp.Body
	switch enc := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))); enc {
	case "", "identity":
	case "br":
		r = brotli.NewReader(resp.Body)
	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip body: %w", err)
		}
		defer gz.Close()
		r = gz
	case "deflate":
		fr := flate.NewReader(resp.Body)
		defer fr.Close()
		r = fr
	default:
		return nil, fmt.Errorf("unsupported content-encoding %q", enc)
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("response body exceeds %d bytes", limit)
	}
	return data, nil
}
