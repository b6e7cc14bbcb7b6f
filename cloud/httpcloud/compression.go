package httpcloud

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var (
	errBodyTooLarge        = errors.New("body exceeds size limit")
	errUnsupportedEncoding = errors.New("unsupported content encoding")
)

// cappedReader fails with errBodyTooLarge once more than limit bytes are
// available from r. Reading exactly limit bytes is allowed.
type cappedReader struct {
	r    io.Reader
	left int64
}

func capReader(r io.Reader, limit int64) *cappedReader {
	return &cappedReader{r: r, left: limit}
}

func (c *cappedReader) Read(p []byte) (int, error) {
	if c.left <= 0 {
		// One byte past the cap tells a full body from an oversized one.
		var probe [1]byte
		if n, _ := c.r.Read(probe[:]); n > 0 {
			return 0, errBodyTooLarge
		}
		return 0, io.EOF
	}
	if int64(len(p)) > c.left {
		p = p[:c.left]
	}
	n, err := c.r.Read(p)
	c.left -= int64(n)
	return n, err
}

// decodeBody reads a JSON body, gzip encoded or not, into v within lim.
func decodeBody(body io.Reader, encoding string, lim Limits, v any) error {
	raw := capReader(body, lim.Raw)

	var src io.Reader = raw
	switch enc := strings.ToLower(strings.TrimSpace(encoding)); enc {
	case "", "identity":
	case "gzip":
		gz, err := gzip.NewReader(raw)
		if err != nil {
			return fmt.Errorf("invalid gzip data: %w", err)
		}
		defer gz.Close()
		src = capReader(gz, lim.Decompressed)
	default:
		return fmt.Errorf("%w: %s", errUnsupportedEncoding, enc)
	}
	return json.NewDecoder(src).Decode(v)
}

func statusForDecodeError(err error) int {
	var tooBig *http.MaxBytesError
	if errors.Is(err, errBodyTooLarge) || errors.As(err, &tooBig) {
		return http.StatusRequestEntityTooLarge
	}
	if errors.Is(err, errUnsupportedEncoding) {
		return http.StatusUnsupportedMediaType
	}
	return http.StatusBadRequest
}

func acceptsGzip(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		name, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.EqualFold(name, "gzip") {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, r *http.Request, code int, payload any, o *ServerOptions) {
	data, err := json.Marshal(payload)
	if err != nil {
		code = http.StatusInternalServerError
		data, _ = json.Marshal(errorResponse{Error: "failed to marshal response"})
	}

	h := w.Header()
	h.Set("Content-Type", "application/json")
	if o == nil || !o.Gzip || int64(len(data)) < o.GzipMin || !acceptsGzip(r) {
		w.WriteHeader(code)
		_, _ = w.Write(data)
		return
	}
	h.Set("Content-Encoding", "gzip")
	h.Add("Vary", "Accept-Encoding")
	w.WriteHeader(code)
	gz := gzip.NewWriter(w)
	_, _ = gz.Write(data)
	_ = gz.Close()
}
