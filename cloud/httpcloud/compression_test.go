package httpcloud

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gzipped(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestDecodeBody(t *testing.T) {
	lim := Limits{Raw: 64, Decompressed: 16}
	var v map[string]string

	require.NoError(t, decodeBody(strings.NewReader(`{"a":"b"}`), "", lim, &v))
	assert.Equal(t, "b", v["a"])

	exact := `{"k":"` + strings.Repeat("x", 64-8) + `"}`
	require.Len(t, exact, 64)
	assert.NoError(t, decodeBody(strings.NewReader(exact), "", lim, &v))
	_, err := io.ReadAll(capReader(strings.NewReader(exact), 64))
	assert.NoError(t, err)
	_, err = io.ReadAll(capReader(strings.NewReader(exact+" "), 64))
	assert.ErrorIs(t, err, errBodyTooLarge)

	require.NoError(t, decodeBody(bytes.NewReader(gzipped(t, `{"a":"c"}`)), "GZIP", lim, &v))
	assert.Equal(t, "c", v["a"])

	bomb := gzipped(t, `{"a":"`+strings.Repeat("z", 40)+`"}`)
	assert.ErrorIs(t, decodeBody(bytes.NewReader(bomb), "gzip", lim, &v), errBodyTooLarge)

	err = decodeBody(strings.NewReader(`{}`), "br", lim, &v)
	assert.ErrorIs(t, err, errUnsupportedEncoding)
	assert.Equal(t, http.StatusUnsupportedMediaType, statusForDecodeError(err))
}

func TestWriteJSON_Negotiation(t *testing.T) {
	opts := &ServerOptions{Gzip: true, GzipMin: 8}
	payload := map[string]string{"msg": strings.Repeat("y", 32)}

	tests := []struct {
		name   string
		accept string
		opts   *ServerOptions
		gzip   bool
	}{
		{"no accept header", "", opts, false},
		{"gzip accepted", "br, gzip;q=0.8", opts, true},
		{"disabled", "gzip", &ServerOptions{GzipMin: 8}, false},
		{"below threshold", "gzip", &ServerOptions{Gzip: true, GzipMin: 1 << 20}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/status", nil)
			r.Header.Set("Accept-Encoding", tt.accept)
			w := httptest.NewRecorder()
			writeJSON(w, r, http.StatusOK, payload, tt.opts)

			var got map[string]string
			enc := w.Header().Get("Content-Encoding")
			if tt.gzip {
				assert.Equal(t, "gzip", enc)
			} else {
				assert.Empty(t, enc)
			}
			require.NoError(t, decodeBody(w.Body, enc, defaultLimits, &got))
			assert.Equal(t, payload, got)
		})
	}
}
