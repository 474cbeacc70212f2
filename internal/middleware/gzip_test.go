package middleware

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// balanceEcho отвечает балансом, равным сумме из тела запроса, как обработчик пополнения.
func balanceEcho(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount json.Number `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"address": "0x3000000000000000000000000000000000000003",
		"balance": req.Amount.String(),
	})
}

func gzipBody(t *testing.T, body string) io.Reader {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return &buf
}

func readBody(t *testing.T, res *http.Response) []byte {
	t.Helper()

	var r io.Reader = res.Body
	if res.Header.Get("Content-Encoding") == "gzip" {
		gr, err := gzip.NewReader(res.Body)
		require.NoError(t, err)
		defer gr.Close()
		r = gr
	}
	body, err := io.ReadAll(r)
	require.NoError(t, err)
	return body
}

func TestGzipMiddleware(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		compressed     bool
		acceptGzip     bool
		wantStatus     int
		wantEncoding   string
		wantBalance    string
		wantBodyPrefix string
	}{
		{
			name:         "compressed deposit, gzip response",
			body:         `{"amount":"1000000000000000000"}`,
			compressed:   true,
			acceptGzip:   true,
			wantStatus:   http.StatusOK,
			wantEncoding: "gzip",
			wantBalance:  "1000000000000000000",
		},
		{
			name:         "plain deposit, gzip response",
			body:         `{"amount":42}`,
			acceptGzip:   true,
			wantStatus:   http.StatusOK,
			wantEncoding: "gzip",
			wantBalance:  "42",
		},
		{
			name:         "compressed deposit, client without gzip",
			body:         `{"amount":"7"}`,
			compressed:   true,
			wantStatus:   http.StatusOK,
			wantEncoding: "",
			wantBalance:  "7",
		},
		{
			name:           "plain text error is not compressed",
			body:           `{"amount":`,
			acceptGzip:     true,
			wantStatus:     http.StatusBadRequest,
			wantEncoding:   "",
			wantBodyPrefix: http.StatusText(http.StatusBadRequest),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader = strings.NewReader(tt.body)
			if tt.compressed {
				body = gzipBody(t, tt.body)
			}

			req := httptest.NewRequest(http.MethodPost, "/api/balance/deposit", body)
			req.Header.Set("Content-Type", "application/json")
			if tt.compressed {
				req.Header.Set("Content-Encoding", "gzip")
			}
			if tt.acceptGzip {
				req.Header.Set("Accept-Encoding", "gzip")
			}

			rec := httptest.NewRecorder()
			GzipMiddleware(http.HandlerFunc(balanceEcho)).ServeHTTP(rec, req)

			res := rec.Result()
			defer res.Body.Close()

			require.Equal(t, tt.wantStatus, res.StatusCode)
			assert.Equal(t, tt.wantEncoding, res.Header.Get("Content-Encoding"))

			got := readBody(t, res)
			if tt.wantBodyPrefix != "" {
				assert.True(t, strings.HasPrefix(string(got), tt.wantBodyPrefix), "body %q", got)
				return
			}

			var resp map[string]string
			require.NoError(t, json.Unmarshal(got, &resp))
			assert.Equal(t, tt.wantBalance, resp["balance"])
		})
	}
}

func TestGzipMiddlewareRejectsBrokenBody(t *testing.T) {
	called := false
	h := GzipMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/loans", strings.NewReader(`{"amount":"5"}`))
	req.Header.Set("Content-Encoding", "gzip")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, called)
}
