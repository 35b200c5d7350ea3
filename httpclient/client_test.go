package httpclient

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/joeycumines/go-swruntime/eventloop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		user, pass, _ := r.BasicAuth()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"method":      r.Method,
			"query":       r.URL.Query().Get("q"),
			"header":      r.Header.Get("X-Test"),
			"contentType": r.Header.Get("Content-Type"),
			"body":        string(body),
			"user":        user,
			"pass":        pass,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_Do(t *testing.T) {
	srv := echoServer(t)
	c := New()

	resp, err := c.Post(context.Background(), srv.URL, Config{
		Headers: map[string]string{"X-Test": "yes"},
		Params:  map[string]string{"q": "search"},
		Data:    map[string]int{"a": 1},
		Auth:    &Auth{Username: "u", Password: "p"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "OK", resp.StatusText)
	assert.Equal(t, "application/json", resp.Headers["content-type"])

	data := resp.Data.(map[string]any)
	assert.Equal(t, "POST", data["method"])
	assert.Equal(t, "search", data["query"])
	assert.Equal(t, "yes", data["header"])
	assert.Equal(t, "application/json", data["contentType"])
	assert.JSONEq(t, `{"a":1}`, data["body"].(string))
	assert.Equal(t, "u", data["user"])
	assert.Equal(t, "p", data["pass"])
}

func TestClient_StatusIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	resp, err := New().Get(context.Background(), srv.URL, Config{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.Status)
	assert.Equal(t, "nope\n", resp.Data)
}

func TestClient_ResponseTypes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"x":1}`)
	}))
	defer srv.Close()
	c := New()

	resp, err := c.Get(context.Background(), srv.URL, Config{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": float64(1)}, resp.Data)

	resp, err = c.Get(context.Background(), srv.URL, Config{ResponseType: ResponseText})
	require.NoError(t, err)
	assert.Equal(t, `{"x":1}`, resp.Data)

	resp, err = c.Get(context.Background(), srv.URL, Config{ResponseType: ResponseArrayBuffer})
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"x":1}`), resp.Data)

	path := filepath.Join(t.TempDir(), "out.json")
	resp, err = c.Get(context.Background(), srv.URL, Config{FilePath: path})
	require.NoError(t, err)
	assert.Equal(t, path, resp.Data)
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"x":1}`, string(b))
}

func TestClient_DecodesCompressedBodies(t *testing.T) {
	const payload = "compressed payload"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "br, gzip", r.Header.Get("Accept-Encoding"))
		var wc io.WriteCloser
		switch r.URL.Path {
		case "/br":
			w.Header().Set("Content-Encoding", "br")
			wc = brotli.NewWriter(w)
		default:
			w.Header().Set("Content-Encoding", "gzip")
			wc = gzip.NewWriter(w)
		}
		_, _ = io.WriteString(wc, payload)
		_ = wc.Close()
	}))
	defer srv.Close()

	for _, p := range []string{"/br", "/gzip"} {
		resp, err := New().Get(context.Background(), srv.URL+p, Config{ResponseType: ResponseText})
		require.NoError(t, err, p)
		assert.Equal(t, payload, resp.Data, p)
	}
}

func TestClient_TransportErrorsReject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	_, err := New().Get(context.Background(), srv.URL, Config{Timeout: 20 * time.Millisecond})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = New().Get(context.Background(), "http://127.0.0.1:1/", Config{})
	assert.Error(t, err)
}

func TestClient_ResponseLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, strings.Repeat("x", 100))
	}))
	defer srv.Close()

	_, err := New(WithMaxResponseBytes(10)).Get(context.Background(), srv.URL, Config{})
	assert.ErrorIs(t, err, ErrResponseTooLarge)
}

func TestClient_Hooks(t *testing.T) {
	srv := echoServer(t)
	boom := errors.New("blocked")

	resp, err := New().Post(context.Background(), srv.URL, Config{
		Data: "raw",
		TransformRequest: func(data any) (any, error) {
			return strings.ToUpper(data.(string)), nil
		},
		BeforeRequest: func(req *http.Request) error {
			req.Header.Set("X-Test", "hooked")
			return nil
		},
		TransformResponse: func(data any) (any, error) {
			m := data.(map[string]any)
			return m["body"].(string) + "/" + m["header"].(string), nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "RAW/hooked", resp.Data)

	_, err = New().Get(context.Background(), srv.URL, Config{
		AfterResponse: func(*Response) error { return boom },
	})
	assert.ErrorIs(t, err, boom)
}

func TestClient_RequestPromise(t *testing.T) {
	srv := echoServer(t)
	loop, err := eventloop.New()
	require.NoError(t, err)

	var got *Response
	require.NoError(t, loop.Submit(func() {
		New().Request(loop, context.Background(), http.MethodGet, srv.URL, Config{}).
			Then(func(v any) any {
				got = v.(*Response)
				return nil
			}, nil)
	}))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, loop.RunUntilIdle(ctx))
	require.NotNil(t, got)
	assert.Equal(t, http.StatusOK, got.Status)
}

func TestDecodeConfig(t *testing.T) {
	cfg, err := DecodeConfig(map[string]any{
		"headers":      map[string]any{"X-A": "1", "X-N": int64(2)},
		"params":       map[string]any{"page": float64(3)},
		"data":         map[string]any{"k": "v"},
		"auth":         map[string]any{"username": "u", "password": "p"},
		"timeout":      int64(1500),
		"responseType": "text",
		"filePath":     "/tmp/x",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"X-A": "1", "X-N": "2"}, cfg.Headers)
	assert.Equal(t, "3", cfg.Params["page"])
	assert.Equal(t, &Auth{Username: "u", Password: "p"}, cfg.Auth)
	assert.Equal(t, 1500*time.Millisecond, cfg.Timeout)
	assert.Equal(t, ResponseText, cfg.ResponseType)
	assert.Equal(t, "/tmp/x", cfg.FilePath)

	cfg, err = DecodeConfig(map[string]any{"timeout": "2s"})
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.Timeout)
}

func TestDecodeConfig_Rejects(t *testing.T) {
	for name, m := range map[string]map[string]any{
		"unknown key":      {"header": map[string]any{}},
		"unknown auth key": {"auth": map[string]any{"user": "x"}},
	} {
		_, err := DecodeConfig(m)
		assert.ErrorIs(t, err, ErrUnknownConfigKey, name)
	}
	for name, m := range map[string]map[string]any{
		"headers type":      {"headers": "x"},
		"header value":      {"headers": map[string]any{"a": []any{1}}},
		"timeout type":      {"timeout": true},
		"negative timeout":  {"timeout": int64(-1)},
		"bad duration":      {"timeout": "soon"},
		"response type":     {"responseType": "blob"},
		"file path":         {"filePath": 3},
		"hook not function": {"afterResponse": "x"},
	} {
		_, err := DecodeConfig(m)
		assert.ErrorIs(t, err, ErrInvalidConfig, name)
	}
}
