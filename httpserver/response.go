package httpserver

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/joeycumines/logiface"
)

type bodyKind uint8

const (
	bodyBytes bodyKind = iota
	bodyFile
	bodyStream
)

// Response is built on the loop and written by the connection goroutine
// once committed. The first commit wins; every later call is a no-op.
type Response struct {
	header    http.Header
	stream    io.Reader
	done      chan struct{}
	file      string
	body      []byte
	mu        sync.Mutex
	status    int
	kind      bodyKind
	compress  bool
	committed bool
}

func newResponse() *Response {
	return &Response{
		header: make(http.Header),
		status: http.StatusOK,
		done:   make(chan struct{}),
	}
}

// Status sets the status code for the eventual commit.
func (r *Response) Status(code int) *Response {
	r.mu.Lock()
	if !r.committed {
		r.status = code
	}
	r.mu.Unlock()
	return r
}

// Header sets a response header.
func (r *Response) Header(key, value string) *Response {
	r.mu.Lock()
	if !r.committed {
		r.header.Set(key, value)
	}
	r.mu.Unlock()
	return r
}

// AddHeader appends a value to a response header.
func (r *Response) AddHeader(key, value string) *Response {
	r.mu.Lock()
	if !r.committed {
		r.header.Add(key, value)
	}
	r.mu.Unlock()
	return r
}

// Headers returns a copy of the headers set so far. Use Header to change
// them; the writer goroutine reads the live map after commit.
func (r *Response) Headers() http.Header {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.header.Clone()
}

// StatusCode is the status that was or will be sent.
func (r *Response) StatusCode() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Committed reports whether the response was finalized.
func (r *Response) Committed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.committed
}

// Done is closed on commit.
func (r *Response) Done() <-chan struct{} { return r.done }

// EnableCompression marks the body for br or gzip encoding, negotiated
// from the request.
func (r *Response) EnableCompression() {
	r.mu.Lock()
	if !r.committed {
		r.compress = true
	}
	r.mu.Unlock()
}

func (r *Response) commit(fn func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.committed {
		return false
	}
	if fn != nil {
		fn()
	}
	r.committed = true
	close(r.done)
	return true
}

// Send commits a string or byte body. Other values are sent as JSON.
func (r *Response) Send(body any) bool {
	switch v := body.(type) {
	case nil:
		return r.commit(func() { r.kind, r.body = bodyBytes, nil })
	case string:
		return r.commit(func() { r.kind, r.body = bodyBytes, []byte(v) })
	case []byte:
		b := append([]byte(nil), v...)
		return r.commit(func() { r.kind, r.body = bodyBytes, b })
	default:
		return r.JSON(v)
	}
}

// JSON commits v encoded as JSON. An encoding failure commits a 500.
func (r *Response) JSON(v any) bool {
	b, err := json.Marshal(v)
	if err != nil {
		return r.commit(func() {
			r.status = http.StatusInternalServerError
			r.header.Set("Content-Type", "text/plain; charset=utf-8")
			r.kind, r.body = bodyBytes, []byte("json: "+err.Error())
		})
	}
	return r.commit(func() {
		if r.header.Get("Content-Type") == "" {
			r.header.Set("Content-Type", "application/json")
		}
		r.kind, r.body = bodyBytes, b
	})
}

// HTML commits an HTML body.
func (r *Response) HTML(s string) bool {
	return r.commit(func() {
		r.header.Set("Content-Type", "text/html; charset=utf-8")
		r.kind, r.body = bodyBytes, []byte(s)
	})
}

// SendFile commits the contents of path. The file is opened when the
// response is written, off the loop; a missing file becomes a 404.
func (r *Response) SendFile(path string) bool {
	return r.commit(func() { r.kind, r.file = bodyFile, path })
}

// Download is SendFile with an attachment disposition.
func (r *Response) Download(path, filename string) bool {
	if filename == "" {
		filename = filepath.Base(path)
	}
	return r.commit(func() {
		r.header.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
		r.kind, r.file = bodyFile, path
	})
}

// Stream commits a body copied from src as it is produced. src is closed
// afterwards if it is an io.Closer, including when the response was
// already committed and src is never read.
func (r *Response) Stream(src io.Reader) bool {
	if r.commit(func() { r.kind, r.stream = bodyStream, src }) {
		return true
	}
	if c, ok := src.(io.Closer); ok {
		_ = c.Close()
	}
	return false
}

// Redirect commits a redirect, 302 unless code is given.
func (r *Response) Redirect(location string, code ...int) bool {
	status := http.StatusFound
	if len(code) > 0 && code[0] >= 300 && code[0] < 400 {
		status = code[0]
	}
	return r.commit(func() {
		r.status = status
		r.header.Set("Location", location)
		r.kind, r.body = bodyBytes, nil
	})
}

// fail commits a bare status response.
func (r *Response) fail(status int) bool {
	return r.commit(func() {
		r.status = status
		r.header.Set("Content-Type", "text/plain; charset=utf-8")
		r.kind, r.body = bodyBytes, []byte(http.StatusText(status))
	})
}

const minCompressSize = 256

// writeTo sends the committed response. It runs on the connection
// goroutine and never touches the loop.
func (r *Response) writeTo(w http.ResponseWriter, req *http.Request, logger *logiface.Logger[logiface.Event]) {
	dst := w.Header()
	for k, v := range r.header {
		dst[k] = v
	}

	var encoding string
	if r.compress {
		encoding = negotiateEncoding(req.Header.Get("Accept-Encoding"))
	}

	switch r.kind {
	case bodyFile:
		r.writeFile(w, req, logger)
		return

	case bodyStream:
		if c, ok := r.stream.(io.Closer); ok {
			defer c.Close()
		}
		var out io.Writer = &flushWriter{w: w, rc: http.NewResponseController(w)}
		if encoding != "" {
			dst.Set("Content-Encoding", encoding)
			dst.Add("Vary", "Accept-Encoding")
			dst.Del("Content-Length")
			enc := newEncoder(encoding, out)
			defer enc.Close()
			out = enc
		}
		w.WriteHeader(r.status)
		if _, err := io.Copy(out, r.stream); err != nil {
			logger.Debug().Str("path", req.URL.Path).Err(err).Log("httpserver: stream aborted")
		}
		return
	}

	body := r.body
	if dst.Get("Content-Type") == "" && len(body) > 0 {
		dst.Set("Content-Type", http.DetectContentType(body))
	}
	if encoding != "" && len(body) >= minCompressSize {
		compressed, err := encodeBytes(encoding, body)
		if err == nil {
			dst.Set("Content-Encoding", encoding)
			dst.Add("Vary", "Accept-Encoding")
			body = compressed
		}
	}
	dst.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(r.status)
	if _, err := w.Write(body); err != nil {
		logger.Debug().Str("path", req.URL.Path).Err(err).Log("httpserver: write failed")
	}
}

func (r *Response) writeFile(w http.ResponseWriter, req *http.Request, logger *logiface.Logger[logiface.Event]) {
	f, err := os.Open(r.file)
	if err != nil {
		logger.Debug().Str("file", r.file).Err(err).Log("httpserver: send file")
		w.Header().Del("Content-Disposition")
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		w.Header().Del("Content-Disposition")
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}
	http.ServeContent(w, req, info.Name(), info.ModTime(), f)
}

type flushWriter struct {
	w  io.Writer
	rc *http.ResponseController
}

func (f *flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err == nil {
		// not every writer supports flushing
		_ = f.rc.Flush()
	}
	return n, err
}
