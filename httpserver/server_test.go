package httpserver

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"io"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/joeycumines/go-swruntime/eventloop"
	"github.com/joeycumines/go-swruntime/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startLoop(t *testing.T) *eventloop.Loop {
	t.Helper()
	loop, err := eventloop.New()
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = loop.Shutdown(ctx)
		<-done
	})
	return loop
}

func awaitPromise(t *testing.T, p *eventloop.Promise) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	v, err := p.Await(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("promise did not settle")
	}
	return v, err
}

// startServer listens on a loopback port and returns the base URL.
func startServer(t *testing.T, loop *eventloop.Loop, cfg Config, setup func(s *Server)) (*Server, string) {
	t.Helper()
	s, err := New(loop, registry.New(nil), cfg)
	require.NoError(t, err)
	if setup != nil {
		setup(s)
	}
	v, err := awaitPromise(t, s.Listen("127.0.0.1:0"))
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = awaitPromise(t, s.Close(context.Background())) })
	return s, "http://" + v.(string)
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(b)
}

func TestServer_Routes(t *testing.T) {
	loop := startLoop(t)
	_, base := startServer(t, loop, Config{}, func(s *Server) {
		require.NoError(t, s.GET("/hello", func(c *Context) { c.Response.Send("hello") }))
		require.NoError(t, s.GET("/users/:id", func(c *Context) {
			c.Response.JSON(map[string]string{"id": c.Request.Param("id"), "q": c.Request.Query.Get("q")})
		}))
		require.NoError(t, s.POST("/echo", func(c *Context) {
			var v map[string]any
			if err := c.Request.JSON(&v); err != nil {
				c.Response.Status(http.StatusBadRequest).Send(err.Error())
				return
			}
			c.Response.Status(http.StatusCreated).JSON(v)
		}))
	})

	resp, body := get(t, base+"/hello")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", body)

	resp, body = get(t, base+"/users/42?q=x")
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.JSONEq(t, `{"id":"42","q":"x"}`, body)

	resp, err := http.Post(base+"/echo", "application/json", strings.NewReader(`{"a":1}`))
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.JSONEq(t, `{"a":1}`, string(b))
}

func TestServer_NotFoundAndMethodNotAllowed(t *testing.T) {
	loop := startLoop(t)
	s, base := startServer(t, loop, Config{}, func(s *Server) {
		require.NoError(t, s.GET("/thing", func(c *Context) { c.Response.Send("ok") }))
	})

	resp, body := get(t, base+"/missing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Not Found", body)

	req, _ := http.NewRequest(http.MethodDelete, base+"/thing", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, "GET, HEAD", resp.Header.Get("Allow"))

	s.NotFound(func(c *Context) { c.Response.Status(http.StatusNotFound).HTML("<h1>gone</h1>") })
	resp, body = get(t, base+"/missing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "<h1>gone</h1>", body)
}

func TestServer_MiddlewareOrderAndShortCircuit(t *testing.T) {
	loop := startLoop(t)
	_, base := startServer(t, loop, Config{}, func(s *Server) {
		s.Use(func(c *Context, next func()) {
			c.Set("trail", "a")
			next()
		}, func(c *Context, next func()) {
			if c.Request.Header.Get("X-Block") != "" {
				c.Response.Status(http.StatusForbidden).Send("blocked")
				return
			}
			v, _ := c.Get("trail")
			c.Set("trail", v.(string)+"b")
			next()
		})
		require.NoError(t, s.GET("/", func(c *Context) {
			v, _ := c.Get("trail")
			c.Response.Send(v.(string) + "h")
		}))
	})

	_, body := get(t, base+"/")
	assert.Equal(t, "abh", body)

	req, _ := http.NewRequest(http.MethodGet, base+"/", nil)
	req.Header.Set("X-Block", "1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestServer_PanicBecomes500(t *testing.T) {
	loop := startLoop(t)
	_, base := startServer(t, loop, Config{}, func(s *Server) {
		require.NoError(t, s.GET("/boom", func(c *Context) { panic("boom") }))
		require.NoError(t, s.GET("/fail", func(c *Context) { c.Error(errors.New("script threw")) }))
		require.NoError(t, s.GET("/ok", func(c *Context) { c.Response.Send("fine") }))
	})

	resp, _ := get(t, base+"/boom")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	resp, _ = get(t, base+"/fail")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	resp, body := get(t, base+"/ok")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "fine", body)
}

func TestServer_UncommittedResponseGets503(t *testing.T) {
	loop := startLoop(t)
	_, base := startServer(t, loop, Config{WriteTimeout: 100 * time.Millisecond}, func(s *Server) {
		require.NoError(t, s.GET("/never", func(c *Context) {}))
	})

	start := time.Now()
	resp, _ := get(t, base+"/never")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestServer_AsyncCommit(t *testing.T) {
	loop := startLoop(t)
	_, base := startServer(t, loop, Config{}, func(s *Server) {
		require.NoError(t, s.GET("/later", func(c *Context) {
			_, err := c.Loop().ScheduleTimer(20*time.Millisecond, 0, func() {
				c.Response.Send("later")
			})
			require.NoError(t, err)
		}))
	})
	_, body := get(t, base+"/later")
	assert.Equal(t, "later", body)
}

// Many concurrent requests mutating shared state: handlers never overlap, so
// every read-modify-write is atomic without locking.
func TestServer_HandlersNeverOverlap(t *testing.T) {
	loop := startLoop(t)
	counter := 0
	_, base := startServer(t, loop, Config{}, func(s *Server) {
		require.NoError(t, s.GET("/inc", func(c *Context) {
			v := counter
			time.Sleep(time.Millisecond)
			counter = v + 1
			c.Response.Send(strconv.Itoa(counter))
		}))
	})

	const n = 100
	results := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := http.Get(base + "/inc")
			if !assert.NoError(t, err) {
				return
			}
			defer resp.Body.Close()
			b, _ := io.ReadAll(resp.Body)
			v, err := strconv.Atoi(string(b))
			assert.NoError(t, err)
			results <- v
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int]bool)
	for v := range results {
		assert.False(t, seen[v], "duplicate counter value %d", v)
		seen[v] = true
	}
	assert.Len(t, seen, n)
	for i := 1; i <= n; i++ {
		assert.True(t, seen[i], "missing %d", i)
	}
}

func TestServer_Static(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("static file"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "docs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "docs", "index.html"), []byte("<p>index</p>"), 0o644))

	loop := startLoop(t)
	_, base := startServer(t, loop, Config{}, func(s *Server) {
		require.NoError(t, s.Static(dir, "/static/"))
	})

	resp, body := get(t, base+"/static/a.txt")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "static file", body)

	_, body = get(t, base+"/static/docs/")
	assert.Equal(t, "<p>index</p>", body)

	resp, _ = get(t, base+"/static/missing.txt")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = get(t, base+"/static/../server_test.go")
	assert.NotEqual(t, http.StatusOK, resp.StatusCode)
}

func TestServer_StaticMissFallsThrough(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("on disk"), 0o644))

	loop := startLoop(t)
	_, base := startServer(t, loop, Config{}, func(s *Server) {
		require.NoError(t, s.Static(dir, "/files/"))
		require.NoError(t, s.GET("/files/*name", func(c *Context) {
			c.Response.Send("generated " + c.Request.Param("name"))
		}))
	})

	resp, body := get(t, base+"/files/a.txt")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "on disk", body)

	resp, body = get(t, base+"/files/b.txt")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "generated b.txt", body)
}

type closeRecorder struct {
	io.Reader
	closed bool
}

func (c *closeRecorder) Close() error {
	c.closed = true
	return nil
}

func TestResponse_StreamClosesSourceWhenAlreadyCommitted(t *testing.T) {
	res := newResponse()
	require.True(t, res.fail(http.StatusServiceUnavailable))

	src := &closeRecorder{Reader: strings.NewReader("late")}
	assert.False(t, res.Stream(src))
	assert.True(t, src.closed)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode())
}

func TestResponse_HeadersIsACopy(t *testing.T) {
	res := newResponse()
	res.Header("X-A", "1")

	h := res.Headers()
	h.Set("X-A", "changed")
	h.Set("X-B", "2")

	assert.Equal(t, "1", res.Headers().Get("X-A"))
	assert.Empty(t, res.Headers().Get("X-B"))
}

func TestServer_Compress(t *testing.T) {
	loop := startLoop(t)
	payload := strings.Repeat("compress me ", 200)
	_, base := startServer(t, loop, Config{}, func(s *Server) {
		s.Use(Compress())
		require.NoError(t, s.GET("/big", func(c *Context) { c.Response.Send(payload) }))
		require.NoError(t, s.GET("/small", func(c *Context) { c.Response.Send("tiny") }))
	})

	for _, enc := range []string{"br", "gzip"} {
		req, _ := http.NewRequest(http.MethodGet, base+"/big", nil)
		req.Header.Set("Accept-Encoding", enc)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		assert.Equal(t, enc, resp.Header.Get("Content-Encoding"))

		var r io.Reader
		if enc == "br" {
			r = brotli.NewReader(resp.Body)
		} else {
			gz, err := gzip.NewReader(resp.Body)
			require.NoError(t, err)
			r = gz
		}
		b, err := io.ReadAll(r)
		resp.Body.Close()
		require.NoError(t, err)
		assert.Equal(t, payload, string(b))
	}

	req, _ := http.NewRequest(http.MethodGet, base+"/small", nil)
	req.Header.Set("Accept-Encoding", "br")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Content-Encoding"))
}

func TestServer_RateLimit(t *testing.T) {
	loop := startLoop(t)
	_, base := startServer(t, loop, Config{}, func(s *Server) {
		s.Use(RateLimit(map[time.Duration]int{time.Minute: 2}))
		require.NoError(t, s.GET("/", func(c *Context) { c.Response.Send("ok") }))
	})

	for i := 0; i < 2; i++ {
		resp, _ := get(t, base+"/")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, _ := get(t, base+"/")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	secs, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	require.NoError(t, err)
	assert.Positive(t, secs)
}

func TestServer_ResponseHelpers(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "report.csv")
	require.NoError(t, os.WriteFile(file, []byte("a,b\n1,2\n"), 0o644))

	loop := startLoop(t)
	_, base := startServer(t, loop, Config{}, func(s *Server) {
		require.NoError(t, s.GET("/redirect", func(c *Context) { c.Response.Redirect("/target", http.StatusMovedPermanently) }))
		require.NoError(t, s.GET("/file", func(c *Context) { c.Response.SendFile(file) }))
		require.NoError(t, s.GET("/download", func(c *Context) { c.Response.Download(file, "") }))
		require.NoError(t, s.GET("/nofile", func(c *Context) { c.Response.SendFile(filepath.Join(dir, "nope")) }))
		require.NoError(t, s.GET("/stream", func(c *Context) {
			c.Response.Header("Content-Type", "text/plain").Stream(strings.NewReader("streamed"))
		}))
		require.NoError(t, s.GET("/twice", func(c *Context) {
			assert.True(t, c.Response.Send("first"))
			assert.False(t, c.Response.Send("second"))
			c.Response.Status(http.StatusTeapot)
			assert.True(t, c.Response.Committed())
		}))
	})

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := client.Get(base + "/redirect")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMovedPermanently, resp.StatusCode)
	assert.Equal(t, "/target", resp.Header.Get("Location"))

	_, body := get(t, base+"/file")
	assert.Equal(t, "a,b\n1,2\n", body)

	resp, body = get(t, base+"/download")
	assert.Equal(t, `attachment; filename=report.csv`, resp.Header.Get("Content-Disposition"))
	assert.Equal(t, "a,b\n1,2\n", body)

	resp, _ = get(t, base+"/nofile")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, body = get(t, base+"/stream")
	assert.Equal(t, "streamed", body)

	resp, body = get(t, base+"/twice")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "first", body)
}

func TestServer_BodyLimit(t *testing.T) {
	loop := startLoop(t)
	_, base := startServer(t, loop, Config{MaxBodyBytes: 16}, func(s *Server) {
		require.NoError(t, s.POST("/", func(c *Context) { c.Response.Send(c.Request.Body) }))
	})
	resp, err := http.Post(base+"/", "text/plain", strings.NewReader(strings.Repeat("x", 64)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestServer_ListenErrors(t *testing.T) {
	loop := startLoop(t)

	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	reg := registry.New(nil)
	s, err := New(loop, reg, Config{})
	require.NoError(t, err)
	_, err = awaitPromise(t, s.Listen(taken.Addr().String()))
	var lerr *ListenError
	require.ErrorAs(t, err, &lerr)
	assert.Zero(t, reg.Stats().Listeners)
	assert.Eventually(t, func() bool { return loop.Holds() == 0 }, 5*time.Second, time.Millisecond)

	// the failure is local to that listener: the same server may retry
	v, err := awaitPromise(t, s.Listen("127.0.0.1:0"))
	require.NoError(t, err)
	assert.NotEmpty(t, v)
	_, err = awaitPromise(t, s.Listen("127.0.0.1:0"))
	assert.ErrorIs(t, err, ErrAlreadyListening)

	l, ok := reg.Listener(s.ListenerID())
	require.True(t, ok)
	assert.Equal(t, registry.Listening, l.State)

	_, err = awaitPromise(t, s.Close(context.Background()))
	require.NoError(t, err)
	_, err = awaitPromise(t, s.Listen("127.0.0.1:0"))
	assert.ErrorIs(t, err, ErrServerClosed)

	s2, err := New(loop, reg, Config{})
	require.NoError(t, err)
	_, err = awaitPromise(t, s2.ListenTLS("127.0.0.1:0", "missing.pem", "missing.key"))
	require.ErrorAs(t, err, &lerr)
}

func TestServer_ListenTLS(t *testing.T) {
	certFile, keyFile := writeSelfSigned(t)
	loop := startLoop(t)

	s, err := New(loop, nil, Config{})
	require.NoError(t, err)
	require.NoError(t, s.GET("/", func(c *Context) { c.Response.Send("secure") }))
	v, err := awaitPromise(t, s.ListenTLS("127.0.0.1:0", certFile, keyFile))
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = awaitPromise(t, s.Close(context.Background())) })

	client := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}}
	resp, err := client.Get("https://" + v.(string) + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "secure", string(b))
}

func TestServer_CloseReleasesLoop(t *testing.T) {
	loop, err := eventloop.New()
	require.NoError(t, err)
	setup := loop.Hold()
	idle := make(chan error, 1)
	go func() { idle <- loop.RunUntilIdle(context.Background()) }()

	s, err := New(loop, nil, Config{})
	require.NoError(t, err)
	require.NoError(t, s.GET("/", func(c *Context) { c.Response.Send("ok") }))
	v, err := awaitPromise(t, s.Listen("127.0.0.1:0"))
	require.NoError(t, err)
	setup()

	_, body := get(t, "http://"+v.(string)+"/")
	assert.Equal(t, "ok", body)

	select {
	case <-idle:
		t.Fatal("loop went idle while listening")
	case <-time.After(50 * time.Millisecond):
	}

	_, err = awaitPromise(t, s.Close(context.Background()))
	require.NoError(t, err)
	select {
	case err := <-idle:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not go idle after close")
	}
}

func TestServer_RegistryFollowsSettlement(t *testing.T) {
	loop, err := eventloop.New()
	require.NoError(t, err)

	reg := registry.New(nil)
	s, err := New(loop, reg, Config{})
	require.NoError(t, err)
	var (
		id   uint64
		seen []string
	)
	stateOf := func() string {
		l, ok := reg.Listener(id)
		if !ok {
			return "gone"
		}
		return l.State.String()
	}
	require.NoError(t, loop.Submit(func() {
		s.Listen("127.0.0.1:0").Then(func(v any) any {
			id = s.ListenerID()
			seen = append(seen, "listen: "+stateOf())
			return s.Close(context.Background())
		}, nil).Then(func(any) any {
			seen = append(seen, "close: "+stateOf())
			return nil
		}, nil)
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, loop.RunUntilIdle(ctx))
	assert.NotZero(t, id)
	assert.Equal(t, []string{"listen: listening", "close: gone"}, seen)
}

func TestServer_TerminatedLoopGets503(t *testing.T) {
	loop, err := eventloop.New()
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()

	s, err := New(loop, nil, Config{})
	require.NoError(t, err)
	require.NoError(t, s.GET("/", func(c *Context) { c.Response.Send("ok") }))
	v, err := awaitPromise(t, s.Listen("127.0.0.1:0"))
	require.NoError(t, err)
	defer func() { _, _ = awaitPromise(t, s.Close(context.Background())) }()

	require.NoError(t, loop.Shutdown(context.Background()))
	<-done

	resp, _ := get(t, "http://"+v.(string)+"/")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_TracksConnections(t *testing.T) {
	loop := startLoop(t)
	reg := registry.New(nil)
	s, err := New(loop, reg, Config{})
	require.NoError(t, err)
	release := make(chan struct{})
	require.NoError(t, s.GET("/", func(c *Context) {
		go func() {
			<-release
			_ = loop.Submit(func() { c.Response.Send("ok") })
		}()
	}))
	v, err := awaitPromise(t, s.Listen("127.0.0.1:0"))
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = awaitPromise(t, s.Close(context.Background())) })

	got := make(chan string, 1)
	go func() {
		resp, err := http.Get("http://" + v.(string) + "/")
		if err == nil {
			b, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			got <- string(b)
		}
	}()

	assert.Eventually(t, func() bool { return len(reg.ConnsOf(s.ListenerID())) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, registry.KindHTTP, reg.ConnsOf(s.ListenerID())[0].Kind)
	close(release)
	assert.Equal(t, "ok", <-got)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.Error(t, Config{ReadTimeout: -time.Second}.Validate())
	assert.Error(t, Config{MaxBodyBytes: -1}.Validate())
	assert.Error(t, Config{MaxConnections: -1}.Validate())

	d := Config{}.withDefaults()
	assert.Equal(t, DefaultConfig(), d)

	_, err := New(startLoop(t), nil, Config{IdleTimeout: -1})
	assert.Error(t, err)
}

func writeSelfSigned(t *testing.T) (certFile, keyFile string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile, keyFile = filepath.Join(dir, "cert.pem"), filepath.Join(dir, "key.pem")
	var buf bytes.Buffer
	require.NoError(t, pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: der}))
	require.NoError(t, os.WriteFile(certFile, buf.Bytes(), 0o600))
	buf.Reset()
	require.NoError(t, pem.Encode(&buf, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}))
	require.NoError(t, os.WriteFile(keyFile, buf.Bytes(), 0o600))
	return certFile, keyFile
}
