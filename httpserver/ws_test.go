package httpserver

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/joeycumines/go-swruntime/reactor"
	"github.com/joeycumines/go-swruntime/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wsURL(base, path string) string {
	return "ws" + strings.TrimPrefix(base, "http") + path
}

func TestWS_EchoAndClose(t *testing.T) {
	loop := startLoop(t)
	serverClosed := make(chan WSCloseEvent, 1)
	_, base := startServer(t, loop, Config{}, func(s *Server) {
		require.NoError(t, s.WS("/echo/:room", func(c *WSConn) {
			room := c.Params["room"]
			c.On("message", func(payload any) {
				m := payload.(WSMessage)
				c.Send(room + ":" + m.Text())
			})
			c.On("close", func(payload any) { serverClosed <- payload.(WSCloseEvent) })
		}))
	})

	v, err := awaitPromise(t, DialWS(context.Background(), loop, nil, wsURL(base, "/echo/lobby"), nil))
	require.NoError(t, err)
	client := v.(*WSConn)

	replies := make(chan string, 8)
	clientClosed := make(chan WSCloseEvent, 1)
	require.NoError(t, loop.Submit(func() {
		client.On("message", func(payload any) { replies <- payload.(WSMessage).Text() })
		client.On("close", func(payload any) { clientClosed <- payload.(WSCloseEvent) })
		assert.Equal(t, reactor.WriteOK, client.Send("hi"))
		_, err := client.SendJSON(map[string]int{"n": 1})
		assert.NoError(t, err)
	}))

	for _, want := range []string{"lobby:hi", `lobby:{"n":1}`} {
		select {
		case got := <-replies:
			assert.Equal(t, want, got)
		case <-time.After(5 * time.Second):
			t.Fatal("no echo")
		}
	}

	require.NoError(t, loop.Submit(func() { client.Close(1000, "bye") }))
	select {
	case ev := <-clientClosed:
		assert.Equal(t, 1000, ev.Code)
	case <-time.After(10 * time.Second):
		t.Fatal("client never closed")
	}
	select {
	case ev := <-serverClosed:
		assert.Equal(t, 1000, ev.Code)
		assert.Equal(t, "bye", ev.Reason)
	case <-time.After(10 * time.Second):
		t.Fatal("server side never closed")
	}
	assert.Equal(t, reactor.WriteClosed, client.Send("late"))
}

func TestWS_MessagesInOrder(t *testing.T) {
	loop := startLoop(t)
	const n = 200
	var (
		mu  sync.Mutex
		got []string
	)
	all := make(chan struct{})
	_, base := startServer(t, loop, Config{}, func(s *Server) {
		require.NoError(t, s.WS("/in", func(c *WSConn) {
			c.On("message", func(payload any) {
				mu.Lock()
				defer mu.Unlock()
				got = append(got, payload.(WSMessage).Text())
				if len(got) == n {
					close(all)
				}
			})
		}))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(base, "/in"), nil)
	require.NoError(t, err)
	defer conn.CloseNow()
	for i := 0; i < n; i++ {
		require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(strconv.Itoa(i))))
	}

	select {
	case <-all:
	case <-ctx.Done():
		t.Fatal("messages missing")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, s := range got {
		assert.Equal(t, strconv.Itoa(i), s)
	}
}

func TestWS_ServerCloseGoesAway(t *testing.T) {
	loop := startLoop(t)
	reg := registry.New(nil)
	s, err := New(loop, reg, Config{})
	require.NoError(t, err)
	opened := make(chan struct{}, 1)
	require.NoError(t, s.WS("/", func(c *WSConn) { opened <- struct{}{} }))
	v, err := awaitPromise(t, s.Listen("127.0.0.1:0"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+v.(string)+"/", nil)
	require.NoError(t, err)
	defer conn.CloseNow()
	<-opened
	assert.Len(t, reg.Conns(registry.KindWS), 1)

	closed := s.Close(context.Background())
	_, _, err = conn.Read(ctx)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))

	_, err = awaitPromise(t, closed)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return len(reg.Conns(registry.KindWS)) == 0 }, 5*time.Second, 5*time.Millisecond)
}

func TestWS_BroadcastThroughRegistry(t *testing.T) {
	loop := startLoop(t)
	reg := registry.New(nil)
	s, err := New(loop, reg, Config{})
	require.NoError(t, err)
	require.NoError(t, s.WS("/chat", func(c *WSConn) {
		c.On("message", func(payload any) {
			text := payload.(WSMessage).Text()
			reg.Broadcast(registry.KindWS, func(rc registry.Conn) {
				rc.Value.(*WSConn).Send(text)
			})
		})
	}))
	v, err := awaitPromise(t, s.Listen("127.0.0.1:0"))
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = awaitPromise(t, s.Close(context.Background())) })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var peers []*websocket.Conn
	for i := 0; i < 3; i++ {
		conn, _, err := websocket.Dial(ctx, "ws://"+v.(string)+"/chat", nil)
		require.NoError(t, err)
		defer conn.CloseNow()
		peers = append(peers, conn)
	}
	assert.Eventually(t, func() bool { return len(reg.Conns(registry.KindWS)) == 3 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, peers[0].Write(ctx, websocket.MessageText, []byte("hello all")))
	for _, p := range peers {
		_, b, err := p.Read(ctx)
		require.NoError(t, err)
		assert.Equal(t, "hello all", string(b))
	}
}

func TestDialWS_Failure(t *testing.T) {
	loop := startLoop(t)
	_, err := awaitPromise(t, DialWS(context.Background(), loop, nil, "ws://127.0.0.1:1/", nil))
	assert.Error(t, err)
}
