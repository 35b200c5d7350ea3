package httpserver

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRouter(t *testing.T, patterns ...string) *router {
	t.Helper()
	rt := new(router)
	for _, p := range patterns {
		p := p
		require.NoError(t, rt.add(&route{method: http.MethodGet, pattern: p, handler: func(c *Context) { c.Response.Send(p) }}))
	}
	return rt
}

func TestParsePattern(t *testing.T) {
	for _, tc := range []struct {
		pattern string
		ok      bool
	}{
		{"/", true},
		{"/users/:id", true},
		{"/files/*path", true},
		{"/files/*", true},
		{"users", false},
		{"/users/:", false},
		{"/a/:id/:id", false},
		{"/a/*/b", false},
	} {
		_, err := parsePattern(tc.pattern)
		if tc.ok {
			assert.NoError(t, err, tc.pattern)
		} else {
			assert.ErrorIs(t, err, ErrInvalidPattern, tc.pattern)
		}
	}
}

func TestRouter_Specificity(t *testing.T) {
	rt := testRouter(t, "/*", "/users/*rest", "/users/:id", "/users/me", "/users/:id/posts")

	for _, tc := range []struct {
		path, want string
		params     map[string]string
	}{
		{"/users/me", "/users/me", nil},
		{"/users/42", "/users/:id", map[string]string{"id": "42"}},
		{"/users/42/posts", "/users/:id/posts", map[string]string{"id": "42"}},
		{"/users/42/likes", "/users/*rest", map[string]string{"rest": "42/likes"}},
		{"/other", "/*", map[string]string{"*": "other"}},
		{"/", "/*", map[string]string{"*": ""}},
	} {
		r, params, _ := rt.lookup(http.MethodGet, tc.path)
		require.NotNil(t, r, tc.path)
		assert.Equal(t, tc.want, r.pattern, tc.path)
		if tc.params != nil {
			assert.Equal(t, tc.params, params, tc.path)
		}
	}
}

func TestRouter_ExactBeatsWildcardMatchingNothing(t *testing.T) {
	rt := testRouter(t, "/a/:x/*", "/a/:x")
	r, _, _ := rt.lookup(http.MethodGet, "/a/1")
	require.NotNil(t, r)
	assert.Equal(t, "/a/:x", r.pattern)
}

func TestRouter_TiesGoToFirstRegistered(t *testing.T) {
	rt := testRouter(t, "/items/:a", "/items/:b")
	r, params, _ := rt.lookup(http.MethodGet, "/items/7")
	require.NotNil(t, r)
	assert.Equal(t, "/items/:a", r.pattern)
	assert.Equal(t, "7", params["a"])
}

func TestRouter_MethodNotAllowed(t *testing.T) {
	rt := new(router)
	noop := func(*Context) {}
	require.NoError(t, rt.add(&route{method: "get", pattern: "/thing", handler: noop}))
	require.NoError(t, rt.add(&route{method: http.MethodPost, pattern: "/thing", handler: noop}))

	r, _, allowed := rt.lookup(http.MethodDelete, "/thing")
	assert.Nil(t, r)
	assert.Equal(t, []string{http.MethodGet, http.MethodHead, http.MethodPost}, allowed)

	r, _, allowed = rt.lookup(http.MethodDelete, "/nothing")
	assert.Nil(t, r)
	assert.Empty(t, allowed)
}

func TestRouter_HeadFallsBackToGet(t *testing.T) {
	rt := testRouter(t, "/page")
	r, _, _ := rt.lookup(http.MethodHead, "/page")
	require.NotNil(t, r)
	assert.Equal(t, http.MethodGet, r.method)
}

func TestNegotiateEncoding(t *testing.T) {
	assert.Equal(t, "br", negotiateEncoding("gzip, deflate, br"))
	assert.Equal(t, "gzip", negotiateEncoding("gzip;q=0.8, br;q=0"))
	assert.Equal(t, "", negotiateEncoding("identity"))
	assert.Equal(t, "", negotiateEncoding(""))
}
