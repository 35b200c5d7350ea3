package httpserver

import (
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
)

type segmentKind uint8

// ordered by specificity, most specific first
const (
	segLiteral segmentKind = iota
	segParam
	segWildcard
)

type segment struct {
	value string
	kind  segmentKind
}

type routeKind uint8

const (
	routeHandler routeKind = iota
	routeWS
	routeStatic
)

type route struct {
	handler  Handler
	ws       WSHandler
	static   *staticDir
	method   string
	pattern  string
	segments []segment
	seq      int
	kind     routeKind
}

// parsePattern splits a pattern such as /users/:id/files/*path. A wildcard
// must be the final segment and matches the rest of the path, including
// nothing.
func parsePattern(pattern string) ([]segment, error) {
	if !strings.HasPrefix(pattern, "/") {
		return nil, fmt.Errorf("%w: %q must start with /", ErrInvalidPattern, pattern)
	}
	parts := splitPath(pattern)
	segs := make([]segment, 0, len(parts))
	seen := make(map[string]bool)
	for i, p := range parts {
		switch {
		case strings.HasPrefix(p, ":"):
			name := p[1:]
			if name == "" {
				return nil, fmt.Errorf("%w: %q has an unnamed parameter", ErrInvalidPattern, pattern)
			}
			if seen[name] {
				return nil, fmt.Errorf("%w: %q repeats parameter %q", ErrInvalidPattern, pattern, name)
			}
			seen[name] = true
			segs = append(segs, segment{kind: segParam, value: name})
		case strings.HasPrefix(p, "*"):
			if i != len(parts)-1 {
				return nil, fmt.Errorf("%w: %q has a wildcard before the end", ErrInvalidPattern, pattern)
			}
			name := p[1:]
			if name == "" {
				name = "*"
			}
			segs = append(segs, segment{kind: segWildcard, value: name})
		default:
			segs = append(segs, segment{kind: segLiteral, value: p})
		}
	}
	return segs, nil
}

// splitPath returns the non-empty segments of p.
func splitPath(p string) []string {
	raw := strings.Split(p, "/")
	out := raw[:0]
	for _, s := range raw {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// match reports whether the route matches parts, returning the captured
// parameters.
func (r *route) match(parts []string) (map[string]string, bool) {
	var params map[string]string
	for i, seg := range r.segments {
		if seg.kind == segWildcard {
			if params == nil {
				params = make(map[string]string)
			}
			params[seg.value] = strings.Join(parts[i:], "/")
			return params, true
		}
		if i >= len(parts) {
			return nil, false
		}
		switch seg.kind {
		case segLiteral:
			if parts[i] != seg.value {
				return nil, false
			}
		case segParam:
			if params == nil {
				params = make(map[string]string)
			}
			params[seg.value] = parts[i]
		}
	}
	if len(parts) != len(r.segments) {
		return nil, false
	}
	return params, true
}

// moreSpecific orders matching candidates: segment by segment, literal
// beats parameter and parameter beats wildcard. Remaining ties go to the
// earlier registration.
func moreSpecific(a, b *route) bool {
	for i := 0; i < len(a.segments) && i < len(b.segments); i++ {
		if a.segments[i].kind != b.segments[i].kind {
			return a.segments[i].kind < b.segments[i].kind
		}
	}
	if len(a.segments) != len(b.segments) {
		// the longer one ends in a wildcard matching nothing
		return len(a.segments) < len(b.segments)
	}
	return a.seq < b.seq
}

type router struct {
	routes []*route
	seq    int
	mu     sync.RWMutex
}

func (rt *router) add(r *route) error {
	segs, err := parsePattern(r.pattern)
	if err != nil {
		return err
	}
	r.segments = segs
	r.method = strings.ToUpper(r.method)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.seq++
	r.seq = rt.seq
	rt.routes = append(rt.routes, r)
	return nil
}

// candidate is a route matching a request, with its captured parameters.
type candidate struct {
	route  *route
	params map[string]string
}

// lookup finds the best route for method and path. When nothing matches the
// method but other methods match the path, allowed lists them.
func (rt *router) lookup(method, path string) (*route, map[string]string, []string) {
	matches, allowed := rt.candidates(method, path)
	if len(matches) == 0 {
		return nil, nil, allowed
	}
	return matches[0].route, matches[0].params, nil
}

// candidates returns every route matching method and path, most specific
// first. GET routes answer HEAD after any explicit HEAD route. allowed is
// only set when nothing matches.
func (rt *router) candidates(method, path string) (matches []candidate, allowed []string) {
	parts := splitPath(path)
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var fallback []candidate
	for _, r := range rt.routes {
		p, ok := r.match(parts)
		if !ok {
			continue
		}
		switch {
		case r.method == method:
			matches = append(matches, candidate{route: r, params: p})
		case method == http.MethodHead && r.method == http.MethodGet:
			fallback = append(fallback, candidate{route: r, params: p})
		default:
			if !slices.Contains(allowed, r.method) {
				allowed = append(allowed, r.method)
			}
		}
	}
	bySpecificity := func(a, b candidate) int {
		switch {
		case moreSpecific(a.route, b.route):
			return -1
		case moreSpecific(b.route, a.route):
			return 1
		}
		return 0
	}
	slices.SortFunc(matches, bySpecificity)
	slices.SortFunc(fallback, bySpecificity)
	matches = append(matches, fallback...)
	if len(matches) > 0 {
		return matches, nil
	}
	if slices.Contains(allowed, http.MethodGet) && !slices.Contains(allowed, http.MethodHead) {
		allowed = append(allowed, http.MethodHead)
	}
	slices.Sort(allowed)
	return nil, allowed
}
