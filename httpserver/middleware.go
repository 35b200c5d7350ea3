package httpserver

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// Logging logs every request once its response commits.
func Logging(logger *logiface.Logger[logiface.Event]) Middleware {
	return func(c *Context, next func()) {
		start := time.Now()
		req, res := c.Request, c.Response
		go func() {
			<-res.Done()
			logger.Info().
				Str("method", req.Method).
				Str("path", req.Path).
				Str("remote", req.RemoteAddr).
				Int("status", res.StatusCode()).
				Dur("elapsed", time.Since(start)).
				Log("httpserver: request")
		}()
		next()
	}
}

// RateLimit limits requests per client IP. rates maps a window to the number
// of requests allowed within it, as for catrate.NewLimiter, which panics on
// invalid rates. Limited requests get 429 with Retry-After.
func RateLimit(rates map[time.Duration]int) Middleware {
	limiter := catrate.NewLimiter(rates)
	return func(c *Context, next func()) {
		if at, ok := limiter.Allow(c.Request.IP()); !ok {
			wait := time.Until(at)
			secs := int(math.Ceil(wait.Seconds()))
			if secs < 1 {
				secs = 1
			}
			c.Response.Header("Retry-After", strconv.Itoa(secs))
			c.Response.fail(http.StatusTooManyRequests)
			return
		}
		next()
	}
}

// Compress encodes committed bodies with br or gzip when the client accepts
// one. Files are sent as is, so range requests keep working.
func Compress() Middleware {
	return func(c *Context, next func()) {
		c.Response.EnableCompression()
		next()
	}
}

// Recover converts a panic in the rest of the chain into a 500. The
// dispatcher already does this; Recover lets a chain log it earlier with
// request context.
func Recover(logger *logiface.Logger[logiface.Event]) Middleware {
	return func(c *Context, next func()) {
		defer func() {
			if r := recover(); r != nil {
				logger.Err().Str("path", c.Request.Path).Any("panic", r).Log("httpserver: recovered")
				c.Response.fail(http.StatusInternalServerError)
			}
		}()
		next()
	}
}
