package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
)

// Route answers one request. hit is 1 for the first request to the path.
type Route func(w http.ResponseWriter, r *http.Request, hit int)

// Distribution is a fake release site that counts requests per path.
type Distribution struct {
	Server *httptest.Server

	mu     sync.Mutex
	routes map[string]Route
	hits   map[string]int
}

// NewDistribution starts a server that is closed when the test ends.
// Unregistered paths return 404.
func NewDistribution(t testing.TB) *Distribution {
	t.Helper()
	d := &Distribution{
		routes: make(map[string]Route),
		hits:   make(map[string]int),
	}
	d.Server = httptest.NewServer(http.HandlerFunc(d.serveHTTP))
	t.Cleanup(d.Server.Close)
	return d
}

func (d *Distribution) serveHTTP(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	d.hits[r.URL.Path]++
	hit := d.hits[r.URL.Path]
	route := d.routes[r.URL.Path]
	d.mu.Unlock()

	if route == nil {
		http.NotFound(w, r)
		return
	}
	route(w, r, hit)
}

// URL returns the server's base URL.
func (d *Distribution) URL() string {
	return d.Server.URL
}

// Handle registers fn for path.
func (d *Distribution) Handle(path string, fn Route) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.routes[path] = fn
}

// Serve registers a static 200 response for path.
func (d *Distribution) Serve(path string, body []byte) {
	d.Handle(path, Static(body))
}

// Hits returns the number of requests seen for path.
func (d *Distribution) Hits(path string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hits[path]
}

// TotalHits returns the number of requests seen across all paths.
func (d *Distribution) TotalHits() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	total := 0
	for _, n := range d.hits {
		total += n
	}
	return total
}

// Static always responds 200 with body.
func Static(body []byte) Route {
	return func(w http.ResponseWriter, _ *http.Request, _ int) {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		_, _ = w.Write(body)
	}
}

// FailFirst responds with status for the first n hits, then delegates to next.
func FailFirst(n, status int, next Route) Route {
	return func(w http.ResponseWriter, r *http.Request, hit int) {
		if hit <= n {
			http.Error(w, http.StatusText(status), status)
			return
		}
		next(w, r, hit)
	}
}

// Truncated announces the full length of body but sends only the first n
// bytes before dropping the connection.
func Truncated(body []byte, n int) Route {
	return func(w http.ResponseWriter, _ *http.Request, _ int) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			panic("testutil: response writer does not support hijacking")
		}
		conn, buf, err := hj.Hijack()
		if err != nil {
			panic(err)
		}
		defer conn.Close()
		_, _ = fmt.Fprintf(buf, "HTTP/1.1 200 OK\r\nContent-Length: %d\r\nConnection: close\r\n\r\n", len(body))
		_, _ = buf.Write(body[:n])
		_ = buf.Flush()
	}
}

// Stall sends headers and the first n bytes of body, then blocks until the
// request is canceled or release is closed.
func Stall(body []byte, n int, release <-chan struct{}) Route {
	return func(w http.ResponseWriter, r *http.Request, _ int) {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body[:n])
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}
}
