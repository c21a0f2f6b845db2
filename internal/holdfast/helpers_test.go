package holdfast

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

// switchTransport fails every round trip with a refused dial while down.
type switchTransport struct {
	down atomic.Bool
	rt   http.RoundTripper
}

func newSwitchTransport() *switchTransport {
	return &switchTransport{rt: http.DefaultTransport}
}

func (s *switchTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if s.down.Load() {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	}
	return s.rt.RoundTrip(r)
}

type seenRequest struct {
	Method string
	URI    string
	Header http.Header
	Body   string
}

// fakeOrigin is a backend that records every request it answers.
type fakeOrigin struct {
	*httptest.Server

	mu     sync.Mutex
	routes map[string]string
	extra  map[string]http.Header // path -> added response headers
	seen   []seenRequest
	status map[string]int // "METHOD /uri" -> forced status
}

func newFakeOrigin(t *testing.T, routes map[string]string) *fakeOrigin {
	t.Helper()
	o := &fakeOrigin{routes: map[string]string{}, extra: map[string]http.Header{}, status: map[string]int{}}
	for k, v := range routes {
		o.routes[k] = v
	}
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		o.mu.Lock()
		o.seen = append(o.seen, seenRequest{Method: r.Method, URI: r.URL.RequestURI(), Header: r.Header.Clone(), Body: string(body)})
		st, forced := o.status[r.Method+" "+r.URL.RequestURI()]
		content, ok := o.routes[r.URL.Path]
		added := o.extra[r.URL.Path]
		o.mu.Unlock()

		if forced {
			w.WriteHeader(st)
			return
		}
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"ok":true,"method":%q}`, r.Method)
			return
		}
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		for k, vs := range added {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		http.ServeContent(w, r, "", time.Time{}, strings.NewReader(content))
	}))
	t.Cleanup(o.Close)
	return o
}

func (o *fakeOrigin) setRoute(path, content string) {
	o.mu.Lock()
	o.routes[path] = content
	o.mu.Unlock()
}

func (o *fakeOrigin) setHeader(path, key, value string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.extra[path] == nil {
		o.extra[path] = http.Header{}
	}
	o.extra[path].Add(key, value)
}

func (o *fakeOrigin) force(method, uri string, status int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if status == 0 {
		delete(o.status, method+" "+uri)
		return
	}
	o.status[method+" "+uri] = status
}

func (o *fakeOrigin) requests() []seenRequest {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]seenRequest(nil), o.seen...)
}

// count returns how many requests matched method and uri.
func (o *fakeOrigin) count(method, uri string) int {
	n := 0
	for _, r := range o.requests() {
		if r.Method == method && r.URI == uri {
			n++
		}
	}
	return n
}

// testConfig parses a minimal config for origin with storage in a temp dir.
// extra is appended to the YAML document and must not repeat the server,
// cache or storage sections; set cache fields on the result instead.
func testConfig(t *testing.T, origin, extra string) Config {
	t.Helper()
	return testConfigIn(t, origin, t.TempDir(), extra)
}

func testConfigIn(t *testing.T, origin, dir, extra string) Config {
	t.Helper()
	doc := fmt.Sprintf(`
server:
  origin: %s
  self: http://app.test
  timeout: 5s
cache:
  backgroundRefresh: false
storage:
  dir: %s
`, origin, dir)
	cfg, err := ParseConfig([]byte(doc + strings.TrimLeft(extra, "\n")))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	return cfg
}

func newTestService(t *testing.T, cfg Config, rt http.RoundTripper) *Service {
	t.Helper()
	svc, err := NewService(cfg, WithTransport(rt))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(svc.Close)
	return svc
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func openTestQueue(t *testing.T) *mutationQueue {
	t.Helper()
	q, err := openQueue(t.TempDir())
	if err != nil {
		t.Fatalf("openQueue: %v", err)
	}
	t.Cleanup(func() { _ = q.close() })
	return q
}

func openTestCacheStore(t *testing.T, max int64) *cacheStore {
	t.Helper()
	c, err := newCacheStore(t.TempDir(), max)
	if err != nil {
		t.Fatalf("newCacheStore: %v", err)
	}
	t.Cleanup(func() { _ = c.close() })
	return c
}
