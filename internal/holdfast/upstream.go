package holdfast

import (
	"bytes"
	"context"
	"hash/crc32"
	"io"
	"net/http"
	"strings"
	"time"
)

// upstream performs every network round trip of the service so connectivity
// can be observed in one place.
type upstream struct {
	client *http.Client
	net    *netState
}

// fetch issues one request and captures the whole response. err is non-nil
// only for transport failures; any HTTP status is a successful round trip.
func (u *upstream) fetch(ctx context.Context, method, target string, hdr http.Header, body []byte) (CachedEntry, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return CachedEntry{}, err
	}
	copyHeaders(req.Header, hdr)
	req.Header.Set("Accept-Encoding", "identity")

	return u.send(req)
}

// send is fetch for a request the caller built itself.
func (u *upstream) send(req *http.Request) (CachedEntry, error) {
	ent, err := u.do(req)
	if u.net != nil {
		u.net.Observe(err)
	}
	return ent, err
}

func (u *upstream) do(req *http.Request) (CachedEntry, error) {
	resp, err := u.client.Do(req)
	if err != nil {
		return CachedEntry{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return CachedEntry{}, err
	}

	ent := CachedEntry{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     body,
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(body),
	}
	ent.Header.Del("Content-Length")
	return ent, nil
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

// cacheable reports whether a response may be stored in an asset generation.
// A partial body would be served as the whole resource, so 206 never is.
func cacheable(ent CachedEntry) bool {
	if !isSuccess(ent.Status) || ent.Status == http.StatusPartialContent {
		return false
	}
	cc := strings.ToLower(ent.Header.Get("Cache-Control"))
	return !strings.Contains(cc, "no-store") && !strings.Contains(cc, "no-cache")
}

// storable returns ent without per-client headers.
func storable(ent CachedEntry) CachedEntry {
	if ent.Header.Get("Set-Cookie") == "" && ent.Header.Get("Set-Cookie2") == "" {
		return ent
	}
	ent.Header = ent.Header.Clone()
	ent.Header.Del("Set-Cookie")
	ent.Header.Del("Set-Cookie2")
	return ent
}

var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Content-Length":      {},
	"Host":                {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Proxy-Connection":    {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func isHopByHop(name string) bool {
	_, ok := hopByHop[http.CanonicalHeaderKey(name)]
	return ok
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if isHopByHop(k) {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
