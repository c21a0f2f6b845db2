package holdfast

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// sitemapDoc covers both <urlset> and <sitemapindex> documents.
type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// precacheURLs is the install list: cache.precache followed by everything the
// manifest (and nested sitemaps) lists for the same origin, deduplicated in
// first-seen order.
func (s *Service) precacheURLs(ctx context.Context) ([]string, error) {
	seen := map[string]struct{}{}
	var out []string
	add := func(loc string) {
		p := s.normalizeLoc(loc)
		if p == "" {
			return
		}
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}

	for _, u := range s.cfg.Cache.Precache {
		add(u)
	}
	if strings.TrimSpace(s.cfg.Cache.Manifest) == "" {
		return out, nil
	}

	seenSitemaps := map[string]struct{}{}
	queue := []string{s.absoluteOriginURL(s.cfg.Cache.Manifest)}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seenSitemaps[smURL]; ok {
			continue
		}
		seenSitemaps[smURL] = struct{}{}

		doc, err := s.fetchAndParseSitemap(ctx, smURL)
		if err != nil {
			return nil, fmt.Errorf("manifest %q: %w", smURL, err)
		}
		for _, nested := range doc.Sitemaps {
			if nested != "" {
				queue = append(queue, s.absoluteOriginURL(nested))
			}
		}
		for _, loc := range doc.URLs {
			add(loc)
		}
	}
	return out, nil
}

func (s *Service) absoluteOriginURL(u string) string {
	u = strings.TrimSpace(u)
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	return s.cfg.originURL(u)
}

// normalizeLoc turns a listed location into a same-origin request URI. Locs
// for the backend origin or the service's own origin are accepted; anything
// else is not part of the shell and is dropped.
func (s *Service) normalizeLoc(loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	if !strings.HasPrefix(loc, "http://") && !strings.HasPrefix(loc, "https://") {
		if !strings.HasPrefix(loc, "/") {
			loc = "/" + loc
		}
		return loc
	}
	u, err := url.Parse(loc)
	if err != nil {
		return ""
	}
	origin, _ := url.Parse(s.cfg.Server.Origin)
	if !sameOrigin(u, s.cfg.Server.selfURL) && !sameOrigin(u, origin) {
		return ""
	}
	u.Scheme, u.Host, u.User, u.Fragment = "", "", nil, ""
	if u.Path == "" {
		u.Path = "/"
	}
	return u.RequestURI()
}

func (s *Service) fetchAndParseSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	ent, err := s.up.fetch(ctx, http.MethodGet, sitemapURL, nil, nil)
	if err != nil {
		return sitemapDoc{}, err
	}
	if !isSuccess(ent.Status) {
		b := ent.Body
		if len(b) > 2048 {
			b = b[:2048]
		}
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", ent.Status, strings.TrimSpace(string(b)))
	}

	body := ent.Body
	// .gz manifests may or may not also be served with Content-Encoding.
	tryGzip := strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b)
	if tryGzip {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
			_ = gz.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}
