package holdfast

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
)

func TestPrecacheURLsFromManifest(t *testing.T) {
	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	_, _ = zw.Write([]byte(`<urlset><url><loc>/icons/app.png</loc></url><url><loc>/app.js</loc></url></urlset>`))
	_ = zw.Close()

	mux := http.NewServeMux()
	var base string
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<sitemapindex>
  <sitemap><loc>` + base + `/pages.xml</loc></sitemap>
  <sitemap><loc>/assets.xml.gz</loc></sitemap>
</sitemapindex>`))
	})
	mux.HandleFunc("/pages.xml", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<urlset>
  <url><loc>` + base + `/</loc></url>
  <url><loc>http://app.test/trays?view=grid</loc></url>
  <url><loc>https://cdn.elsewhere.test/lib.js</loc></url>
</urlset>`))
	})
	mux.HandleFunc("/assets.xml.gz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(gz.Bytes())
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	base = srv.URL

	cfg := testConfig(t, srv.URL, "")
	cfg.Cache.Precache = []string{"/", "offline.html"}
	cfg.Cache.Manifest = "/sitemap.xml"
	svc := newTestService(t, cfg, nil)

	got, err := svc.precacheURLs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"/", "/offline.html", "/trays?view=grid", "/icons/app.png", "/app.js"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("precache = %v\nwant      %v", got, want)
	}
}

func TestPrecacheURLsManifestFailure(t *testing.T) {
	origin := newFakeOrigin(t, nil)
	cfg := testConfig(t, origin.URL, "")
	cfg.Cache.Manifest = "/sitemap.xml"
	svc := newTestService(t, cfg, nil)
	if _, err := svc.precacheURLs(context.Background()); err == nil {
		t.Fatal("a missing manifest must fail install")
	}
}
