package holdfast

import (
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"
)

var shellRoutes = map[string]string{"/": "index", "/app.js": "js"}

func shellConfig(t *testing.T, origin, dir, version string, precache ...string) Config {
	t.Helper()
	cfg := testConfigIn(t, origin, dir, "")
	cfg.Cache.Version = version
	cfg.Cache.Precache = precache
	return cfg
}

func serveLocal(svc *Service, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, req)
	return rec
}

func TestFailedInstallKeepsPreviousGeneration(t *testing.T) {
	origin := newFakeOrigin(t, shellRoutes)
	dir := t.TempDir()
	rt := newSwitchTransport()
	ctx := context.Background()

	v1 := newTestService(t, shellConfig(t, origin.URL, dir, "v1", "/", "/app.js"), rt)
	if err := v1.Start(ctx); err != nil {
		t.Fatal(err)
	}
	v1.Close()

	// v2 lists a resource the backend does not have.
	v2 := newTestService(t, shellConfig(t, origin.URL, dir, "v2", "/", "/missing.css"), rt)
	if err := v2.Start(ctx); err == nil {
		t.Fatal("install of v2 should fail")
	}
	if got := v2.assets.activeName(); got != "holdfast-shell-v1" {
		t.Fatalf("in control = %q, want v1", got)
	}
	if v2.life.Activated() {
		t.Error("v2 reported activated")
	}

	rt.down.Store(true)
	rec := serveLocal(v2, http.MethodGet, "/app.js", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "js" || rec.Header().Get("X-Holdfast") != "hit" {
		t.Fatalf("offline shell: %d %q %q", rec.Code, rec.Body.String(), rec.Header().Get("X-Holdfast"))
	}

	// Nothing is reclaimed until a generation actually activates.
	names, _ := v2.caches.Names()
	if len(names) == 0 || names[0] != "holdfast-shell-v1" {
		t.Errorf("generations = %v", names)
	}
}

func TestActivateReclaimsCachesButNotQueue(t *testing.T) {
	origin := newFakeOrigin(t, shellRoutes)
	dir := t.TempDir()
	rt := newSwitchTransport()
	ctx := context.Background()

	v1 := newTestService(t, shellConfig(t, origin.URL, dir, "v1", "/"), rt)
	if err := v1.Start(ctx); err != nil {
		t.Fatal(err)
	}
	rt.down.Store(true)
	if rec := serveLocal(v1, http.MethodPost, "/api/trays/5", `{"status":"in_use"}`); rec.Code != http.StatusAccepted {
		t.Fatalf("enqueue: %d", rec.Code)
	}
	v1.Close()

	// v2 installs fine, but the backend still rejects the queued write.
	rt.down.Store(false)
	origin.force(http.MethodPost, "/api/trays/5", http.StatusServiceUnavailable)
	v2 := newTestService(t, shellConfig(t, origin.URL, dir, "v2", "/", "/app.js"), rt)
	if err := v2.Start(ctx); err != nil {
		t.Fatal(err)
	}

	names, _ := v2.caches.Names()
	if !reflect.DeepEqual(names, []string{"holdfast-shell-v2"}) {
		t.Fatalf("generations after activate = %v", names)
	}
	if v2.queue.Len() != 1 {
		t.Fatalf("queue len = %d, reclaim must not touch it", v2.queue.Len())
	}
	if origin.count(http.MethodPost, "/api/trays/5") != 1 {
		t.Error("activate did not attempt a drain")
	}
}

func TestPeriodicRetriesInstall(t *testing.T) {
	origin := newFakeOrigin(t, map[string]string{"/": "index"})
	rt := newSwitchTransport()
	svc := newTestService(t, shellConfig(t, origin.URL, t.TempDir(), "v1", "/", "/late.js"), rt)
	ctx := context.Background()

	if err := svc.Start(ctx); err == nil {
		t.Fatal("expected install failure")
	}
	if _, err := svc.Dispatch(ctx, EventActivate); err != errNotInstalled {
		t.Fatalf("activate before install = %v", err)
	}

	origin.setRoute("/late.js", "late")
	if _, err := svc.Dispatch(ctx, EventPeriodic); err != nil {
		t.Fatal(err)
	}
	if !svc.life.Activated() || svc.assets.activeName() != "holdfast-shell-v1" {
		t.Fatal("periodic tick did not finish install and activate")
	}
}

func TestPeriodicDrainsWhileInstallFails(t *testing.T) {
	origin := newFakeOrigin(t, map[string]string{"/": "index"})
	rt := newSwitchTransport()
	svc := newTestService(t, shellConfig(t, origin.URL, t.TempDir(), "v1", "/", "/gone.js"), rt)
	ctx := context.Background()
	if err := svc.Start(ctx); err == nil {
		t.Fatal("expected install failure")
	}

	rt.down.Store(true)
	if rec := serveLocal(svc, http.MethodPost, "/api/items", `{"n":1}`); rec.Code != http.StatusAccepted {
		t.Fatalf("offline write = %d", rec.Code)
	}
	rt.down.Store(false)

	res, err := svc.Dispatch(ctx, EventPeriodic)
	if err == nil || !strings.Contains(err.Error(), "/gone.js") {
		t.Errorf("install error not reported: %v", err)
	}
	if res.Replayed != 1 || svc.queue.Len() != 0 {
		t.Fatalf("periodic tick did not drain: %+v, pending %d", res, svc.queue.Len())
	}
	if svc.life.Activated() {
		t.Error("activated without an install")
	}
}

func TestPeriodicBackoff(t *testing.T) {
	origin := newFakeOrigin(t, nil)
	rt := newSwitchTransport()
	svc := newTestService(t, shellConfig(t, origin.URL, t.TempDir(), "v1"), rt)
	ctx := context.Background()
	if err := svc.Start(ctx); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	svc.life.now = func() time.Time { return now }
	rt.down.Store(true)
	serveLocal(svc, http.MethodPost, "/api/items", `{}`)

	res, _ := svc.Dispatch(ctx, EventPeriodic)
	if res.Cycles != 1 || res.Retained != 1 {
		t.Fatalf("first tick = %+v", res)
	}
	// A fruitless cycle pushes the next periodic drain out.
	res, _ = svc.Dispatch(ctx, EventPeriodic)
	if res.Cycles != 0 {
		t.Fatalf("tick during backoff ran a cycle: %+v", res)
	}
	now = now.Add(svc.cfg.Replay.everyDur + time.Second)
	if res, _ = svc.Dispatch(ctx, EventPeriodic); res.Cycles != 1 {
		t.Fatalf("tick after backoff = %+v", res)
	}

	// Manual triggers always run and reset the backoff.
	if res, _ = svc.Dispatch(ctx, EventManual); res.Cycles != 1 {
		t.Fatalf("manual = %+v", res)
	}
	if res, _ = svc.Dispatch(ctx, EventPeriodic); res.Cycles != 1 {
		t.Fatalf("tick after manual = %+v", res)
	}
}

func TestGrowBackoffCaps(t *testing.T) {
	l := newLifecycle("g", time.Second, 5*time.Second)
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		l.growBackoff()
		if l.backoff != w {
			t.Fatalf("step %d backoff = %v, want %v", i, l.backoff, w)
		}
	}
	l.resetBackoff()
	if l.backoff != 0 || !l.nextTickAt.IsZero() {
		t.Error("reset")
	}
}

func TestDispatchUnknownEvent(t *testing.T) {
	l := newLifecycle("g", time.Second, time.Second)
	if _, err := l.Dispatch(context.Background(), Event("fetch")); err == nil {
		t.Fatal("expected error")
	}
}
