package holdfast

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"
)

type replayHarness struct {
	origin *fakeOrigin
	rt     *switchTransport
	queue  *mutationQueue
	engine *replayEngine

	mu       sync.Mutex
	notified []Notification
	invalid  []string
}

func newReplayHarness(t *testing.T) *replayHarness {
	t.Helper()
	h := &replayHarness{origin: newFakeOrigin(t, nil), rt: newSwitchTransport(), queue: openTestQueue(t)}
	cfg := testConfig(t, h.origin.URL, "")
	h.engine = &replayEngine{
		queue:     h.queue,
		up:        &upstream{client: cfg.httpClient(h.rt)},
		originURL: cfg.originURL,
		onSuccess: func(m QueuedMutation) {
			h.mu.Lock()
			h.invalid = append(h.invalid, m.URL)
			h.mu.Unlock()
		},
		notify: func(n Notification) {
			h.mu.Lock()
			h.notified = append(h.notified, n)
			h.mu.Unlock()
		},
		failLog: newRateLimitedLogger(0),
		now:     time.Now,
	}
	return h
}

func (h *replayHarness) notifications() []Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Notification(nil), h.notified...)
}

func (h *replayHarness) enqueue(t *testing.T, n int) []QueuedMutation {
	t.Helper()
	out := make([]QueuedMutation, 0, n)
	for i := 0; i < n; i++ {
		m, err := h.queue.Enqueue(captureMutation(http.MethodPost, fmt.Sprintf("/api/items/%d", i),
			http.Header{"Content-Type": {"application/json"}}, []byte(fmt.Sprintf(`{"n":%d}`, i)), true))
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, m)
	}
	return out
}

func TestDrainReplaysInOrderAndEmptiesQueue(t *testing.T) {
	h := newReplayHarness(t)
	h.enqueue(t, 5)

	res, err := h.engine.Drain(context.Background(), TriggerOnline)
	if err != nil {
		t.Fatal(err)
	}
	if res.Replayed != 5 || res.Retained != 0 || h.queue.Len() != 0 {
		t.Fatalf("res = %+v, len = %d", res, h.queue.Len())
	}

	reqs := h.origin.requests()
	if len(reqs) != 5 {
		t.Fatalf("origin saw %d requests", len(reqs))
	}
	for i, r := range reqs {
		if r.Method != http.MethodPost || r.URI != fmt.Sprintf("/api/items/%d", i) || r.Body != fmt.Sprintf(`{"n":%d}`, i) {
			t.Errorf("request %d = %+v", i, r)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("request %d lost its headers", i)
		}
	}

	ns := h.notifications()
	if len(ns) != 5 {
		t.Fatalf("notifications = %d", len(ns))
	}
	for i, n := range ns {
		if n.Event != EventSuccess || n.URL != fmt.Sprintf("/api/items/%d", i) {
			t.Errorf("notification %d = %+v", i, n)
		}
	}
	if len(h.invalid) != 5 {
		t.Errorf("onSuccess ran %d times", len(h.invalid))
	}
}

func TestDrainRetainsFailuresAndContinues(t *testing.T) {
	h := newReplayHarness(t)
	ms := h.enqueue(t, 5)
	// The server rejects entry 2; the others are independent and go through.
	h.origin.force(http.MethodPost, "/api/items/2", http.StatusInternalServerError)

	res, err := h.engine.Drain(context.Background(), TriggerManual)
	if err != nil {
		t.Fatal(err)
	}
	if res.Replayed != 4 || res.Retained != 1 {
		t.Fatalf("res = %+v", res)
	}
	list, _ := h.queue.List(0)
	if len(list) != 1 || list[0].Key != ms[2].Key {
		t.Fatalf("remaining = %+v", list)
	}
	if got, _ := h.queue.Get(ms[2].Key); string(got.Body) != `{"n":2}` {
		t.Error("retained entry was modified")
	}
	if rec, _ := h.queue.Attempts(ms[2].Key); rec.Attempts != 1 || rec.LastError != "status 500" {
		t.Errorf("record = %+v", rec)
	}
	for _, n := range h.notifications() {
		if n.URL == "/api/items/2" {
			t.Error("failed entry was announced")
		}
	}

	// Next trigger: the server recovered.
	h.origin.force(http.MethodPost, "/api/items/2", 0)
	res, _ = h.engine.Drain(context.Background(), TriggerPeriodic)
	if res.Replayed != 1 || h.queue.Len() != 0 {
		t.Fatalf("second drain = %+v", res)
	}
}

func TestDrainWhileOfflineRetainsEverything(t *testing.T) {
	h := newReplayHarness(t)
	h.enqueue(t, 3)
	h.rt.down.Store(true)

	res, err := h.engine.Drain(context.Background(), TriggerPeriodic)
	if err != nil {
		t.Fatal(err)
	}
	// One attempt per entry per cycle.
	if res.Retained != 3 || res.Replayed != 0 || res.Cycles != 1 {
		t.Fatalf("res = %+v", res)
	}
	if h.queue.Len() != 3 || len(h.notifications()) != 0 {
		t.Fatal("offline drain changed the queue or notified")
	}
}

func TestDrainEmptyQueue(t *testing.T) {
	h := newReplayHarness(t)
	res, err := h.engine.Drain(context.Background(), TriggerManual)
	if err != nil {
		t.Fatal(err)
	}
	if res.Replayed != 0 || res.Retained != 0 || len(h.notifications()) != 0 || len(h.origin.requests()) != 0 {
		t.Fatalf("empty drain did something: %+v", res)
	}
	if h.engine.State() != StateIdle {
		t.Error("engine not idle after drain")
	}
}

func TestDrainMaxAttemptsDeadLetters(t *testing.T) {
	h := newReplayHarness(t)
	h.engine.maxAttempts = 2
	ms := h.enqueue(t, 1)
	h.origin.force(http.MethodPost, "/api/items/0", http.StatusUnprocessableEntity)

	ctx := context.Background()
	if res, _ := h.engine.Drain(ctx, TriggerManual); res.Retained != 1 {
		t.Fatalf("first = %+v", res)
	}
	res, _ := h.engine.Drain(ctx, TriggerManual)
	if res.Expired != 1 || h.queue.Len() != 0 {
		t.Fatalf("second = %+v", res)
	}
	dls, _ := h.queue.DeadLetters()
	if len(dls) != 1 || dls[0].Key != ms[0].Key || dls[0].Attempts != 2 {
		t.Fatalf("dead = %+v", dls)
	}
	ns := h.notifications()
	if len(ns) != 1 || ns[0].Event != EventExpired {
		t.Errorf("notifications = %+v", ns)
	}
}

func TestDrainMaxAgeDeadLetters(t *testing.T) {
	h := newReplayHarness(t)
	h.engine.maxAge = time.Hour
	h.enqueue(t, 1)
	h.engine.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	res, _ := h.engine.Drain(context.Background(), TriggerManual)
	if res.Expired != 1 || len(h.origin.requests()) != 0 {
		t.Fatalf("res = %+v, requests = %d", res, len(h.origin.requests()))
	}
}

func TestDrainIdempotencyHeader(t *testing.T) {
	h := newReplayHarness(t)
	h.engine.idempotencyHeader = "Idempotency-Key"
	ms := h.enqueue(t, 1)
	if _, err := h.engine.Drain(context.Background(), TriggerManual); err != nil {
		t.Fatal(err)
	}
	reqs := h.origin.requests()
	if len(reqs) != 1 || reqs[0].Header.Get("Idempotency-Key") != ms[0].Key {
		t.Fatalf("requests = %+v", reqs)
	}
}

func TestDrainCoalescesConcurrentTriggers(t *testing.T) {
	h := newReplayHarness(t)
	h.enqueue(t, 3)

	var wg sync.WaitGroup
	results := make([]DrainResult, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = h.engine.Drain(context.Background(), TriggerOnline)
		}(i)
	}
	wg.Wait()

	total := 0
	for _, r := range results {
		total += r.Replayed
	}
	if total != 3 {
		t.Errorf("replayed %d in total, want 3", total)
	}
	// Serialized cycles never send an entry twice.
	for i := 0; i < 3; i++ {
		if n := h.origin.count(http.MethodPost, fmt.Sprintf("/api/items/%d", i)); n != 1 {
			t.Errorf("item %d sent %d times", i, n)
		}
	}
	if h.queue.Len() != 0 {
		t.Error("queue not drained")
	}
}
