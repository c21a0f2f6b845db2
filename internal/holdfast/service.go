package holdfast

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// adminPrefix is reserved for the service's own endpoints and is never
// classified or forwarded.
const adminPrefix = "/__holdfast/"

var errBodyTooLarge = errors.New("request body too large")

type Service struct {
	cfg Config

	up     *upstream
	passUp *upstream

	caches *cacheStore
	queue  *mutationQueue
	ram    *ramCache
	assets *assetCache
	engine *replayEngine
	life   *lifecycle
	net    *netState
	hub    *hub

	metrics *metrics
	stats   *servedStats
	warnLog *rateLimitedLogger
	admin   http.Handler

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

type Option func(*options)

type options struct {
	transport http.RoundTripper
}

// WithTransport replaces the HTTP transport used for every upstream call.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if err := os.MkdirAll(cfg.Storage.Dir, 0o755); err != nil {
		return nil, err
	}
	caches, err := newCacheStore(filepath.Join(cfg.Storage.Dir, "caches"), cfg.Storage.diskBytes)
	if err != nil {
		return nil, err
	}
	queue, err := openQueue(filepath.Join(cfg.Storage.Dir, "queue"))
	if err != nil {
		_ = caches.close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:     cfg,
		caches:  caches,
		queue:   queue,
		net:     newNetState(),
		stats:   newServedStats(),
		warnLog: newRateLimitedLogger(1 * time.Minute),
		ctx:     ctx,
		cancel:  cancel,
		stopCh:  make(chan struct{}),
	}
	s.metrics = newMetrics(func() float64 { return float64(queue.Len()) })
	s.net.onObserved = s.metrics.UpstreamError

	client := cfg.httpClient(o.transport)
	s.up = &upstream{client: client, net: s.net}
	s.passUp = &upstream{client: client}

	s.ram = newRAMCache(cfg.Storage.ramBytes, s.warnLog)
	s.assets = &assetCache{
		store:     caches,
		ram:       s.ram,
		up:        s.up,
		originURL: cfg.originURL,
		refresh:   cfg.Cache.BackgroundRefresh != nil && *cfg.Cache.BackgroundRefresh,
		bgSem:     make(chan struct{}, 32),
		spawn:     s.spawn,
		warnLog:   s.warnLog,
		metrics:   s.metrics,
	}

	s.hub = newHub([]string{cfg.Server.selfURL.Host}, s.onClientMessage)

	s.engine = &replayEngine{
		queue:             queue,
		up:                s.up,
		originURL:         cfg.originURL,
		maxAttempts:       cfg.Replay.MaxAttempts,
		maxAge:            cfg.Replay.maxAgeDur,
		idempotencyHeader: cfg.Replay.IdempotencyHeader,
		onSuccess:         func(m QueuedMutation) { s.assets.Invalidate(m.URL) },
		notify:            s.hub.Broadcast,
		failLog:           s.warnLog,
		metrics:           s.metrics,
		now:               time.Now,
	}

	s.life = newLifecycle(cfg.Generation(), cfg.Replay.everyDur, cfg.Replay.maxBackoffDur)
	s.life.precache = s.precacheURLs
	s.life.caches = caches
	s.life.queue = queue
	s.life.assets = s.assets
	s.life.engine = s.engine
	if err := s.life.restore(); err != nil {
		s.Close()
		return nil, err
	}

	s.net.onOnline = func() { s.dispatchAsync(EventOnline) }
	s.admin = s.adminHandler()
	return s, nil
}

// Start installs and activates the configured generation, then starts the
// background loops. An install error is returned but the service stays
// usable: the previously active generation keeps serving and install is
// retried on every periodic tick.
func (s *Service) Start(ctx context.Context) error {
	_, err := s.life.Dispatch(ctx, EventInstall)
	if err == nil {
		_, err = s.life.Dispatch(ctx, EventActivate)
	}
	if err != nil {
		log.Printf("lifecycle: %v (in control: %q)", err, s.assets.activeName())
	}

	s.startLoop(func() { s.periodicLoop(s.cfg.Replay.everyDur) })
	s.startLoop(func() { s.probeLoop(s.cfg.Connectivity.everyDur) })
	if s.cfg.Logging.statsEveryDur > 0 {
		s.startLoop(func() { s.statsLoop(s.cfg.Logging.statsEveryDur) })
	}
	return err
}

func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.stopCh)
	s.mu.Unlock()

	s.cancel()
	s.hub.Close()
	s.wg.Wait()
	_ = s.queue.close()
	_ = s.caches.close()
}

// Dispatch delivers a lifecycle event and waits for its handler.
func (s *Service) Dispatch(ctx context.Context, ev Event) (DrainResult, error) {
	return s.life.Dispatch(ctx, ev)
}

func (s *Service) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

// spawn runs fn in the background unless the service is closing.
func (s *Service) spawn(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
	return true
}

func (s *Service) startLoop(fn func()) {
	s.spawn(fn)
}

func (s *Service) dispatchAsync(ev Event) {
	s.spawn(func() { s.dispatchLogged(s.ctx, ev) })
}

func (s *Service) dispatchLogged(ctx context.Context, ev Event) {
	res, err := s.life.Dispatch(ctx, ev)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Printf("lifecycle %s: %v", ev, err)
		}
		return
	}
	if res.Replayed > 0 || res.Expired > 0 {
		log.Printf("drain (%s): replayed=%d retained=%d expired=%d", ev, res.Replayed, res.Retained, res.Expired)
	}
}

func (s *Service) onClientMessage(msg clientMessage) {
	if msg.Type == "sync" {
		s.dispatchAsync(EventManual)
	}
}

func (s *Service) periodicLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.dispatchLogged(s.ctx, EventPeriodic)
		}
	}
}

// probeLoop checks the backend while it is believed unreachable. A response
// flips the state to online, which raises the online event.
func (s *Service) probeLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			if s.net.Online() {
				continue
			}
			ctx, cancel := context.WithTimeout(s.ctx, s.cfg.Server.timeoutDur)
			_, _ = s.up.fetch(ctx, http.MethodGet, s.cfg.originURL(s.cfg.Connectivity.Probe), nil, nil)
			cancel()
		}
	}
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Host == "" && strings.HasPrefix(r.URL.Path, adminPrefix) {
		s.admin.ServeHTTP(w, r)
		return
	}

	start := time.Now()
	d := Classify(RequestInfo{Method: r.Method, URL: r.URL}, s.cfg.Server.selfURL, s.cfg.Rules)
	switch d {
	case DecisionPassThrough:
		s.passThrough(w, r)
	case DecisionQueueOnFailure:
		s.mutate(w, r)
	default:
		s.serveRead(w, r, d)
	}
	s.metrics.ObserveRequest(d, time.Since(start))
}

func (s *Service) serveRead(w http.ResponseWriter, r *http.Request, d Decision) {
	var (
		ent CachedEntry
		tag string
		err error
	)
	if d == DecisionNetworkFirst {
		ent, tag, err = s.assets.NetworkFirst(r.Context(), r)
	} else {
		ent, tag, err = s.assets.Serve(r.Context(), r)
	}
	if err != nil {
		s.badGateway(w, err)
		return
	}
	s.writeEntryWithStats(w, ent, tag)
}

func (s *Service) passThrough(w http.ResponseWriter, r *http.Request) {
	foreign := r.URL.IsAbs() && !sameOrigin(r.URL, s.cfg.Server.selfURL)
	if foreign && !s.cfg.passThroughAllowed(r.URL) {
		s.warnLog.Printf("misdirected", "refusing request for foreign origin %s", r.URL.Host)
		setHoldfastHeaders(w.Header(), "misdirected")
		http.Error(w, "misdirected request", http.StatusMisdirectedRequest)
		return
	}
	body, _, err := readBody(r, s.cfg.Queue.maxBodyBytes)
	if err != nil {
		s.bodyError(w, err)
		return
	}
	up, target := s.up, ""
	if foreign {
		// Another origin says nothing about the backend's reachability.
		up, target = s.passUp, r.URL.String()
	} else {
		target = s.cfg.originURL(r.URL.RequestURI())
	}
	ent, err := up.fetch(r.Context(), r.Method, target, r.Header, body)
	if err != nil {
		s.badGateway(w, err)
		return
	}
	s.writeEntryWithStats(w, ent, "pass")
}

// mutate sends a write live and queues it if the backend cannot be reached.
// An HTTP error from the backend is a delivered write and is returned as is.
func (s *Service) mutate(w http.ResponseWriter, r *http.Request) {
	body, hasBody, err := readBody(r, s.cfg.Queue.maxBodyBytes)
	if err != nil {
		s.bodyError(w, err)
		return
	}
	uri := r.URL.RequestURI()

	// The write outlives an impatient caller: once sent it must be either
	// delivered or queued.
	ctx := context.WithoutCancel(r.Context())
	var send []byte
	if hasBody {
		send = body
	}
	ent, err := s.up.fetch(ctx, r.Method, s.cfg.originURL(uri), r.Header, send)
	if err == nil {
		if isSuccess(ent.Status) {
			s.assets.Invalidate(uri)
		}
		s.writeEntryWithStats(w, ent, "network")
		return
	}

	m, qerr := s.queue.Enqueue(captureMutation(r.Method, uri, r.Header, body, hasBody))
	if qerr != nil {
		log.Printf("queue: %s %s not saved: %v (network: %v)", r.Method, uri, qerr, err)
		writeJSON(w, http.StatusServiceUnavailable, offlineAck{
			OK:      false,
			Offline: true,
			Message: "You are offline and the change could not be saved.",
		}, "queue-failed")
		return
	}
	s.metrics.Enqueued()
	s.stats.ObserveQueued()
	log.Printf("queued %s %s key=%s (%s)", m.Method, m.URL, m.Key, classifyNetErr(err))
	writeJSON(w, http.StatusAccepted, offlineAck{
		OK:      true,
		Offline: true,
		Message: s.cfg.Queue.AckMessage,
		Key:     m.Key,
	}, "queued")
}

// readBody reads the whole request body so it can be both sent and queued.
func readBody(r *http.Request, max int64) ([]byte, bool, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, false, nil
	}
	var rd io.Reader = r.Body
	if max > 0 {
		rd = io.LimitReader(r.Body, max+1)
	}
	b, err := io.ReadAll(rd)
	if err != nil {
		return nil, false, err
	}
	if max > 0 && int64(len(b)) > max {
		return nil, false, errBodyTooLarge
	}
	return b, len(b) > 0, nil
}

func (s *Service) bodyError(w http.ResponseWriter, err error) {
	setHoldfastHeaders(w.Header(), "bad-request")
	if errors.Is(err, errBodyTooLarge) {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	http.Error(w, "bad request", http.StatusBadRequest)
}

func (s *Service) badGateway(w http.ResponseWriter, err error) {
	s.warnLog.Printf("bad-gateway", "upstream unavailable: %v", err)
	setHoldfastHeaders(w.Header(), "bad-gateway")
	http.Error(w, "bad gateway", http.StatusBadGateway)
}

func writeEntry(w http.ResponseWriter, ent CachedEntry, tag string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, "X-Holdfast") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setHoldfastHeaders(w.Header(), tag)
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)
}

func (s *Service) writeEntryWithStats(w http.ResponseWriter, ent CachedEntry, tag string) {
	writeEntry(w, ent, tag)
	s.stats.Observe(tag, len(ent.Body))
}

func writeJSON(w http.ResponseWriter, status int, v any, tag string) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	setHoldfastHeaders(w.Header(), tag)
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

func setHoldfastHeaders(h http.Header, tag string) {
	if tag != "" {
		h.Set("X-Holdfast", tag)
	}
	// Browsers hide custom headers from cross-origin scripts unless exposed.
	ensureExposedHeader(h, "X-Holdfast")
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}

	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}
