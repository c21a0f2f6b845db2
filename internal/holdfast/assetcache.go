package holdfast

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync/atomic"
	"time"
)

// assetCache serves reads from the active generation of the named cache
// store, with a RAM tier in front of the disk tier.
type assetCache struct {
	store *cacheStore
	ram   *ramCache
	up    *upstream

	originURL func(uri string) string
	refresh   bool

	// active is the generation in control. Empty until a generation has
	// ever been activated, in which case nothing is cached.
	active atomic.Value

	bgSem chan struct{}
	// spawn starts background work; false means it was not started.
	spawn func(fn func()) bool

	warnLog *rateLimitedLogger
	metrics *metrics
}

func (a *assetCache) activeName() string {
	s, _ := a.active.Load().(string)
	return s
}

func (a *assetCache) setActive(gen string) {
	a.active.Store(gen)
}

func ramKey(gen, uri string) string {
	return gen + "\x00" + uri
}

// Lookup returns the entry for uri in the active generation.
func (a *assetCache) Lookup(uri string) (CachedEntry, bool) {
	gen := a.activeName()
	if gen == "" {
		return CachedEntry{}, false
	}
	if ent, ok := a.ram.Get(ramKey(gen, uri)); ok {
		return ent, true
	}
	ent, err := a.store.Get(gen, uri)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			a.warnLog.Printf("cache-read", "cache read %s: %v", uri, err)
		}
		return CachedEntry{}, false
	}
	a.ram.Put(ramKey(gen, uri), ent)
	return ent, true
}

// put is best-effort: failures are logged and counted, never returned.
func (a *assetCache) put(uri string, ent CachedEntry) {
	gen := a.activeName()
	if gen == "" || !cacheable(ent) {
		return
	}
	ent = storable(ent)
	if err := a.store.Put(gen, uri, ent); err != nil {
		a.metrics.CacheStoreFailed()
		a.warnLog.Printf("cache-write", "cache write %s: %v", uri, err)
		return
	}
	a.ram.Put(ramKey(gen, uri), ent)
}

// Serve is cache-first. The returned tag is "hit" or "miss"; err is set only
// when the network failed and nothing was cached.
func (a *assetCache) Serve(ctx context.Context, r *http.Request) (CachedEntry, string, error) {
	uri := r.URL.RequestURI()
	if ent, ok := a.Lookup(uri); ok {
		a.metrics.CacheLookup("hit")
		if a.refresh {
			a.revalidateAsync(uri, r.Header)
		}
		return ent, "hit", nil
	}
	a.metrics.CacheLookup("miss")

	ent, err := a.up.fetch(ctx, r.Method, a.originURL(uri), r.Header, nil)
	if err != nil {
		return CachedEntry{}, "", err
	}
	if storesRead(r) {
		a.put(uri, ent)
	}
	return ent, "miss", nil
}

// storesRead reports whether the response to r is the whole resource.
func storesRead(r *http.Request) bool {
	return r.Method == http.MethodGet && r.Header.Get("Range") == ""
}

// NetworkFirst fetches live and falls back to the cached copy. The tag is
// "network" or "fallback".
func (a *assetCache) NetworkFirst(ctx context.Context, r *http.Request) (CachedEntry, string, error) {
	uri := r.URL.RequestURI()
	ent, err := a.up.fetch(ctx, r.Method, a.originURL(uri), r.Header, nil)
	if err == nil {
		if storesRead(r) {
			a.put(uri, ent)
		}
		return ent, "network", nil
	}
	if cached, ok := a.Lookup(uri); ok {
		a.metrics.CacheLookup("fallback")
		return cached, "fallback", nil
	}
	a.metrics.CacheLookup("miss")
	return CachedEntry{}, "", err
}

// Warm fetches every url into gen. The first failure aborts the whole warm.
func (a *assetCache) Warm(ctx context.Context, gen string, urls []string) error {
	for _, uri := range urls {
		if err := ctx.Err(); err != nil {
			return err
		}
		ent, err := a.up.fetch(ctx, http.MethodGet, a.originURL(uri), nil, nil)
		if err != nil {
			return fmt.Errorf("warm %s: %w", uri, err)
		}
		if !isSuccess(ent.Status) {
			return fmt.Errorf("warm %s: unexpected status %d", uri, ent.Status)
		}
		if err := a.store.Put(gen, uri, storable(ent)); err != nil {
			return fmt.Errorf("warm %s: %w", uri, err)
		}
	}
	return nil
}

// Reclaim deletes every generation except current.
func (a *assetCache) Reclaim(current string) ([]string, error) {
	names, err := a.store.Names()
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, n := range names {
		if n == current {
			continue
		}
		cnt, err := a.store.DeleteGeneration(n)
		if err != nil {
			return removed, fmt.Errorf("delete generation %q: %w", n, err)
		}
		log.Printf("reclaimed cache generation %q (%d entries)", n, cnt)
		removed = append(removed, n)
	}
	a.ram.Purge(ramKey(current, ""))
	return removed, nil
}

// Invalidate drops the cached read of uri after a successful write to it.
func (a *assetCache) Invalidate(uri string) {
	gen := a.activeName()
	if gen == "" {
		return
	}
	a.ram.Delete(ramKey(gen, uri))
	if err := a.store.Delete(gen, uri); err != nil {
		a.warnLog.Printf("cache-invalidate", "cache invalidate %s: %v", uri, err)
	}
}

func (a *assetCache) revalidateAsync(uri string, hdr http.Header) {
	select {
	case a.bgSem <- struct{}{}:
	default:
		return
	}
	hdr = hdr.Clone()
	hdr.Del("Range")
	hdr.Del("If-Range")

	started := a.spawn(func() {
		defer func() { <-a.bgSem }()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		a.revalidateOnce(ctx, uri, hdr)
	})
	if !started {
		<-a.bgSem
	}
}

func (a *assetCache) revalidateOnce(ctx context.Context, uri string, hdr http.Header) {
	gen := a.activeName()
	if gen == "" {
		return
	}
	ent, err := a.up.fetch(ctx, http.MethodGet, a.originURL(uri), hdr, nil)
	if err != nil {
		return
	}
	if !cacheable(ent) {
		// Only a definite "gone" evicts; other statuses keep the copy.
		if ent.Status == http.StatusNotFound || ent.Status == http.StatusGone {
			a.ram.Delete(ramKey(gen, uri))
			_ = a.store.Delete(gen, uri)
		}
		return
	}
	if cur, ok := a.Lookup(uri); ok && cur.Hash32 == ent.Hash32 && cur.Status == ent.Status {
		return
	}
	a.put(uri, ent)
}
