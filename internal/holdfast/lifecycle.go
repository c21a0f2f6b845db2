package holdfast

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Event is a lifecycle signal handled by the controller's dispatch table.
type Event string

const (
	EventInstall  Event = "install"
	EventActivate Event = "activate"
	EventOnline   Event = "online"
	EventPeriodic Event = "periodic"
	EventManual   Event = "manual"
)

var errNotInstalled = errors.New("holdfast: generation not installed")

type eventHandler func(ctx context.Context) (DrainResult, error)

// lifecycle owns the process-wide state: the cache store, the queue store,
// the generation in control and the replay engine. Everything else gets
// these by reference.
type lifecycle struct {
	generation string
	precache   func(ctx context.Context) ([]string, error)

	caches *cacheStore
	queue  *mutationQueue
	assets *assetCache
	engine *replayEngine

	handlers map[Event]eventHandler

	installMu sync.Mutex
	installed atomic.Bool
	activated atomic.Bool

	every      time.Duration
	maxBackoff time.Duration
	backoffMu  sync.Mutex
	backoff    time.Duration
	nextTickAt time.Time

	now func() time.Time
}

func newLifecycle(generation string, every, maxBackoff time.Duration) *lifecycle {
	l := &lifecycle{
		generation: generation,
		every:      every,
		maxBackoff: maxBackoff,
		now:        time.Now,
	}
	l.handlers = map[Event]eventHandler{
		EventInstall:  l.onInstall,
		EventActivate: l.onActivate,
		EventOnline:   l.onOnline,
		EventPeriodic: l.onPeriodic,
		EventManual:   l.onManual,
	}
	return l
}

// restore puts the previously activated generation back in control, so a
// failed install of the new version leaves the old one serving.
func (l *lifecycle) restore() error {
	prev, ok, err := l.caches.Active()
	if err != nil {
		return err
	}
	if ok {
		l.assets.setActive(prev)
		if prev == l.generation {
			l.installed.Store(true)
			l.activated.Store(true)
		}
	}
	return nil
}

func (l *lifecycle) Dispatch(ctx context.Context, ev Event) (DrainResult, error) {
	h, ok := l.handlers[ev]
	if !ok {
		return DrainResult{}, fmt.Errorf("unknown lifecycle event %q", ev)
	}
	return h(ctx)
}

func (l *lifecycle) Activated() bool { return l.activated.Load() }

func (l *lifecycle) onInstall(ctx context.Context) (DrainResult, error) {
	l.installMu.Lock()
	defer l.installMu.Unlock()
	if l.installed.Load() {
		return DrainResult{}, nil
	}

	urls, err := l.precache(ctx)
	if err != nil {
		return DrainResult{}, fmt.Errorf("install %s: %w", l.generation, err)
	}
	// Start from an empty generation; a previous failed attempt may have
	// left part of it behind.
	if _, err := l.caches.DeleteGeneration(l.generation); err != nil {
		return DrainResult{}, fmt.Errorf("install %s: %w", l.generation, err)
	}
	start := time.Now()
	if err := l.assets.Warm(ctx, l.generation, urls); err != nil {
		return DrainResult{}, fmt.Errorf("install %s: %w", l.generation, err)
	}
	l.installed.Store(true)
	log.Printf("installed cache generation %q: %d urls in %s", l.generation, len(urls), time.Since(start).Round(time.Millisecond))
	return DrainResult{}, nil
}

// onActivate switches to the installed generation, reclaims every other
// generation and drains the queue. The queue store is never reclaimed.
func (l *lifecycle) onActivate(ctx context.Context) (DrainResult, error) {
	if !l.installed.Load() {
		return DrainResult{}, errNotInstalled
	}
	if !l.activated.Load() {
		if err := l.caches.SetActive(l.generation); err != nil {
			return DrainResult{}, fmt.Errorf("activate %s: %w", l.generation, err)
		}
		l.assets.setActive(l.generation)
		l.activated.Store(true)
		log.Printf("activated cache generation %q", l.generation)
	}
	if _, err := l.assets.Reclaim(l.generation); err != nil {
		log.Printf("activate: reclaim: %v", err)
	}
	return l.engine.Drain(ctx, TriggerActivate)
}

func (l *lifecycle) onOnline(ctx context.Context) (DrainResult, error) {
	l.resetBackoff()
	return l.engine.Drain(ctx, TriggerOnline)
}

func (l *lifecycle) onManual(ctx context.Context) (DrainResult, error) {
	l.resetBackoff()
	return l.engine.Drain(ctx, TriggerManual)
}

// onPeriodic retries a failed install, then drains unless a run of
// fruitless cycles has pushed the next periodic drain further out. A failed
// install is reported but does not stop the drain.
func (l *lifecycle) onPeriodic(ctx context.Context) (DrainResult, error) {
	var installErr error
	if !l.activated.Load() {
		_, installErr = l.onInstall(ctx)
		if installErr == nil {
			return l.onActivate(ctx)
		}
	}

	l.backoffMu.Lock()
	wait := l.now().Before(l.nextTickAt)
	l.backoffMu.Unlock()
	if wait {
		return DrainResult{Trigger: TriggerPeriodic}, installErr
	}

	res, err := l.engine.Drain(ctx, TriggerPeriodic)
	if err != nil || res.Coalesced {
		return res, errors.Join(installErr, err)
	}
	if res.Replayed == 0 && res.Retained > 0 {
		l.growBackoff()
	} else {
		l.resetBackoff()
	}
	return res, installErr
}

func (l *lifecycle) growBackoff() {
	l.backoffMu.Lock()
	defer l.backoffMu.Unlock()
	if l.backoff == 0 {
		l.backoff = l.every
	} else {
		l.backoff *= 2
	}
	if l.maxBackoff > 0 && l.backoff > l.maxBackoff {
		l.backoff = l.maxBackoff
	}
	l.nextTickAt = l.now().Add(l.backoff)
}

func (l *lifecycle) resetBackoff() {
	l.backoffMu.Lock()
	l.backoff = 0
	l.nextTickAt = time.Time{}
	l.backoffMu.Unlock()
}
