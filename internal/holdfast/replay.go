package holdfast

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Trigger names what started a drain cycle.
type Trigger string

const (
	TriggerActivate Trigger = "activate"
	TriggerOnline   Trigger = "online"
	TriggerPeriodic Trigger = "periodic"
	TriggerManual   Trigger = "manual"
)

type EngineState int32

const (
	StateIdle EngineState = iota
	StateDraining
)

func (s EngineState) String() string {
	if s == StateDraining {
		return "draining"
	}
	return "idle"
}

// DrainResult summarizes one or more back-to-back drain cycles.
type DrainResult struct {
	Trigger  Trigger `json:"trigger"`
	Cycles   int     `json:"cycles"`
	Replayed int     `json:"replayed"`
	Retained int     `json:"retained"`
	Expired  int     `json:"expired"`
	// Coalesced is set when another cycle was already running; that cycle
	// runs once more on behalf of this trigger.
	Coalesced bool `json:"coalesced,omitempty"`
}

func (r *DrainResult) add(o DrainResult) {
	r.Cycles += o.Cycles
	r.Replayed += o.Replayed
	r.Retained += o.Retained
	r.Expired += o.Expired
}

// replayEngine drains the mutation queue against the backend, one entry at a
// time and in enqueue order.
type replayEngine struct {
	queue *mutationQueue
	up    *upstream

	originURL func(uri string) string

	maxAttempts       int
	maxAge            time.Duration
	idempotencyHeader string

	// onSuccess runs after an entry was confirmed and removed.
	onSuccess func(m QueuedMutation)
	notify    func(Notification)

	mu    sync.Mutex
	state atomic.Int32
	rerun atomic.Bool

	failLog *rateLimitedLogger
	metrics *metrics
	now     func() time.Time
}

func (e *replayEngine) State() EngineState {
	return EngineState(e.state.Load())
}

// Drain runs one cycle over the entries pending right now. If a cycle is
// already running the call returns at once and that cycle is followed by one
// more, so no trigger is lost.
func (e *replayEngine) Drain(ctx context.Context, trigger Trigger) (DrainResult, error) {
	res := DrainResult{Trigger: trigger}
	for {
		if !e.mu.TryLock() {
			e.rerun.Store(true)
			res.Coalesced = res.Cycles == 0
			return res, nil
		}
		err := e.drainLocked(ctx, trigger, &res)
		e.mu.Unlock()
		// A trigger may have arrived between the last cycle and Unlock.
		if err != nil || !e.rerun.Load() {
			return res, err
		}
	}
}

func (e *replayEngine) drainLocked(ctx context.Context, trigger Trigger, res *DrainResult) error {
	e.state.Store(int32(StateDraining))
	defer e.state.Store(int32(StateIdle))

	for {
		e.rerun.Store(false)
		e.metrics.Drain(trigger)
		cyc, err := e.cycle(ctx)
		res.add(cyc)
		if err != nil || !e.rerun.Load() {
			return err
		}
	}
}

func (e *replayEngine) cycle(ctx context.Context) (DrainResult, error) {
	res := DrainResult{Cycles: 1}

	it := e.queue.Pending()
	defer it.Release()
	for it.Next() {
		if err := ctx.Err(); err != nil {
			// Whatever is left stays pending for the next trigger.
			return res, err
		}
		m := it.Mutation()

		if e.maxAge > 0 && e.now().Sub(time.Unix(0, m.EnqueuedAt)) > e.maxAge {
			if e.expire(m, "max age exceeded") {
				res.Expired++
			} else {
				res.Retained++
			}
			continue
		}

		status, err := e.replayOne(ctx, m)
		if err == nil && isSuccess(status) {
			if rmErr := e.queue.Remove(m.Key); rmErr != nil {
				// The backend has it; the entry may be sent again next cycle.
				log.Printf("replay: %s %s confirmed but not removed (key=%s): %v", m.Method, m.URL, m.Key, rmErr)
				res.Retained++
				continue
			}
			res.Replayed++
			e.metrics.Replay("success")
			log.Printf("replay: %s %s ok status=%d key=%s", m.Method, m.URL, status, m.Key)
			if e.onSuccess != nil {
				e.onSuccess(m)
			}
			if e.notify != nil {
				e.notify(Notification{Event: EventSuccess, URL: m.URL})
			}
			continue
		}

		reason := fmt.Sprintf("status %d", status)
		outcome := "rejected"
		if err != nil {
			reason = err.Error()
			outcome = "network"
		}
		e.metrics.Replay(outcome)
		e.failLog.Printf("replay-"+outcome, "replay: %s %s retained: %s", m.Method, m.URL, reason)

		rec, recErr := e.queue.RecordAttempt(m.Key, reason)
		if recErr != nil {
			log.Printf("replay: record attempt %s: %v", m.Key, recErr)
		}
		if recErr == nil && e.maxAttempts > 0 && rec.Attempts >= e.maxAttempts {
			if e.expire(m, fmt.Sprintf("gave up after %d attempts: %s", rec.Attempts, reason)) {
				res.Expired++
				continue
			}
		}
		res.Retained++
	}
	return res, it.Error()
}

func (e *replayEngine) expire(m QueuedMutation, reason string) bool {
	if err := e.queue.DeadLetter(m, reason); err != nil {
		log.Printf("replay: dead-letter %s: %v", m.Key, err)
		return false
	}
	e.metrics.Replay("expired")
	log.Printf("replay: %s %s moved to dead letters: %s", m.Method, m.URL, reason)
	if e.notify != nil {
		e.notify(Notification{Event: EventExpired, URL: m.URL})
	}
	return true
}

// replayOne re-issues m with its captured method, headers and body. The
// returned error is set only for transport failures.
func (e *replayEngine) replayOne(ctx context.Context, m QueuedMutation) (int, error) {
	var body io.Reader
	if m.HasBody {
		body = bytes.NewReader(m.Body)
	}
	req, err := http.NewRequestWithContext(ctx, m.Method, e.originURL(m.URL), body)
	if err != nil {
		return 0, err
	}
	for k, v := range m.Header {
		req.Header[k] = []string{v}
	}
	if e.idempotencyHeader != "" {
		req.Header.Set(e.idempotencyHeader, m.Key)
	}

	ent, err := e.up.send(req)
	if err != nil {
		return 0, err
	}
	return ent.Status, nil
}
