package holdfast

import (
	"fmt"
	"log"
	"math"
	"strconv"
	"sync/atomic"
	"time"
)

// servedStats counts what the proxy answered since start, split by where the
// body came from.
type servedStats struct {
	fromCache atomic.Uint64 // hit, fallback
	fromNet   atomic.Uint64 // miss, network, pass
	queued    atomic.Uint64

	bytes    atomic.Uint64
	smallest atomic.Uint64
	largest  atomic.Uint64
}

func newServedStats() *servedStats {
	s := &servedStats{}
	s.smallest.Store(math.MaxUint64)
	return s
}

// Observe records one response written with the given X-Holdfast tag.
func (s *servedStats) Observe(tag string, size int) {
	switch tag {
	case "hit", "fallback":
		s.fromCache.Add(1)
	default:
		s.fromNet.Add(1)
	}
	n := uint64(max(size, 0))
	s.bytes.Add(n)
	storeIf(&s.smallest, n, func(n, cur uint64) bool { return n < cur })
	storeIf(&s.largest, n, func(n, cur uint64) bool { return n > cur })
}

func (s *servedStats) ObserveQueued() { s.queued.Add(1) }

// storeIf replaces v with n while better(n, current) holds.
func storeIf(v *atomic.Uint64, n uint64, better func(n, cur uint64) bool) {
	for {
		cur := v.Load()
		if !better(n, cur) || v.CompareAndSwap(cur, n) {
			return
		}
	}
}

type statsSnapshot struct {
	FromCache uint64
	FromNet   uint64
	Queued    uint64
	Smallest  uint64
	Average   uint64
	Largest   uint64
}

func (s *servedStats) Snapshot() statsSnapshot {
	ss := statsSnapshot{
		FromCache: s.fromCache.Load(),
		FromNet:   s.fromNet.Load(),
		Queued:    s.queued.Load(),
	}
	if n := ss.FromCache + ss.FromNet; n > 0 {
		ss.Average = s.bytes.Load() / n
		ss.Largest = s.largest.Load()
		if v := s.smallest.Load(); v != math.MaxUint64 {
			ss.Smallest = v
		}
	}
	return ss
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			log.Print(s.statsLine())
		}
	}
}

func (s *Service) statsLine() string {
	ss := s.stats.Snapshot()
	line := fmt.Sprintf(
		"served cache=%d net=%d queued=%d | store %d entries %s, ram %s | pending %d online=%t | body %s/%s/%s",
		ss.FromCache, ss.FromNet, ss.Queued,
		s.caches.Count(), formatBytes(uint64(s.caches.TotalSize())), formatBytes(uint64(s.ram.TotalSize())),
		s.queue.Len(), s.net.Online(),
		formatBytes(ss.Smallest), formatBytes(ss.Average), formatBytes(ss.Largest),
	)
	if rss, ok := processRSSBytes(); ok {
		line += " | rss " + formatBytes(rss)
	}
	return line
}

var byteUnits = []string{"b", "kb", "mb", "gb", "tb"}

// formatBytes renders b with one decimal in the largest unit that keeps it
// at least 1, e.g. 1536 -> "1.5kb".
func formatBytes(b uint64) string {
	if b < 1024 {
		return strconv.FormatUint(b, 10) + "b"
	}
	v, unit := float64(b), 0
	for v >= 1024 && unit < len(byteUnits)-1 {
		v /= 1024
		unit++
	}
	s := strconv.FormatFloat(v, 'f', 1, 64)
	if len(s) > 2 && s[len(s)-2:] == ".0" {
		s = s[:len(s)-2]
	}
	return s + byteUnits[unit]
}
