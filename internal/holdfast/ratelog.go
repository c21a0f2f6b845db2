package holdfast

import (
	"log"
	"sync"
	"time"
)

// rateLimitedLogger prints at most one line per key and interval. Failures
// that repeat on every request while offline would otherwise flood the log.
type rateLimitedLogger struct {
	mu       sync.Mutex
	lastAt   map[string]time.Time
	interval time.Duration
}

func newRateLimitedLogger(interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{interval: interval, lastAt: map[string]time.Time{}}
}

func (l *rateLimitedLogger) Printf(key, format string, args ...any) {
	l.mu.Lock()
	now := time.Now()
	if last, ok := l.lastAt[key]; ok && now.Sub(last) < l.interval {
		l.mu.Unlock()
		return
	}
	l.lastAt[key] = now
	l.mu.Unlock()
	log.Printf(format, args...)
}
