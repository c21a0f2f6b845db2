package holdfast

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"syscall"
	"time"
)

// classifyNetErr names the kind of transport failure. Every error returned by
// the HTTP client counts as "network unavailable"; the category is only used
// for logs and metrics.
func classifyNetErr(err error) string {
	if err == nil {
		return ""
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return "dial"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return "reset"
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return "eof"
	}
	return "other"
}

// netState tracks whether the backend is reachable. Any HTTP response marks
// it online, any transport error marks it offline. onOnline runs on every
// offline to online transition.
type netState struct {
	mu         sync.Mutex
	online     bool
	changedAt  time.Time
	onOnline   func()
	onObserved func(category string)
}

func newNetState() *netState {
	return &netState{online: true, changedAt: time.Now()}
}

func (n *netState) Online() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.online
}

func (n *netState) ChangedAt() time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.changedAt
}

// Observe records the outcome of one upstream round trip.
func (n *netState) Observe(err error) {
	if err != nil && errors.Is(err, context.Canceled) {
		// The caller went away; that says nothing about the network.
		return
	}
	if err != nil && n.onObserved != nil {
		n.onObserved(classifyNetErr(err))
	}
	n.set(err == nil)
}

func (n *netState) set(online bool) {
	n.mu.Lock()
	if n.online == online {
		n.mu.Unlock()
		return
	}
	n.online = online
	n.changedAt = time.Now()
	cb := n.onOnline
	n.mu.Unlock()

	if online && cb != nil {
		cb()
	}
}
