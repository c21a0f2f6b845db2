package holdfast

import (
	"net/http"
	"strconv"
	"time"
)

// queueItem is the admin view of a pending or dead entry. Bodies are shown
// as text; binary bodies are still listed but may not be readable.
type queueItem struct {
	QueuedMutation
	Body      string `json:"body,omitempty"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"lastError,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// credentialHeaders are masked in the queue listing. Replay still sends them.
var credentialHeaders = map[string]struct{}{
	"Authorization":       {},
	"Cookie":              {},
	"Proxy-Authorization": {},
	"X-Api-Key":           {},
	"X-Auth-Token":        {},
	"X-Csrf-Token":        {},
}

const redacted = "[redacted]"

func newQueueItem(m QueuedMutation) queueItem {
	if len(m.Header) > 0 {
		h := make(map[string]string, len(m.Header))
		for k, v := range m.Header {
			if _, ok := credentialHeaders[http.CanonicalHeaderKey(k)]; ok {
				v = redacted
			}
			h[k] = v
		}
		m.Header = h
	}
	return queueItem{QueuedMutation: m, Body: string(m.Body)}
}

type statusReport struct {
	Generation string    `json:"generation"`
	Active     string    `json:"active"`
	Activated  bool      `json:"activated"`
	Online     bool      `json:"online"`
	ChangedAt  time.Time `json:"changedAt"`
	Engine     string    `json:"engine"`
	Pending    int       `json:"pending"`
	Cached     int       `json:"cached"`
	Clients    int       `json:"clients"`
}

func (s *Service) adminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+adminPrefix+"sync", s.handleSync)
	mux.HandleFunc("GET "+adminPrefix+"queue", s.handleQueue)
	mux.HandleFunc("GET "+adminPrefix+"status", s.handleStatus)
	mux.Handle("GET "+adminPrefix+"metrics", s.metrics.Handler())
	mux.Handle("GET "+adminPrefix+"events", s.hub)
	return mux
}

// handleSync is the manual trigger. It waits for the drain so the caller
// sees what happened.
func (s *Service) handleSync(w http.ResponseWriter, r *http.Request) {
	res, err := s.life.Dispatch(r.Context(), EventManual)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()}, "")
		return
	}
	writeJSON(w, http.StatusOK, res, "")
}

func (s *Service) handleQueue(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "bad limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	var items []queueItem
	if r.URL.Query().Get("dead") == "1" {
		dls, err := s.queue.DeadLetters()
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()}, "")
			return
		}
		for _, dl := range dls {
			it := newQueueItem(dl.QueuedMutation)
			it.Attempts, it.Reason = dl.Attempts, dl.Reason
			items = append(items, it)
			if limit > 0 && len(items) >= limit {
				break
			}
		}
	} else {
		ms, err := s.queue.List(limit)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()}, "")
			return
		}
		for _, m := range ms {
			rec, _ := s.queue.Attempts(m.Key)
			it := newQueueItem(m)
			it.Attempts, it.LastError = rec.Attempts, rec.LastError
			items = append(items, it)
		}
	}
	if items == nil {
		items = []queueItem{}
	}
	writeJSON(w, http.StatusOK, items, "")
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusReport{
		Generation: s.life.generation,
		Active:     s.assets.activeName(),
		Activated:  s.life.Activated(),
		Online:     s.net.Online(),
		ChangedAt:  s.net.ChangedAt(),
		Engine:     s.engine.State().String(),
		Pending:    s.queue.Len(),
		Cached:     s.caches.Count(),
		Clients:    s.hub.Count(),
	}, "")
}
