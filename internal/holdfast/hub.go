package holdfast

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// clientMessage is what an application context may send to the service.
type clientMessage struct {
	Type string `json:"type"`
}

type hubClient struct {
	conn *websocket.Conn
	send chan []byte
}

// hub is the notification channel to every connected application context.
// Broadcast never blocks: a client whose buffer is full is disconnected.
type hub struct {
	mu      sync.Mutex
	clients map[*hubClient]struct{}

	ctx    context.Context
	cancel context.CancelFunc

	originPatterns []string
	onMessage      func(clientMessage)
}

func newHub(originPatterns []string, onMessage func(clientMessage)) *hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &hub{
		clients:        map[*hubClient]struct{}{},
		ctx:            ctx,
		cancel:         cancel,
		originPatterns: originPatterns,
		onMessage:      onMessage,
	}
}

func (h *hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *hub) Broadcast(n Notification) {
	msg, err := json.Marshal(n)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// Close disconnects every client.
func (h *hub) Close() {
	h.cancel()
}

func (h *hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		log.Printf("events: accept: %v", err)
		return
	}
	c := &hubClient{conn: conn, send: make(chan []byte, 16)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	defer h.remove(c)

	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()
	go func() {
		defer cancel()
		// Reads end when the connection closes; a cancelled read context
		// would tear the connection down before the close handshake.
		h.readLoop(context.Background(), c)
	}()
	h.writeLoop(ctx, c)
}

func (h *hub) remove(c *hubClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

func (h *hub) writeLoop(ctx context.Context, c *hubClient) {
	for {
		select {
		case <-ctx.Done():
			c.conn.Close(websocket.StatusGoingAway, "shutting down")
			return
		case msg, ok := <-c.send:
			if !ok {
				c.conn.Close(websocket.StatusPolicyViolation, "slow consumer")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := c.conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				c.conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

func (h *hub) readLoop(ctx context.Context, c *hubClient) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if h.onMessage != nil {
			h.onMessage(msg)
		}
	}
}
