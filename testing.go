package signalr

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/carterjones/signalr-longpoll/hubs"
	"github.com/go-chi/chi/v5"
	"github.com/gofrs/uuid"
)

// TestNegotiate provides a sample "/negotiate" handling function that offers
// every transport, including LongPolling with the Text format, and issues the
// token "hello world".
//
// If an error occurs while writing the response data, it will panic.
func TestNegotiate(w http.ResponseWriter, r *http.Request) {
	// nolint:lll
	_, err := w.Write([]byte(`{"negotiateVersion":1,"connectionId":"1234-ABC","connectionToken":"hello world","availableTransports":[{"transport":"WebSockets","transferFormats":["Text","Binary"]},{"transport":"ServerSentEvents","transferFormats":["Text"]},{"transport":"LongPolling","transferFormats":["Text","Binary"]}]}`))
	if err != nil {
		panic(err)
	}
}

type testHubConn struct {
	id         string
	handshaken bool
	outbox     chan []byte
	closed     bool
}

// TestHub is an in-process hub speaking the long-polling transport, modeled
// on an ASP.NET Core hub whose Ping(data) method answers the caller with
// Pong(data). It is meant for tests.
type TestHub struct {
	// How long a poll request is held open when there is nothing to send.
	PollTimeout time.Duration

	mu     sync.Mutex
	conns  map[string]*testHubConn
	router chi.Router
}

// NewTestHub creates a hub served under path, e.g. "/hub".
func NewTestHub(path string) *TestHub {
	h := &TestHub{
		PollTimeout: 100 * time.Millisecond,
		conns:       make(map[string]*testHubConn),
	}

	r := chi.NewRouter()
	r.Post(path+"/negotiate", h.negotiate)
	r.Post(path, h.post)
	r.Get(path, h.poll)
	r.Delete(path, h.close)
	h.router = r

	return h
}

// ServeHTTP implements http.Handler.
func (h *TestHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// Connections returns the number of open sessions.
func (h *TestHub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Broadcast sends an invocation of target to every open session.
func (h *TestHub) Broadcast(target string, args ...interface{}) error {
	rec, err := hubs.EncodeInvocation(target, hubs.Values(args))
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.conns {
		h.enqueue(c, rec)
	}

	return nil
}

// CloseAll sends a close message to every open session.
func (h *TestHub) CloseAll(reason string) {
	rec, _ := hubs.Encode(&hubs.Message{Type: hubs.CloseType, Error: reason})

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.conns {
		h.enqueue(c, rec)
	}
}

// enqueue must be called with h.mu held. Records that do not fit are dropped.
func (h *TestHub) enqueue(c *testHubConn, rec []byte) {
	if c.closed {
		return
	}
	select {
	case c.outbox <- rec:
	default:
	}
}

func (h *TestHub) lookup(r *http.Request) *testHubConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[r.URL.Query().Get("id")]
}

func (h *TestHub) negotiate(w http.ResponseWriter, r *http.Request) {
	c := &testHubConn{
		id:     uuid.Must(uuid.NewV4()).String(),
		outbox: make(chan []byte, 64),
	}
	token := uuid.Must(uuid.NewV4()).String()

	h.mu.Lock()
	h.conns[token] = c
	h.mu.Unlock()

	resp := hubs.NegotiateResponse{
		ConnectionToken:  token,
		ConnectionID:     c.id,
		NegotiateVersion: hubs.NegotiateVersion,
		AvailableTransports: []hubs.TransportDescription{
			{Transport: hubs.TransportLongPolling, TransferFormats: []string{hubs.TransferFormatText}},
		},
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(&resp); err != nil {
		panic(err)
	}
}

func (h *TestHub) post(w http.ResponseWriter, r *http.Request) {
	c := h.lookup(r)
	if c == nil {
		http.Error(w, "unknown connection", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if !c.handshaken {
		var hs hubs.HandshakeRequest
		if err := json.Unmarshal(body, &hs); err != nil || hs.Protocol != hubs.ProtocolName {
			rec, _ := hubs.Encode(&hubs.Message{Error: "unsupported handshake"})
			h.enqueue(c, rec)
			return
		}
		c.handshaken = true
		h.enqueue(c, []byte{'{', '}', hubs.RecordSeparator})
		return
	}

	msgs, err := hubs.Decode(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	for _, m := range msgs {
		if m.Type != hubs.InvocationType || m.Target != "Ping" {
			continue
		}
		rec, err := hubs.Encode(&hubs.Invocation{Type: hubs.InvocationType, Target: "Pong", Arguments: m.Arguments})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		h.enqueue(c, rec)
	}
}

func (h *TestHub) poll(w http.ResponseWriter, r *http.Request) {
	c := h.lookup(r)
	if c == nil {
		http.Error(w, "unknown connection", http.StatusNotFound)
		return
	}

	var frame []byte
	select {
	case rec := <-c.outbox:
		frame = append(frame, rec...)
	case <-time.After(h.PollTimeout):
	case <-r.Context().Done():
		return
	}

	// Batch whatever else is already queued.
	for more := true; more; {
		select {
		case rec := <-c.outbox:
			frame = append(frame, rec...)
		default:
			more = false
		}
	}

	// The client may have given up on the request already.
	_, _ = w.Write(frame)
}

func (h *TestHub) close(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("id")

	h.mu.Lock()
	c, ok := h.conns[token]
	if ok {
		c.closed = true
		delete(h.conns, token)
	}
	h.mu.Unlock()

	if !ok {
		http.Error(w, "unknown connection", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
