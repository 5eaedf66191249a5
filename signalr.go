package signalr

import (
	"log"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/carterjones/signalr-longpoll/hubs"
	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
)

// State is the lifecycle state of a HubConnection.
type State int

const (
	// Disconnected is the initial state, and the state after a Stop has
	// been acknowledged.
	Disconnected State = iota

	// Connecting means a negotiate request is in flight.
	Connecting

	// Connected means the session is established and the poll loop runs.
	Connected

	// Disconnecting means Stop was called and the close request is in
	// flight.
	Disconnecting

	// ConnectionFailed means negotiation failed. Call Start to retry.
	ConnectionFailed

	// ConnectionLost means a poll failed. Call Start to retry.
	ConnectionLost
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Disconnecting:
		return "Disconnecting"
	case ConnectionFailed:
		return "ConnectionFailed"
	case ConnectionLost:
		return "ConnectionLost"
	}

	return "State(" + strconv.Itoa(int(s)) + ")"
}

// ErrAlreadyStarted is returned by Start while a session is being negotiated
// or is established.
var ErrAlreadyStarted = errors.New("connection already started")

var errPollInFlight = errors.New("a poll is already in flight")

const (
	negotiatePath = "/negotiate?negotiateVersion=1"
	reasonTimeout = "timeout"
)

func sessionPath(token string) string {
	return "?id=" + url.QueryEscape(token)
}

func httpReason(code int) string {
	return "http:" + strconv.Itoa(code)
}

type requestKind int

const (
	kindNegotiate requestKind = iota
	kindBeginPoll
	kindPoll
	kindSend
	kindClose
)

func (k requestKind) String() string {
	switch k {
	case kindNegotiate:
		return "negotiate"
	case kindBeginPoll:
		return "begin_poll"
	case kindPoll:
		return "poll"
	case kindSend:
		return "send"
	case kindClose:
		return "close"
	}

	return "unknown"
}

// session is one negotiated connection. Start replaces it, after which
// completions of requests issued for the old one are discarded.
//
// Only the poll has an in-flight flag. The state guards act as the slot for
// the other kinds: Start issues a negotiate only outside Connecting, and Stop
// issues a close only from Connected. Sends may overlap.
type session struct {
	seq     uint64
	token   string
	id      string
	polling bool
}

// HubConnection represents a connection to a SignalR hub over the
// long-polling transport. It manages the poll loop so that the caller
// doesn't have to.
type HubConnection struct {
	// The transport used for every request. New sets it to an
	// *HTTPTransport.
	Transport Transport

	// Structured logger. The default writes to stderr; set the DEBUG
	// environment variable to also get per-request lines.
	Logger logr.Logger

	// This value is not part of the SignalR protocol. It is attached to
	// every log line. Defaults to a random UUID.
	CustomID string

	// Optional Prometheus instrumentation.
	Metrics *Metrics

	mu        sync.Mutex
	sink      Sink
	state     State
	sess      *session
	seq       uint64
	lastError string

	// Every completion handler and every sink call runs through serial.
	serial serializer
}

func debugEnabled() bool {
	v := os.Getenv("DEBUG")
	return v != ""
}

func defaultLogger() logr.Logger {
	if debugEnabled() {
		stdr.SetVerbosity(1)
	}

	return stdr.New(log.New(os.Stderr, "", log.LstdFlags))
}

// New creates a connection to the hub at uri, e.g.
// http://localhost:5262/hub, reporting events to sink.
func New(uri string, sink Sink) *HubConnection {
	return NewWithTransport(NewHTTPTransport(uri), sink)
}

// NewWithTransport creates a connection that issues its requests through t.
func NewWithTransport(t Transport, sink Sink) *HubConnection {
	return &HubConnection{
		Transport: t,
		Logger:    defaultLogger(),
		CustomID:  uuid.Must(uuid.NewV4()).String(),
		sink:      sink,
	}
}

func (c *HubConnection) log() logr.Logger {
	return c.Logger.WithValues("id", c.CustomID)
}

// SetSink replaces the sink. A nil sink detaches it: events are then dropped.
func (c *HubConnection) SetSink(sink Sink) {
	c.mu.Lock()
	c.sink = sink
	c.mu.Unlock()
}

// State returns the current state.
func (c *HubConnection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the reason of the most recent failure, if any.
func (c *HubConnection) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// ConnectionToken returns the token of the current session. It is empty
// before negotiation and once the session has been closed.
func (c *HubConnection) ConnectionToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.token
}

// ConnectionID returns the connection id of the current session.
func (c *HubConnection) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.id
}

// setStateLocked must be called with c.mu held.
func (c *HubConnection) setStateLocked(s State) {
	if c.state != s {
		c.log().V(1).Info("state changed", "from", c.state.String(), "to", s.String())
	}
	c.state = s
	c.Metrics.observeTransition(s)
}

// emit hands an event to the sink. It must only run inside c.serial.
func (c *HubConnection) emit(fn func(Sink)) {
	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()

	if sink == nil {
		c.log().V(1).Info("no sink attached, event dropped")
		return
	}

	fn(sink)
}

// request issues one transport call and routes its completion to handle
// through the serializer.
func (c *HubConnection) request(s *session, k requestKind, handle func(*session, Result), issue func(Callback)) {
	started := time.Now()
	c.log().V(1).Info("request issued", "kind", k.String(), "session", s.seq)

	issue(func(res Result) {
		c.Metrics.observeRequest(k, res.Outcome, time.Since(started))
		c.log().V(1).Info("request completed", "kind", k.String(), "session", s.seq,
			"outcome", res.Outcome.String(), "code", res.Code)

		c.serial.Do(func() { handle(s, res) })
	})
}

// live reports whether s is the current session and the state is want.
func (c *HubConnection) live(s *session, want State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return s == c.sess && c.state == want
}

// transitionFailed moves from one state to a failure state and reports reason,
// provided s is still current and the state is still from.
func (c *HubConnection) transitionFailed(s *session, from, to State, what, reason string) {
	c.mu.Lock()
	if s != c.sess || c.state != from {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(to)
	c.lastError = reason
	c.mu.Unlock()

	c.log().Error(errors.New(reason), what+" failed", "state", to.String())
	c.emit(func(sink Sink) { sink.OnError(to, reason) })
}

// Start negotiates a new session. It returns ErrAlreadyStarted if a session
// is being negotiated or is established; from any other state it starts from
// scratch. The outcome is reported to the sink.
func (c *HubConnection) Start() error {
	c.mu.Lock()
	if c.state == Connecting || c.state == Connected {
		st := c.state
		c.mu.Unlock()
		c.log().Info("start ignored", "state", st.String())
		return ErrAlreadyStarted
	}

	c.seq++
	s := &session{seq: c.seq}
	c.sess = s
	c.setStateLocked(Connecting)
	c.mu.Unlock()

	c.request(s, kindNegotiate, c.handleNegotiate, func(cb Callback) {
		c.Transport.Post(negotiatePath, nil, cb)
	})

	return nil
}

func (c *HubConnection) handleNegotiate(s *session, res Result) {
	if !c.live(s, Connecting) {
		c.log().V(1).Info("discarding negotiate completion", "session", s.seq)
		return
	}

	var (
		n      *hubs.NegotiateResponse
		reason string
	)
	switch res.Outcome {
	case Timeout:
		reason = reasonTimeout
	case Failure:
		reason = httpReason(res.Code)
	default:
		var err error
		n, err = hubs.ParseNegotiateResponse(res.Body)
		if err != nil {
			reason = err.Error()
		}
	}

	if reason != "" {
		c.transitionFailed(s, Connecting, ConnectionFailed, "negotiate", reason)
		return
	}

	c.mu.Lock()
	if s != c.sess || c.state != Connecting {
		c.mu.Unlock()
		return
	}
	s.token = n.ConnectionToken
	s.id = n.ConnectionID
	c.setStateLocked(Connected)
	c.mu.Unlock()

	c.log().Info("connected", "connectionId", n.ConnectionID)

	// Arm the poll loop before telling the application, so nothing the
	// server sends in between can be missed.
	c.beginPoll(s)
	c.emit(func(sink Sink) { sink.OnConnected() })
}

// beginPoll posts the handshake, which opens the long-poll stream.
func (c *HubConnection) beginPoll(s *session) {
	c.pollWith(s, kindBeginPoll)
}

// poll issues the next long-poll request. It does nothing unless s is current
// and connected.
func (c *HubConnection) poll(s *session) {
	c.pollWith(s, kindPoll)
}

func (c *HubConnection) pollWith(s *session, k requestKind) {
	c.mu.Lock()
	if s != c.sess || c.state != Connected {
		c.mu.Unlock()
		return
	}
	if s.polling {
		c.mu.Unlock()
		c.log().Error(errPollInFlight, "poll not issued", "kind", k.String())
		return
	}
	s.polling = true
	path := sessionPath(s.token)
	c.mu.Unlock()

	c.request(s, k, c.handlePoll, func(cb Callback) {
		if k == kindBeginPoll {
			c.Transport.Post(path, hubs.Handshake.Bytes(), cb)
			return
		}
		c.Transport.Get(path, cb)
	})
}

func (c *HubConnection) handlePoll(s *session, res Result) {
	c.mu.Lock()
	s.polling = false
	c.mu.Unlock()

	if !c.live(s, Connected) {
		c.log().V(1).Info("discarding poll completion", "session", s.seq,
			"outcome", res.Outcome.String(), "bytes", len(res.Body))
		return
	}

	switch res.Outcome {
	case Timeout:
		// Routine for long polling: ask again.
		c.poll(s)
	case Failure:
		c.transitionFailed(s, Connected, ConnectionLost, "poll", httpReason(res.Code))
	default:
		if c.dispatch(s, res.Body) {
			c.poll(s)
		}
	}
}

// dispatch delivers the records of a poll response. It returns false when
// polling must not continue.
func (c *HubConnection) dispatch(s *session, frame []byte) bool {
	msgs, err := hubs.Decode(frame)
	if err != nil {
		c.log().Error(err, "skipped undecodable records")
	}

	for i := range msgs {
		m := msgs[i]
		c.Metrics.observeMessage(m.Type)

		if !c.live(s, Connected) {
			c.log().V(1).Info("connection left the connected state, dropping records", "dropped", len(msgs)-i)
			return false
		}

		switch m.Type {
		case hubs.InvocationType:
			c.emit(func(sink Sink) { sink.OnInvoke(m.Target, m.Arguments) })
		case hubs.CloseType:
			if m.Error != "" {
				c.mu.Lock()
				c.lastError = m.Error
				c.mu.Unlock()
			}
			c.log().Info("server closed the connection", "error", m.Error, "allowReconnect", m.AllowReconnect)
			c.Stop()
			return false
		default:
			if m.Type == 0 && m.Error != "" {
				c.log().Error(errors.New(m.Error), "handshake rejected")
				continue
			}
			c.log().V(1).Info("ignoring message", "type", m.Type.String())
		}
	}

	return true
}

// Stop ends the session. It returns false, doing nothing, unless the state is
// Connected. The sink is told about the disconnection right away; the close
// request to the server completes in the background.
func (c *HubConnection) Stop() bool {
	c.mu.Lock()
	if c.state != Connected {
		st := c.state
		c.mu.Unlock()
		c.log().V(1).Info("stop ignored", "state", st.String())
		return false
	}
	s := c.sess
	c.setStateLocked(Disconnecting)
	path := sessionPath(s.token)
	c.mu.Unlock()

	c.serial.Do(func() { c.emit(func(sink Sink) { sink.OnDisconnected() }) })

	c.request(s, kindClose, c.handleClose, func(cb Callback) {
		c.Transport.Delete(path, nil, cb)
	})

	return true
}

func (c *HubConnection) handleClose(s *session, res Result) {
	c.mu.Lock()
	// The token is released whatever the server answered.
	s.token = ""
	if s == c.sess && c.state == Disconnecting {
		c.setStateLocked(Disconnected)
	}
	c.mu.Unlock()

	switch res.Outcome {
	case Timeout:
		c.log().Error(errors.New(reasonTimeout), "close request failed", "session", s.seq)
	case Failure:
		c.log().Error(errors.New(httpReason(res.Code)), "close request failed", "session", s.seq)
	default:
		c.log().V(1).Info("session closed", "session", s.seq)
	}
}

// Send invokes target on the hub without waiting for a result. It returns
// false, logging the payload, unless the state is Connected. A failed request
// is reported to the sink and does not change the state.
func (c *HubConnection) Send(target string, args hubs.ArgumentEncoder) bool {
	payload, err := hubs.EncodeInvocation(target, args)

	c.mu.Lock()
	if c.state != Connected {
		st := c.state
		c.mu.Unlock()
		c.Metrics.observeRejectedSend()
		c.log().Info("message not sent", "state", st.String(), "target", target, "payload", string(payload))
		return false
	}
	s := c.sess
	path := sessionPath(s.token)
	c.mu.Unlock()

	if err != nil {
		c.log().Error(err, "message not sent", "target", target)
		return false
	}

	c.request(s, kindSend, c.handleSend, func(cb Callback) {
		c.Transport.Post(path, payload, cb)
	})

	return true
}

// SendStrings invokes target with plain string arguments.
func (c *HubConnection) SendStrings(target string, args ...string) bool {
	return c.Send(target, hubs.Strings(args))
}

// SendValues invokes target with structured arguments.
func (c *HubConnection) SendValues(target string, args ...interface{}) bool {
	return c.Send(target, hubs.Values(args))
}

func (c *HubConnection) handleSend(s *session, res Result) {
	var reason string
	switch res.Outcome {
	case Timeout:
		reason = reasonTimeout
	case Failure:
		reason = httpReason(res.Code)
	default:
		return
	}

	c.mu.Lock()
	if s != c.sess {
		c.mu.Unlock()
		c.log().V(1).Info("discarding send failure of an old session", "session", s.seq, "reason", reason)
		return
	}
	st := c.state
	c.lastError = reason
	c.mu.Unlock()

	c.log().Error(errors.New(reason), "send failed", "state", st.String(), "session", s.seq)
	c.emit(func(sink Sink) { sink.OnError(st, reason) })
}
