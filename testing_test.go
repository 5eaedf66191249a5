package signalr_test

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/carterjones/signalr-longpoll"
	"github.com/carterjones/signalr-longpoll/hubs"
	"github.com/go-logr/logr"
)

// This is some testception right here...

type writeFailer struct {
	http.ResponseWriter
	err string
}

func (w writeFailer) Write(p []byte) (int, error) {
	return 0, errors.New(w.err)
}

func catchErr(f http.HandlerFunc, w http.ResponseWriter, r *http.Request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = r.(error)
		}
	}()

	f(w, r)
	return nil
}

func TestTestNegotiate(t *testing.T) {
	cases := map[string]struct {
		customWriter http.ResponseWriter
		wantErr      string
	}{
		"negotiate": {},
		"negotiate failure": {
			customWriter: writeFailer{err: "sample negotiate error"},
			wantErr:      "sample negotiate error",
		},
	}

	for id, tc := range cases {
		rec := httptest.NewRecorder()
		var w http.ResponseWriter = rec
		if tc.customWriter != nil {
			w = tc.customWriter
		}

		req := httptest.NewRequest(http.MethodPost, "/hub/negotiate?negotiateVersion=1", nil)
		err := catchErr(signalr.TestNegotiate, w, req)
		if tc.wantErr != "" {
			errMatches(t, id, err, tc.wantErr)
			continue
		}
		ok(t, id, err)

		n, err := hubs.ParseNegotiateResponse(rec.Body.Bytes())
		ok(t, id+" parse", err)
		equals(t, id+" token", "hello world", n.ConnectionToken)
		equals(t, id+" connection id", "1234-ABC", n.ConnectionID)
	}
}

type hubClient struct {
	tb    testing.TB
	srv   *httptest.Server
	token string
}

func (h *hubClient) do(method, query, body string) (int, string) {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, h.srv.URL+"/hub"+query, r)
	if err != nil {
		h.tb.Fatal(err)
	}
	resp, err := h.srv.Client().Do(req)
	if err != nil {
		h.tb.Fatal(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.tb.Fatal(err)
	}
	return resp.StatusCode, string(data)
}

func (h *hubClient) session() string {
	return "?id=" + h.token
}

func newHubClient(t *testing.T) (*signalr.TestHub, *hubClient) {
	hub := signalr.NewTestHub("/hub")
	hub.PollTimeout = 20 * time.Millisecond
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	h := &hubClient{tb: t, srv: srv}
	code, body := h.do(http.MethodPost, "/negotiate?negotiateVersion=1", "")
	equals(t, "negotiate status", http.StatusOK, code)

	n, err := hubs.ParseNegotiateResponse([]byte(body))
	if err != nil {
		t.Fatal(err)
	}
	h.token = n.ConnectionToken
	return hub, h
}

func TestTestHub_Session(t *testing.T) {
	hub, h := newHubClient(t)
	equals(t, "connections", 1, hub.Connections())

	code, _ := h.do(http.MethodPost, h.session(), handshake)
	equals(t, "handshake status", http.StatusOK, code)

	code, body := h.do(http.MethodGet, h.session(), "")
	equals(t, "handshake response status", http.StatusOK, code)
	equals(t, "handshake response", "{}\x1e", body)

	code, body = h.do(http.MethodGet, h.session(), "")
	equals(t, "idle poll status", http.StatusOK, code)
	equals(t, "idle poll", "", body)

	ping := `{"type":1,"target":"Ping","arguments":["Data"]}` + "\x1e"
	code, _ = h.do(http.MethodPost, h.session(), ping+ping)
	equals(t, "ping status", http.StatusOK, code)

	_, body = h.do(http.MethodGet, h.session(), "")
	pong := `{"type":1,"target":"Pong","arguments":["Data"]}` + "\x1e"
	equals(t, "batched pongs", pong+pong, body)

	ok(t, "broadcast", hub.Broadcast("Notify", "x", 2))
	_, body = h.do(http.MethodGet, h.session(), "")
	equals(t, "broadcast", `{"type":1,"target":"Notify","arguments":["x",2]}`+"\x1e", body)

	hub.CloseAll("bye")
	_, body = h.do(http.MethodGet, h.session(), "")
	equals(t, "close", `{"type":7,"error":"bye"}`+"\x1e", body)

	code, _ = h.do(http.MethodDelete, h.session(), "")
	equals(t, "delete status", http.StatusAccepted, code)
	equals(t, "connections after delete", 0, hub.Connections())

	code, _ = h.do(http.MethodDelete, h.session(), "")
	equals(t, "second delete", http.StatusNotFound, code)
}

func TestTestHub_UnknownSession(t *testing.T) {
	_, h := newHubClient(t)

	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodDelete} {
		code, _ := h.do(method, "?id=nope", "")
		equals(t, method, http.StatusNotFound, code)
	}
}

func TestTestHub_BadHandshake(t *testing.T) {
	_, h := newHubClient(t)

	code, _ := h.do(http.MethodPost, h.session(), `{"protocol":"messagepack","version":1}`)
	equals(t, "status", http.StatusOK, code)

	_, body := h.do(http.MethodGet, h.session(), "")
	equals(t, "handshake error", `{"type":0,"error":"unsupported handshake"}`+"\x1e", body)
}

// chanSink forwards events to channels so tests can wait for them.
type chanSink struct {
	connected    chan struct{}
	disconnected chan struct{}
	errs         chan string
	invokes      chan string
}

func newChanSink() *chanSink {
	return &chanSink{
		connected:    make(chan struct{}, 4),
		disconnected: make(chan struct{}, 4),
		errs:         make(chan string, 16),
		invokes:      make(chan string, 64),
	}
}

func (s *chanSink) OnConnected()    { s.connected <- struct{}{} }
func (s *chanSink) OnDisconnected() { s.disconnected <- struct{}{} }

func (s *chanSink) OnError(state signalr.State, reason string) {
	s.errs <- state.String() + " " + reason
}

func (s *chanSink) OnInvoke(target string, arguments hubs.Arguments) {
	args, _ := arguments.Strings()
	s.invokes <- target + " " + strings.Join(args, ",")
}

func waitEvent(t *testing.T, what string, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf(red("timed out waiting for %s"), what)
	}
}

func waitInvoke(t *testing.T, s *chanSink, exp string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case got := <-s.invokes:
			if got == exp {
				return
			}
		case reason := <-s.errs:
			t.Fatalf(red("error while waiting for %q: %s"), exp, reason)
		case <-deadline:
			t.Fatalf(red("timed out waiting for %q"), exp)
		}
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf(red("timed out waiting for %s"), what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func dialTestHub(t *testing.T) (*signalr.TestHub, *signalr.HubConnection, *chanSink) {
	hub := signalr.NewTestHub("/hub")
	hub.PollTimeout = 50 * time.Millisecond
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	sink := newChanSink()
	c := signalr.New(srv.URL+"/hub", sink)
	c.Logger = logr.Discard()
	c.Transport.(*signalr.HTTPTransport).HTTPClient = srv.Client()

	ok(t, "start", c.Start())
	waitEvent(t, "connected", sink.connected)
	equals(t, "state", signalr.Connected, c.State())

	// An invocation only arrives by polling, and polling only starts once
	// the handshake went through.
	ok(t, "broadcast", hub.Broadcast("Welcome", "hi"))
	waitInvoke(t, sink, "Welcome hi")

	return hub, c, sink
}

func TestHubConnection_TestHub(t *testing.T) {
	hub, c, sink := dialTestHub(t)
	equals(t, "connections", 1, hub.Connections())

	equals(t, "send", true, c.SendStrings("Ping", "Data"))
	waitInvoke(t, sink, "Pong Data")

	equals(t, "stop", true, c.Stop())
	waitEvent(t, "disconnected", sink.disconnected)
	waitUntil(t, "close acknowledged", func() bool {
		return c.State() == signalr.Disconnected && hub.Connections() == 0
	})
	equals(t, "token released", "", c.ConnectionToken())
	equals(t, "send after stop", false, c.SendStrings("Ping", "Data"))
}

func TestHubConnection_TestHubCloses(t *testing.T) {
	hub, c, sink := dialTestHub(t)

	hub.CloseAll("Server is shutting down")
	waitEvent(t, "disconnected", sink.disconnected)
	waitUntil(t, "close acknowledged", func() bool {
		return c.State() == signalr.Disconnected
	})
	equals(t, "last error", "Server is shutting down", c.LastError())
	equals(t, "connections", 0, hub.Connections())
}
