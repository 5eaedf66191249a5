package signalr

import (
	"github.com/carterjones/signalr-longpoll/hubs"
)

// Sink receives the events of a HubConnection. Calls are delivered one at a
// time, in order, from whatever goroutine completed the triggering request, so
// implementations do not need their own locking against each other. A Sink may
// call back into the HubConnection (Send, Stop, Start) from any of its
// methods.
type Sink interface {
	// OnConnected is called once the session is established and the first
	// poll is already in flight.
	OnConnected()

	// OnDisconnected is called when Stop succeeds, before the server has
	// acknowledged the end of the session.
	OnDisconnected()

	// OnError reports a failure together with the state at the time it was
	// reported. reason is one of "http:<code>", "timeout" or
	// "invalid:<cause>".
	OnError(state State, reason string)

	// OnInvoke is called for every invocation sent by the server.
	OnInvoke(target string, arguments hubs.Arguments)
}

// NopSink implements Sink by doing nothing. Embed it to handle only the events
// you care about.
type NopSink struct{}

// OnConnected implements Sink.
func (NopSink) OnConnected() {}

// OnDisconnected implements Sink.
func (NopSink) OnDisconnected() {}

// OnError implements Sink.
func (NopSink) OnError(State, string) {}

// OnInvoke implements Sink.
func (NopSink) OnInvoke(string, hubs.Arguments) {}
