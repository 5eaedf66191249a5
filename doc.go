/*
Package signalr provides the client side implementation of the long-polling
transport of the ASP.NET Core SignalR hub protocol, using the JSON hub
protocol.

If you want deep-dive technical details of how this all works, read the
transport and hub protocol documents in the aspnetcore repository
(src/SignalR/docs/specs). I won't try to replicate them here.

At a high level, a long-polling session goes through the following steps:

	- negotiate: POST {hub}/negotiate?negotiateVersion=1 to get a connection
	  token, and check that LongPolling with the Text format is offered
	- handshake: POST {"protocol":"json","version":1} to {hub}?id={token},
	  which also opens the poll loop
	- poll: GET {hub}?id={token} over and over; each answer holds zero or
	  more records terminated by 0x1e
	- send: POST one invocation record to {hub}?id={token}
	- close: DELETE {hub}?id={token}

HubConnection drives these steps. Nothing blocks: requests complete in the
background and their outcomes are reported to a Sink, one event at a time.

See the provided examples for how to use this library.
*/
package signalr
