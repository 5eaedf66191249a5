// Package hubs provides the message types and framing used by the JSON hub
// protocol of ASP.NET Core SignalR. This was written using
// https://github.com/dotnet/aspnetcore/blob/main/src/SignalR/docs/specs/HubProtocol.md
// and
// https://github.com/dotnet/aspnetcore/blob/main/src/SignalR/docs/specs/TransportProtocols.md
// as reference guides.
package hubs

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
)

// RecordSeparator terminates every record of the JSON hub protocol.
const RecordSeparator byte = 0x1e

// Protocol constants exchanged during negotiation and the handshake.
const (
	ProtocolName     = "json"
	ProtocolVersion  = 1
	NegotiateVersion = 1

	TransportLongPolling = "LongPolling"
	TransferFormatText   = "Text"
)

// MessageType identifies the kind of a hub message.
type MessageType int

// Message types defined by the hub protocol. Only Invocation and Close are
// interpreted by the client; the rest are decoded and then ignored.
const (
	InvocationType       MessageType = 1
	StreamItemType       MessageType = 2
	CompletionType       MessageType = 3
	StreamInvocationType MessageType = 4
	CancelInvocationType MessageType = 5
	PingType             MessageType = 6
	CloseType            MessageType = 7
)

func (t MessageType) String() string {
	switch t {
	case InvocationType:
		return "invocation"
	case StreamItemType:
		return "stream_item"
	case CompletionType:
		return "completion"
	case StreamInvocationType:
		return "stream_invocation"
	case CancelInvocationType:
		return "cancel_invocation"
	case PingType:
		return "ping"
	case CloseType:
		return "close"
	}

	return "type_" + strconv.Itoa(int(t))
}

// Arguments holds the raw JSON values of an invocation, in order. Use Strings
// or Unmarshal to convert them.
type Arguments []json.RawMessage

// Strings decodes every argument as a JSON string.
func (a Arguments) Strings() ([]string, error) {
	out := make([]string, len(a))
	for i := range a {
		if err := json.Unmarshal(a[i], &out[i]); err != nil {
			return nil, errors.Wrapf(err, "argument %d", i)
		}
	}

	return out, nil
}

// Unmarshal decodes the i-th argument into v.
func (a Arguments) Unmarshal(i int, v interface{}) error {
	if i < 0 || i >= len(a) {
		return errors.Errorf("argument %d out of range (%d arguments)", i, len(a))
	}

	return errors.Wrapf(json.Unmarshal(a[i], v), "argument %d", i)
}

// ArgumentEncoder is the capability a homogeneous argument list needs in order
// to be sent as part of an invocation.
type ArgumentEncoder interface {
	EncodeArguments() (Arguments, error)
}

// Strings is a list of plain string arguments.
type Strings []string

// EncodeArguments implements ArgumentEncoder.
func (s Strings) EncodeArguments() (Arguments, error) {
	out := make(Arguments, 0, len(s))
	for _, v := range s {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}

	return out, nil
}

// Values is a list of structured arguments. Each value must be encodable by
// encoding/json.
type Values []interface{}

// EncodeArguments implements ArgumentEncoder.
func (vs Values) EncodeArguments() (Arguments, error) {
	out := make(Arguments, 0, len(vs))
	for i, v := range vs {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, errors.Wrapf(err, "argument %d", i)
		}
		out = append(out, b)
	}

	return out, nil
}

// Invocation represents a message sent to the hub from the client.
type Invocation struct {
	// always InvocationType for messages originated by the client
	Type MessageType `json:"type"`

	// the name of the method
	Target string `json:"target"`

	// arguments (an array, can be empty if the method does not have any
	// parameters)
	Arguments Arguments `json:"arguments"`
}

// Message represents any record received from the hub. Fields that do not
// apply to a given Type are left empty.
type Message struct {
	Type MessageType `json:"type"`

	// invocation fields
	Target       string    `json:"target,omitempty"`
	Arguments    Arguments `json:"arguments,omitempty"`
	InvocationID string    `json:"invocationId,omitempty"`

	// error message of a close record or of a handshake response
	Error string `json:"error,omitempty"`

	// close record only
	AllowReconnect bool `json:"allowReconnect,omitempty"`
}

// HandshakeRequest is sent once, right after negotiation, to select the hub
// protocol.
type HandshakeRequest struct {
	Protocol string `json:"protocol"`
	Version  int    `json:"version"`
}

// Handshake is the request selecting the JSON protocol, version 1.
var Handshake = HandshakeRequest{Protocol: ProtocolName, Version: ProtocolVersion}

// Bytes returns the JSON body of the handshake request.
func (h HandshakeRequest) Bytes() []byte {
	// Two plain fields; marshalling cannot fail.
	b, _ := json.Marshal(h)
	return b
}

// Encode marshals v and appends the record separator.
func Encode(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "json marshal failed")
	}

	return append(b, RecordSeparator), nil
}

// EncodeInvocation builds an invocation of target with the given arguments and
// returns it as a single terminated record.
func EncodeInvocation(target string, args ArgumentEncoder) ([]byte, error) {
	inv := Invocation{Type: InvocationType, Target: target, Arguments: Arguments{}}
	if args != nil {
		encoded, err := args.EncodeArguments()
		if err != nil {
			return nil, errors.Wrap(err, "argument encoding failed")
		}
		if encoded != nil {
			inv.Arguments = encoded
		}
	}

	return Encode(&inv)
}

// Split cuts a frame into its records. Empty parts are dropped, so an empty
// frame yields no records.
func Split(frame []byte) [][]byte {
	var records [][]byte
	for _, part := range bytes.Split(frame, []byte{RecordSeparator}) {
		if len(bytes.TrimSpace(part)) == 0 {
			continue
		}
		records = append(records, part)
	}

	return records
}

// Decode splits a frame and decodes every record independently. A record that
// cannot be parsed is skipped; the remaining records are still returned along
// with an error describing the first failure.
func Decode(frame []byte) ([]Message, error) {
	var (
		msgs     []Message
		firstErr error
	)
	for i, rec := range Split(frame) {
		var m Message
		if err := json.Unmarshal(rec, &m); err != nil {
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "record %d", i)
			}
			continue
		}
		msgs = append(msgs, m)
	}

	return msgs, firstErr
}
