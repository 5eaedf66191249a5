package hubs

import (
	"encoding/json"
)

// TransportDescription is one entry of the transports a server offers.
type TransportDescription struct {
	Transport       string   `json:"transport"`
	TransferFormats []string `json:"transferFormats"`
}

// NegotiateResponse is the body returned by the negotiate endpoint.
type NegotiateResponse struct {
	ConnectionToken     string                 `json:"connectionToken"`
	ConnectionID        string                 `json:"connectionId"`
	NegotiateVersion    int                    `json:"negotiateVersion"`
	AvailableTransports []TransportDescription `json:"availableTransports"`

	// set by the server instead of the fields above when it refuses the
	// connection
	Error string `json:"error,omitempty"`
}

// InvalidError reports a negotiate response that was received but cannot be
// used.
type InvalidError struct {
	Cause string
}

func (e *InvalidError) Error() string {
	return "invalid:" + e.Cause
}

// SupportsTextLongPolling reports whether the server offers the LongPolling
// transport with the Text transfer format.
func (n *NegotiateResponse) SupportsTextLongPolling() bool {
	for _, t := range n.AvailableTransports {
		if t.Transport != TransportLongPolling {
			continue
		}
		for _, f := range t.TransferFormats {
			if f == TransferFormatText {
				return true
			}
		}
	}

	return false
}

// Validate checks that the response can be used by a long-polling text client.
func (n *NegotiateResponse) Validate() error {
	switch {
	case n.Error != "":
		return &InvalidError{Cause: n.Error}
	case n.NegotiateVersion != NegotiateVersion:
		return &InvalidError{Cause: "version"}
	case !n.SupportsTextLongPolling():
		return &InvalidError{Cause: "notextlongpolling"}
	case n.ConnectionToken == "":
		return &InvalidError{Cause: "token"}
	}

	return nil
}

// ParseNegotiateResponse decodes and validates a negotiate body. Every error it
// returns is an *InvalidError.
func ParseNegotiateResponse(data []byte) (*NegotiateResponse, error) {
	var n NegotiateResponse
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, &InvalidError{Cause: "json"}
	}
	if err := n.Validate(); err != nil {
		return nil, err
	}

	return &n, nil
}
