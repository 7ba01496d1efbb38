package models

// Message types exchanged between the page context and the capture daemon.
// An external extension or userscript can post the same envelopes to /api/relay.
const (
	// PageMessageType is posted by the page hook with window.postMessage
	PageMessageType = "WHATSMYTOKEN_TOKEN_CAPTURED"
	// RelayMessageType is forwarded from the isolated relay world to the coordinator
	RelayMessageType = "BEARER_TOKEN_CAPTURED"
)

// PageCapture is the payload of a PageMessageType notification
type PageCapture struct {
	Token  string        `json:"token"`
	URL    string        `json:"url"`
	Method string        `json:"method"`
	Source CaptureSource `json:"source"`
}

// RelayCapture is the payload of a RelayMessageType envelope.
// Domain and Timestamp are informational only: the coordinator overwrites
// both with values from its own position.
type RelayCapture struct {
	Token     string        `json:"token" validate:"required"`
	URL       string        `json:"url" validate:"required"`
	Method    string        `json:"method" validate:"required"`
	Domain    string        `json:"domain,omitempty"`
	Timestamp int64         `json:"timestamp,omitempty"`
	Source    CaptureSource `json:"source,omitempty"`
}

// RelayMessage is the typed cross-context envelope, discriminated by Type
type RelayMessage struct {
	Type string        `json:"type"`
	Data *RelayCapture `json:"data"`
}
