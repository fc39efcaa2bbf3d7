package clients

import "encoding/json"

// Message types exchanged with pages over the websocket.
const (
	// Page to agent.
	TypeFocus = "focus"
	TypeURL   = "url"
	TypeAck   = "ack"

	// Agent to page.
	TypeNavigate = "navigate"
	TypeOpen     = "open"
	TypeClaim    = "claim"
	TypeEvent    = "event"
)

// Client kinds. Launchers are kiosk shells that can open windows but are
// not windows themselves.
const (
	KindWindow   = "window"
	KindLauncher = "launcher"
)

// Message is the single JSON frame shape in both directions.
type Message struct {
	Type    string          `json:"type"`
	Seq     uint64          `json:"seq,omitempty"`
	URL     string          `json:"url,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Error   string          `json:"error,omitempty"`
}
