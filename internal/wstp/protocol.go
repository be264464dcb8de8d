package wstp

import "encoding/json"

// Subprotocol is the graphql-transport-ws websocket subprotocol.
const Subprotocol = "graphql-transport-ws"

// Message types of the graphql-transport-ws protocol.
const (
	TypeConnectionInit = "connection_init"
	TypeConnectionAck  = "connection_ack"
	TypePing           = "ping"
	TypePong           = "pong"
	TypeSubscribe      = "subscribe"
	TypeNext           = "next"
	TypeError          = "error"
	TypeComplete       = "complete"
)

// Message is one protocol frame.
type Message struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
