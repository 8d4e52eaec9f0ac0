package graphqlws

import (
	"encoding/json"

	"github.com/vektah/gqlparser/v2/gqlerror"
)

// Subprotocol is the WebSocket subprotocol name of graphql-transport-ws.
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

// Message is one frame of the protocol.
type Message struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubscribePayload is the payload of a subscribe message.
type SubscribePayload struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
}

// NextPayload is the payload of a next message.
type NextPayload struct {
	Data   any           `json:"data"`
	Errors gqlerror.List `json:"errors,omitempty"`
}

func newMessage(id, typ string, payload any) (Message, error) {
	m := Message{ID: id, Type: typ}
	if payload == nil {
		return m, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	m.Payload = b
	return m, nil
}
