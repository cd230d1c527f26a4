// Package wsrelay carries relay topics over a websocket. The server half
// runs inside the relay process and bridges every connection onto a backend
// core.Relay; the client half implements core.Relay for voice clients.
package wsrelay

import (
	"encoding/json"
	"strings"
)

type Op string

const (
	OpSubscribe   Op = "subscribe"
	OpUnsubscribe Op = "unsubscribe"
	OpPublish     Op = "publish"
	OpMessage     Op = "message"
	OpAck         Op = "ack"
	OpError       Op = "error"
)

// TopicPrefix restricts which topics clients may use.
const TopicPrefix = "voice:"

// Frame is the unit exchanged on the websocket in both directions.
// ID correlates acks and errors with the request that caused them.
type Frame struct {
	Op    Op              `json:"op"`
	ID    string          `json:"id,omitempty"`
	Topic string          `json:"topic,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

func validTopic(topic string) bool {
	return strings.HasPrefix(topic, TopicPrefix) && len(topic) > len(TopicPrefix)
}
