package models

import "encoding/json"

// Client to server actions.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// Server to client frame types.
const (
	FrameEvent        = "event"
	FrameSubscribed   = "subscribed"
	FrameUnsubscribed = "unsubscribed"
	FrameError        = "error"
)

// WSRequest is a frame sent by a websocket client.
type WSRequest struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
}

// WSFrame is a frame sent to a websocket client. Event holds an encoded
// realtime event when Type is FrameEvent.
type WSFrame struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Event   json.RawMessage `json:"event,omitempty"`
	Message string          `json:"message,omitempty"`
}
