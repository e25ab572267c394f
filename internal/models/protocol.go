package models

import "github.com/goccy/go-json"

// Gateway methods a client may send.
const (
	MethodSubscribe   = "subscribe"
	MethodUnsubscribe = "unsubscribe"
)

// Command is a client-to-gateway frame.
type Command struct {
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Channel string `json:"channel"`
}

type ReplyError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ReplyError) Error() string { return e.Message }

// Frame is a gateway-to-client frame: either a reply to a Command (ID set) or
// a publication (Channel and Data set, Data holding an Event).
type Frame struct {
	ID      uint64          `json:"id,omitempty"`
	Error   *ReplyError     `json:"error,omitempty"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (f *Frame) IsPublication() bool { return f.Channel != "" }
