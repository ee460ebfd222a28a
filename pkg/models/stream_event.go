package models

import (
	"encoding/json"
	"time"
)

// StreamEventKind identifies one event on the front-end bus.
type StreamEventKind string

const (
	StreamRawData             StreamEventKind = "raw_data"
	StreamDebug               StreamEventKind = "debug"
	StreamWarning             StreamEventKind = "warning"
	StreamMessageStart        StreamEventKind = "message_start"
	StreamContentBlockStart   StreamEventKind = "content_block_start"
	StreamContentBlockDelta   StreamEventKind = "content_block_delta"
	StreamContentBlockStop    StreamEventKind = "content_block_stop"
	StreamMessageDelta        StreamEventKind = "message_delta"
	StreamMessageStop         StreamEventKind = "message_stop"
	StreamPing                StreamEventKind = "ping"
	StreamUsage               StreamEventKind = "usage"
	StreamStatus              StreamEventKind = "status"
	StreamInteractionComplete StreamEventKind = "interaction_complete"
	StreamStopRequested       StreamEventKind = "stop_requested"
	StreamCancelled           StreamEventKind = "cancelled"
	StreamError               StreamEventKind = "error"
)

// Terminal reports whether the kind ends the current turn for consumers.
func (k StreamEventKind) Terminal() bool {
	return k == StreamCancelled || k == StreamError
}

// StreamEvent is one entry on the ordered front-end bus. Events for a turn
// arrive in production order; consumers are free to drop kinds they do not
// render.
type StreamEvent struct {
	Kind     StreamEventKind `json:"kind"`
	Sequence uint64          `json:"sequence"`
	Time     time.Time       `json:"time"`

	// Content carries delta text, status lines, or error detail.
	Content string `json:"content,omitempty"`

	// Tag labels the event with a message or block identifier when one
	// applies (e.g. the tool_use id for tool block events).
	Tag string `json:"tag,omitempty"`

	// JSON carries the raw frame for RawData and structured payloads such
	// as usage totals.
	JSON json.RawMessage `json:"json,omitempty"`
}
