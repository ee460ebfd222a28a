package anthropic

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/parleyhq/parley/pkg/models"
)

// EventType identifies one decoded stream event.
type EventType string

const (
	EventMessageStart      EventType = "message_start"
	EventContentBlockStart EventType = "content_block_start"
	EventContentBlockDelta EventType = "content_block_delta"
	EventContentBlockStop  EventType = "content_block_stop"
	EventMessageDelta      EventType = "message_delta"
	EventMessageStop       EventType = "message_stop"
	EventPing              EventType = "ping"
	EventError             EventType = "error"
)

// DeltaType identifies the payload variant of a content_block_delta.
type DeltaType string

const (
	DeltaText      DeltaType = "text_delta"
	DeltaInputJSON DeltaType = "input_json_delta"
	DeltaThinking  DeltaType = "thinking_delta"
	DeltaSignature DeltaType = "signature_delta"
)

// Delta is one incremental fragment within a content block.
type Delta struct {
	Type        DeltaType
	Text        string
	PartialJSON string
	Thinking    string
	Signature   string
}

// Event is one decoded stream event. Raw always holds the originating JSON
// frame so downstream consumers can republish it verbatim.
type Event struct {
	Type EventType
	Raw  json.RawMessage

	// content_block_* events
	Index int
	Block models.ContentBlock // initial block shape for EventContentBlockStart
	Delta Delta

	// message_start / message_delta
	Model      string
	StopReason models.StopReason
	Usage      *models.Usage

	// EventError
	Err error
}

// maxFrameSize bounds a single SSE line. Tool inputs stream as partial JSON
// fragments, so frames stay far below this in practice.
const maxFrameSize = 4 << 20

// Decode reads one SSE stream and invokes emit for each decoded event, in
// order. Lines without a "data:" prefix are skipped; a "[DONE]" payload ends
// the stream. A malformed frame, or a delta referencing an index that never
// started, emits a terminal error event and stops decoding. Cancellation is
// honored between frames.
func Decode(ctx context.Context, r io.Reader, emit func(Event)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	started := make(map[int]bool)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := strings.TrimRight(scanner.Text(), "\r")
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(line[len("data:"):])
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			return nil
		}

		var f frame
		if err := json.Unmarshal([]byte(payload), &f); err != nil {
			perr := &ProtocolError{Detail: fmt.Sprintf("unparseable frame: %v", err)}
			emit(Event{Type: EventError, Raw: json.RawMessage(payload), Err: perr})
			return perr
		}
		raw := json.RawMessage(payload)

		switch f.Type {
		case "ping":
			emit(Event{Type: EventPing, Raw: raw})

		case "message_start":
			ev := Event{Type: EventMessageStart, Raw: raw}
			if f.Message != nil {
				ev.Model = f.Message.Model
				u := f.Message.Usage.toModel()
				ev.Usage = &u
			}
			emit(ev)

		case "content_block_start":
			if f.Index == nil || f.ContentBlock == nil {
				perr := &ProtocolError{Detail: "content_block_start missing index or content_block"}
				emit(Event{Type: EventError, Raw: raw, Err: perr})
				return perr
			}
			started[*f.Index] = true
			emit(Event{
				Type:  EventContentBlockStart,
				Raw:   raw,
				Index: *f.Index,
				Block: startBlock(f.ContentBlock),
			})

		case "content_block_delta":
			if f.Index == nil || f.Delta == nil {
				perr := &ProtocolError{Detail: "content_block_delta missing index or delta"}
				emit(Event{Type: EventError, Raw: raw, Err: perr})
				return perr
			}
			if !started[*f.Index] {
				perr := &ProtocolError{Detail: fmt.Sprintf("delta for index %d before content_block_start", *f.Index)}
				emit(Event{Type: EventError, Raw: raw, Err: perr})
				return perr
			}
			emit(Event{
				Type:  EventContentBlockDelta,
				Raw:   raw,
				Index: *f.Index,
				Delta: Delta{
					Type:        DeltaType(f.Delta.Type),
					Text:        f.Delta.Text,
					PartialJSON: f.Delta.PartialJSON,
					Thinking:    f.Delta.Thinking,
					Signature:   f.Delta.Signature,
				},
			})

		case "content_block_stop":
			if f.Index == nil {
				perr := &ProtocolError{Detail: "content_block_stop missing index"}
				emit(Event{Type: EventError, Raw: raw, Err: perr})
				return perr
			}
			if !started[*f.Index] {
				perr := &ProtocolError{Detail: fmt.Sprintf("stop for index %d before content_block_start", *f.Index)}
				emit(Event{Type: EventError, Raw: raw, Err: perr})
				return perr
			}
			emit(Event{Type: EventContentBlockStop, Raw: raw, Index: *f.Index})

		case "message_delta":
			ev := Event{Type: EventMessageDelta, Raw: raw}
			if f.Delta != nil && f.Delta.StopReason != "" {
				ev.StopReason = models.StopReason(f.Delta.StopReason)
			}
			if f.Usage != nil {
				u := f.Usage.toModel()
				ev.Usage = &u
			}
			emit(ev)

		case "message_stop":
			emit(Event{Type: EventMessageStop, Raw: raw})
			return nil

		case "error":
			errType, errMsg := "unknown", "unknown stream error"
			if f.Error != nil {
				errType, errMsg = f.Error.Type, f.Error.Message
			}
			aerr := &APIError{Type: errType, Message: errMsg}
			emit(Event{Type: EventError, Raw: raw, Err: aerr})
			return aerr

		default:
			// Unknown frame types are forward compatible; skip them.
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return nil
}

// startBlock maps a content_block_start payload to an initial content block.
func startBlock(wb *wireBlock) models.ContentBlock {
	switch wb.Type {
	case "text":
		return models.ContentBlock{Kind: models.BlockText, Text: wb.Text}
	case "tool_use":
		return models.ContentBlock{Kind: models.BlockToolUse, ToolUseID: wb.ID, ToolName: wb.Name}
	case "thinking":
		return models.ContentBlock{Kind: models.BlockThinking, Thinking: wb.Thinking}
	case "redacted_thinking":
		return models.ContentBlock{Kind: models.BlockRedactedThinking, Redacted: wb.Data}
	default:
		return models.ContentBlock{Kind: models.BlockKind(wb.Type)}
	}
}
