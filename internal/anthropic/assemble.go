package anthropic

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"

	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/pkg/models"
)

// StoppedMarker is appended to the last text block of a turn that was
// cancelled mid-generation.
const StoppedMarker = "[generation stopped]"

// Assembler folds decoded stream events into a complete assistant turn,
// republishing deltas to the front-end bus as they arrive. Bus, logger, and
// metrics may all be nil.
type Assembler struct {
	bus     *events.Bus
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewAssembler returns an assembler publishing to the given bus.
func NewAssembler(bus *events.Bus, logger *slog.Logger, metrics *observability.Metrics) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{bus: bus, logger: logger, metrics: metrics}
}

// blockState accumulates one content block across its delta fragments.
type blockState struct {
	kind      models.BlockKind
	id        string
	name      string
	text      strings.Builder
	inputJSON strings.Builder
	thinking  strings.Builder
	signature string
	redacted  string
}

// Collect drains the event channel and returns the assembled turn. The turn
// is returned even when the stream ends early: on cancellation the stop
// reason is cancelled_by_user and the last text block carries StoppedMarker;
// on a stream error the partial content survives alongside the error.
func (a *Assembler) Collect(ctx context.Context, evs <-chan Event) (*models.Turn, error) {
	states := make(map[int]*blockState)
	var indexes []int
	turn := &models.Turn{StopReason: models.StopEndTurn}
	var streamErr error

drain:
	for ev := range evs {
		a.publishRaw(ev)

		switch ev.Type {
		case EventMessageStart:
			turn.Model = ev.Model
			if ev.Usage != nil {
				turn.Usage.Add(*ev.Usage)
			}
			a.publish(models.StreamMessageStart, "", ev.Model, nil)

		case EventContentBlockStart:
			st := &blockState{
				kind:     ev.Block.Kind,
				id:       ev.Block.ToolUseID,
				name:     ev.Block.ToolName,
				redacted: ev.Block.Redacted,
			}
			if ev.Block.Text != "" {
				st.text.WriteString(ev.Block.Text)
			}
			if ev.Block.Thinking != "" {
				st.thinking.WriteString(ev.Block.Thinking)
			}
			states[ev.Index] = st
			indexes = append(indexes, ev.Index)
			a.publish(models.StreamContentBlockStart, string(ev.Block.Kind), st.id, nil)

		case EventContentBlockDelta:
			st := states[ev.Index]
			if st == nil {
				continue
			}
			switch ev.Delta.Type {
			case DeltaText:
				fragment := ev.Delta.Text
				if st.text.Len() == 0 {
					// The model tends to open with stray newlines.
					fragment = strings.TrimLeft(fragment, "\n")
				}
				if fragment != "" {
					st.text.WriteString(fragment)
					a.publish(models.StreamContentBlockDelta, fragment, "", nil)
				}
			case DeltaInputJSON:
				st.inputJSON.WriteString(ev.Delta.PartialJSON)
			case DeltaThinking:
				st.thinking.WriteString(ev.Delta.Thinking)
				a.publish(models.StreamContentBlockDelta, ev.Delta.Thinking, "thinking", nil)
			case DeltaSignature:
				st.signature += ev.Delta.Signature
			}

		case EventContentBlockStop:
			st := states[ev.Index]
			if st == nil {
				continue
			}
			if st.kind == models.BlockToolUse {
				a.finalizeToolInput(st)
			}
			a.publish(models.StreamContentBlockStop, string(st.kind), st.id, nil)

		case EventMessageDelta:
			if ev.StopReason != "" {
				turn.StopReason = ev.StopReason
			}
			if ev.Usage != nil {
				turn.Usage.Add(*ev.Usage)
				a.publishUsage(turn.Usage)
			}
			a.publish(models.StreamMessageDelta, string(turn.StopReason), "", nil)

		case EventMessageStop:
			a.publish(models.StreamMessageStop, "", "", nil)
			break drain

		case EventPing:
			a.publish(models.StreamPing, "", "", nil)

		case EventError:
			streamErr = ev.Err
			a.publish(models.StreamError, ev.Err.Error(), "", nil)
			break drain
		}
	}

	cancelled := streamErr == nil && ctx.Err() != nil

	sort.Ints(indexes)
	for _, i := range indexes {
		turn.Blocks = append(turn.Blocks, finalizeBlock(states[i]))
	}

	if cancelled {
		turn.StopReason = models.StopCancelledByUser
		appendStoppedMarker(turn)
		a.publish(models.StreamCancelled, StoppedMarker, "", nil)
	}

	if a.metrics != nil {
		a.metrics.RecordUsage(turn.Usage.InputTokens, turn.Usage.OutputTokens,
			turn.Usage.CacheReadInputTokens, turn.Usage.CacheCreationInputTokens)
	}
	return turn, streamErr
}

// finalizeToolInput parses accumulated partial JSON into the block's input.
// An empty accumulation becomes the empty object; unparseable input is
// reported but does not discard the turn.
func (a *Assembler) finalizeToolInput(st *blockState) {
	raw := strings.TrimSpace(st.inputJSON.String())
	if raw == "" {
		raw = "{}"
	}
	if !json.Valid([]byte(raw)) {
		a.logger.Warn("tool input is not valid json",
			"tool", st.name, "tool_use_id", st.id)
		if a.metrics != nil {
			a.metrics.ProtocolErrors.Inc()
		}
		a.publish(models.StreamError, (&ProtocolError{
			Detail: "tool input for " + st.name + " is not valid json",
		}).Error(), st.id, nil)
		raw = "{}"
	}
	st.inputJSON.Reset()
	st.inputJSON.WriteString(raw)
}

// finalizeBlock converts accumulated state into a content block.
func finalizeBlock(st *blockState) models.ContentBlock {
	switch st.kind {
	case models.BlockToolUse:
		input := st.inputJSON.String()
		if strings.TrimSpace(input) == "" {
			input = "{}"
		}
		return models.ContentBlock{
			Kind:      models.BlockToolUse,
			ToolUseID: st.id,
			ToolName:  st.name,
			Input:     json.RawMessage(input),
		}
	case models.BlockThinking:
		return models.ContentBlock{
			Kind:      models.BlockThinking,
			Thinking:  st.thinking.String(),
			Signature: st.signature,
		}
	case models.BlockRedactedThinking:
		return models.ContentBlock{Kind: models.BlockRedactedThinking, Redacted: st.redacted}
	default:
		return models.ContentBlock{Kind: models.BlockText, Text: st.text.String()}
	}
}

// appendStoppedMarker marks the turn as interrupted. The marker lands at the
// end of the last text block, or in a fresh text block when none exists.
func appendStoppedMarker(t *models.Turn) {
	for i := len(t.Blocks) - 1; i >= 0; i-- {
		if t.Blocks[i].Kind == models.BlockText {
			if t.Blocks[i].Text != "" {
				t.Blocks[i].Text += "\n" + StoppedMarker
			} else {
				t.Blocks[i].Text = StoppedMarker
			}
			return
		}
	}
	t.Blocks = append(t.Blocks, models.TextBlock(StoppedMarker))
}

func (a *Assembler) publish(kind models.StreamEventKind, content, tag string, payload json.RawMessage) {
	if a.bus != nil {
		a.bus.Publish(kind, content, tag, payload)
	}
}

func (a *Assembler) publishRaw(ev Event) {
	if a.bus != nil && len(ev.Raw) > 0 {
		a.bus.Publish(models.StreamRawData, "", string(ev.Type), ev.Raw)
	}
}

func (a *Assembler) publishUsage(u models.Usage) {
	if a.bus == nil {
		return
	}
	payload, err := json.Marshal(u)
	if err != nil {
		return
	}
	a.bus.Publish(models.StreamUsage, "", "", payload)
}
