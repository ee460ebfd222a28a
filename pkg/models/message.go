package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// BlockKind discriminates the content block variants.
type BlockKind string

const (
	BlockText             BlockKind = "text"
	BlockImage            BlockKind = "image"
	BlockThinking         BlockKind = "thinking"
	BlockRedactedThinking BlockKind = "redacted_thinking"
	BlockToolUse          BlockKind = "tool_use"
	BlockToolResult       BlockKind = "tool_result"
)

// CacheTTL is the server-side lifetime hint for an ephemeral cache marker.
type CacheTTL string

const (
	CacheTTL5m CacheTTL = "5m"
	CacheTTL1h CacheTTL = "1h"
)

// CacheControl marks the prefix up to and including the carrying block as a
// cacheable segment on the server.
type CacheControl struct {
	Type string   `json:"type"` // always "ephemeral"
	TTL  CacheTTL `json:"ttl,omitempty"`
}

// Ephemeral returns a cache marker with the default 5 minute TTL.
func Ephemeral() *CacheControl {
	return &CacheControl{Type: "ephemeral"}
}

// ContentBlock is one typed fragment of a message. Kind selects which of the
// payload fields are meaningful; the rest stay at their zero value.
type ContentBlock struct {
	Kind BlockKind `json:"kind"`

	// Text body for BlockText.
	Text string `json:"text,omitempty"`

	// Image payload for BlockImage.
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"` // base64

	// Rationale for BlockThinking; Signature authenticates it on resend.
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// Opaque blob for BlockRedactedThinking.
	Redacted string `json:"redacted,omitempty"`

	// Tool call for BlockToolUse; ToolUseID is shared with BlockToolResult.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`

	// Reply payload for BlockToolResult. Nested blocks are text or image only.
	Result  []ContentBlock `json:"result,omitempty"`
	IsError bool           `json:"is_error,omitempty"`

	// Cache, when set, marks this block as a cache breakpoint.
	Cache *CacheControl `json:"cache_control,omitempty"`
}

// TextBlock returns a plain text content block.
func TextBlock(body string) ContentBlock {
	return ContentBlock{Kind: BlockText, Text: body}
}

// ToolUseBlock returns a tool_use content block.
func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Kind: BlockToolUse, ToolUseID: id, ToolName: name, Input: input}
}

// ToolResultBlock returns a tool_result content block wrapping text output.
func ToolResultBlock(id string, body string, isError bool) ContentBlock {
	return ContentBlock{
		Kind:      BlockToolResult,
		ToolUseID: id,
		Result:    []ContentBlock{TextBlock(body)},
		IsError:   isError,
	}
}

// Message pairs a role with an ordered, non-empty list of content blocks.
type Message struct {
	ID        string         `json:"id,omitempty"`
	Role      Role           `json:"role"`
	Blocks    []ContentBlock `json:"blocks"`
	Synthetic bool           `json:"synthetic,omitempty"`
	CreatedAt time.Time      `json:"created_at,omitempty"`
}

// NewTextMessage returns a message holding a single text block.
func NewTextMessage(role Role, body string) Message {
	return Message{Role: role, Blocks: []ContentBlock{TextBlock(body)}}
}

// FirstText returns the body of the message's first text block. For messages
// that open with a tool_result, the nested text of that result is used.
func (m Message) FirstText() string {
	for _, b := range m.Blocks {
		switch b.Kind {
		case BlockText:
			return b.Text
		case BlockToolResult:
			for _, nested := range b.Result {
				if nested.Kind == BlockText {
					return nested.Text
				}
			}
		}
	}
	return ""
}

// HasToolUse reports whether any block is a tool_use.
func (m Message) HasToolUse() bool {
	for _, b := range m.Blocks {
		if b.Kind == BlockToolUse {
			return true
		}
	}
	return false
}

// ToolUseIDs returns the ids of all tool_use blocks in order.
func (m Message) ToolUseIDs() []string {
	var ids []string
	for _, b := range m.Blocks {
		if b.Kind == BlockToolUse {
			ids = append(ids, b.ToolUseID)
		}
	}
	return ids
}

// ToolResultIDs returns the ids of all tool_result blocks in order.
func (m Message) ToolResultIDs() []string {
	var ids []string
	for _, b := range m.Blocks {
		if b.Kind == BlockToolResult {
			ids = append(ids, b.ToolUseID)
		}
	}
	return ids
}

// LastToolUse returns the final tool_use block, if any.
func (m Message) LastToolUse() (ContentBlock, bool) {
	for i := len(m.Blocks) - 1; i >= 0; i-- {
		if m.Blocks[i].Kind == BlockToolUse {
			return m.Blocks[i], true
		}
	}
	return ContentBlock{}, false
}

// Placeholder bodies. The sentinel prefix is load-bearing: persisted histories
// from earlier versions carry these exact strings, so detection keys on the
// common prefix rather than a discriminator field.
const (
	PlaceholderPrefix         = "placeholder for missing"
	PlaceholderUserText       = "placeholder for missing user text message"
	PlaceholderUserToolResult = "placeholder for missing user tool result message"
	PlaceholderAssistant      = "placeholder for missing assistant message"
)

// UserPlaceholder returns a synthetic user text message.
func UserPlaceholder() Message {
	m := NewTextMessage(RoleUser, PlaceholderUserText)
	m.Synthetic = true
	return m
}

// AssistantPlaceholder returns a synthetic assistant text message.
func AssistantPlaceholder() Message {
	m := NewTextMessage(RoleAssistant, PlaceholderAssistant)
	m.Synthetic = true
	return m
}

// UserToolResultPlaceholder returns a synthetic user message answering the
// given tool_use id so role alternation and pairing both hold.
func UserToolResultPlaceholder(toolUseID string) Message {
	m := Message{
		Role: RoleUser,
		Blocks: []ContentBlock{
			TextBlock(PlaceholderUserToolResult),
			ToolResultBlock(toolUseID, PlaceholderUserToolResult, false),
		},
	}
	m.Synthetic = true
	return m
}

// IsPlaceholder reports whether the message is a synthetic alternation filler.
// New data carries the Synthetic flag; histories persisted before the flag
// existed are recognized by the sentinel prefix of their first text body.
func (m Message) IsPlaceholder() bool {
	if m.Synthetic {
		return true
	}
	return strings.HasPrefix(m.FirstText(), PlaceholderPrefix)
}

// StopReason explains why an assistant turn ended.
type StopReason string

const (
	StopEndTurn         StopReason = "end_turn"
	StopMaxTokens       StopReason = "max_tokens"
	StopToolUse         StopReason = "tool_use"
	StopCancelledByUser StopReason = "cancelled_by_user"
)

// Usage holds token accounting reported by the server.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// Add accumulates counts from a usage update.
func (u *Usage) Add(delta Usage) {
	u.InputTokens += delta.InputTokens
	u.OutputTokens += delta.OutputTokens
	u.CacheCreationInputTokens += delta.CacheCreationInputTokens
	u.CacheReadInputTokens += delta.CacheReadInputTokens
}

// Turn is one completed assistant turn assembled from a stream.
type Turn struct {
	Blocks     []ContentBlock
	StopReason StopReason
	Usage      Usage
	Model      string
}

// Message converts the turn into an assistant message.
func (t Turn) Message() Message {
	return Message{Role: RoleAssistant, Blocks: t.Blocks, CreatedAt: time.Now()}
}
