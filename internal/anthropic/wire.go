// Package anthropic implements the Messages API client: request construction,
// the streaming SSE decoder, and the assembler that folds stream events back
// into complete assistant turns.
package anthropic

import (
	"encoding/json"

	"github.com/parleyhq/parley/pkg/models"
)

const (
	messagesPath = "/v1/messages"
	apiVersion   = "2023-06-01"
)

// Request is the JSON body of a streaming messages call.
type Request struct {
	Model       string      `json:"model"`
	MaxTokens   int         `json:"max_tokens"`
	Temperature float64     `json:"temperature"`
	System      []Block     `json:"system,omitempty"`
	Messages    []Message   `json:"messages"`
	Tools       []Tool      `json:"tools,omitempty"`
	ToolChoice  *ToolChoice `json:"tool_choice,omitempty"`
	Thinking    *Thinking   `json:"thinking,omitempty"`
	Stream      bool        `json:"stream"`
}

// Message is one conversation entry on the wire.
type Message struct {
	Role    string  `json:"role"`
	Content []Block `json:"content"`
}

// Block is the wire form of a content block. Type selects which fields are
// populated.
type Block struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image
	Source *ImageSource `json:"source,omitempty"`

	// thinking / redacted_thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
	Data      string `json:"data,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string  `json:"tool_use_id,omitempty"`
	Content   []Block `json:"content,omitempty"`
	IsError   bool    `json:"is_error,omitempty"`

	CacheControl *models.CacheControl `json:"cache_control,omitempty"`
}

// ImageSource is a base64 image payload.
type ImageSource struct {
	Type      string `json:"type"` // always "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// Tool is a tool definition on the wire.
type Tool struct {
	Name         string               `json:"name"`
	Description  string               `json:"description,omitempty"`
	InputSchema  json.RawMessage      `json:"input_schema"`
	CacheControl *models.CacheControl `json:"cache_control,omitempty"`
}

// ToolChoice steers tool selection. Type is "auto", "any", or "tool"; Name is
// required for "tool".
type ToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

const (
	ToolChoiceAuto  = "auto"
	ToolChoiceAny   = "any"
	ToolChoiceNamed = "tool"
)

// Thinking enables extended thinking with a token budget.
type Thinking struct {
	Type         string `json:"type"` // always "enabled"
	BudgetTokens int    `json:"budget_tokens"`
}

// encodeBlock converts an internal content block to its wire form. Cache
// markers are NOT carried over; the builder assigns those per request.
func encodeBlock(b models.ContentBlock) Block {
	switch b.Kind {
	case models.BlockText:
		return Block{Type: "text", Text: b.Text}
	case models.BlockImage:
		return Block{Type: "image", Source: &ImageSource{
			Type:      "base64",
			MediaType: b.MediaType,
			Data:      b.Data,
		}}
	case models.BlockThinking:
		return Block{Type: "thinking", Thinking: b.Thinking, Signature: b.Signature}
	case models.BlockRedactedThinking:
		return Block{Type: "redacted_thinking", Data: b.Redacted}
	case models.BlockToolUse:
		input := b.Input
		if len(input) == 0 {
			input = json.RawMessage(`{}`)
		}
		return Block{Type: "tool_use", ID: b.ToolUseID, Name: b.ToolName, Input: input}
	case models.BlockToolResult:
		wb := Block{Type: "tool_result", ToolUseID: b.ToolUseID, IsError: b.IsError}
		for _, nested := range b.Result {
			wb.Content = append(wb.Content, encodeBlock(nested))
		}
		return wb
	default:
		// Unknown kinds degrade to empty text rather than corrupting the
		// request shape.
		return Block{Type: "text", Text: b.Text}
	}
}

// wireUsage is the usage object as the API reports it.
type wireUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

func (u *wireUsage) toModel() models.Usage {
	if u == nil {
		return models.Usage{}
	}
	return models.Usage{
		InputTokens:              u.InputTokens,
		OutputTokens:             u.OutputTokens,
		CacheCreationInputTokens: u.CacheCreationInputTokens,
		CacheReadInputTokens:     u.CacheReadInputTokens,
	}
}

// frame is the decoded JSON of one SSE data line.
type frame struct {
	Type string `json:"type"`

	// message_start
	Message *struct {
		Model string     `json:"model"`
		Usage *wireUsage `json:"usage"`
	} `json:"message"`

	// content_block_* frames
	Index        *int       `json:"index"`
	ContentBlock *wireBlock `json:"content_block"`
	Delta        *wireDelta `json:"delta"`

	// message_delta
	Usage *wireUsage `json:"usage"`

	// error
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// wireBlock is the content_block object of a content_block_start frame.
type wireBlock struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	Name     string `json:"name"`
	Text     string `json:"text"`
	Thinking string `json:"thinking"`
	Data     string `json:"data"`
}

// wireDelta is the delta object of content_block_delta and message_delta.
type wireDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	PartialJSON string `json:"partial_json"`
	Thinking    string `json:"thinking"`
	Signature   string `json:"signature"`
	StopReason  string `json:"stop_reason"`
}
