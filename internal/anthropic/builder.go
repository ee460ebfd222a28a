package anthropic

import (
	"errors"
	"fmt"
	"strings"

	"github.com/parleyhq/parley/pkg/models"
)

// CacheOptions control which request sections receive cache breakpoints.
// UseCache gates the other three.
type CacheOptions struct {
	UseCache      bool
	CacheTools    bool
	CacheSystem   bool
	CacheMessages bool
}

// BuildInput is everything the builder needs for one request. History is a
// snapshot; the builder never mutates it.
type BuildInput struct {
	Model       string
	System      []string
	History     []models.Message
	Tools       []models.ToolDefinition
	ToolChoice  *ToolChoice
	UseThinking bool
	Cache       CacheOptions
}

// ErrEmptyHistory is returned when no sendable message remains after the tail
// trim.
var ErrEmptyHistory = errors.New("no messages to send")

// Build assembles a streaming request. Trailing non-user messages are trimmed
// so the request always ends on a user turn; generation parameters come from
// the per-model table; cache breakpoints are assigned fresh on every call.
func Build(in BuildInput) (*Request, error) {
	if strings.TrimSpace(in.Model) == "" {
		return nil, errors.New("model is required")
	}
	if in.ToolChoice != nil && in.ToolChoice.Type == ToolChoiceNamed && in.ToolChoice.Name == "" {
		return nil, errors.New("tool_choice of type tool requires a name")
	}

	history := trimTail(in.History)
	if len(history) == 0 {
		return nil, ErrEmptyHistory
	}
	for _, m := range history {
		if m.Role != models.RoleUser && m.Role != models.RoleAssistant {
			return nil, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}

	params := resolveParams(in.Model, in.UseThinking)

	req := &Request{
		Model:       in.Model,
		MaxTokens:   params.maxTokens,
		Temperature: params.temperature,
		Stream:      true,
		ToolChoice:  in.ToolChoice,
	}
	if params.thinkingBudget > 0 {
		req.Thinking = &Thinking{Type: "enabled", BudgetTokens: params.thinkingBudget}
	}

	req.Tools = encodeTools(in.Tools, in.Cache)
	req.System = encodeSystem(in.System, in.Cache)
	req.Messages = encodeMessages(history, in.Cache)
	return req, nil
}

// trimTail drops trailing non-user messages so the request ends with a user
// message.
func trimTail(history []models.Message) []models.Message {
	end := len(history)
	for end > 0 && history[end-1].Role != models.RoleUser {
		end--
	}
	return history[:end]
}

// genParams is one row of the per-model parameter table.
type genParams struct {
	maxTokens      int
	temperature    float64
	thinkingBudget int // 0 disables thinking
}

// resolveParams picks generation parameters for the model. Generation 4
// Sonnet models run with a tighter output cap and gate thinking on the
// caller's flag; other models get the large thinking budget whenever
// thinking is requested.
func resolveParams(model string, useThinking bool) genParams {
	switch {
	case strings.Contains(model, "sonnet-4"):
		p := genParams{maxTokens: 10000, temperature: 0.2}
		if useThinking {
			p.temperature = 1.0
			p.thinkingBudget = 5000
		}
		return p
	case useThinking:
		return genParams{maxTokens: 25000, temperature: 1.0, thinkingBudget: 15000}
	default:
		return genParams{maxTokens: 8000, temperature: 0.2}
	}
}

// encodeTools converts tool definitions, marking the last one as a cache
// breakpoint when tool caching is on.
func encodeTools(defs []models.ToolDefinition, cache CacheOptions) []Tool {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]Tool, len(defs))
	for i, d := range defs {
		tools[i] = Tool{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema,
		}
	}
	if cache.UseCache && cache.CacheTools {
		tools[len(tools)-1].CacheControl = models.Ephemeral()
	}
	return tools
}

// encodeSystem converts system prompt segments, marking the last one as a
// cache breakpoint when system caching is on.
func encodeSystem(segments []string, cache CacheOptions) []Block {
	if len(segments) == 0 {
		return nil
	}
	system := make([]Block, len(segments))
	for i, s := range segments {
		system[i] = Block{Type: "text", Text: s}
	}
	if cache.UseCache && cache.CacheSystem {
		system[len(system)-1].CacheControl = models.Ephemeral()
	}
	return system
}

// encodeMessages converts the history to wire messages. Cache breakpoints are
// assigned only here: the first text or tool_result block of each of the last
// two user messages is marked, every other marker is cleared.
func encodeMessages(history []models.Message, cache CacheOptions) []Message {
	msgs := make([]Message, len(history))
	for i, m := range history {
		content := make([]Block, 0, len(m.Blocks))
		for _, b := range m.Blocks {
			content = append(content, encodeBlock(b))
		}
		msgs[i] = Message{Role: string(m.Role), Content: content}
	}

	if !cache.UseCache || !cache.CacheMessages {
		return msgs
	}
	marked := 0
	for i := len(msgs) - 1; i >= 0 && marked < 2; i-- {
		if msgs[i].Role != string(models.RoleUser) {
			continue
		}
		for j := range msgs[i].Content {
			t := msgs[i].Content[j].Type
			if t == "text" || t == "tool_result" {
				msgs[i].Content[j].CacheControl = models.Ephemeral()
				break
			}
		}
		marked++
	}
	return msgs
}
