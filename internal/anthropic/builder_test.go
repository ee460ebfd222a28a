package anthropic

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/parleyhq/parley/pkg/models"
)

func allCache() CacheOptions {
	return CacheOptions{UseCache: true, CacheTools: true, CacheSystem: true, CacheMessages: true}
}

func userMsg(text string) models.Message      { return models.NewTextMessage(models.RoleUser, text) }
func assistantMsg(text string) models.Message { return models.NewTextMessage(models.RoleAssistant, text) }

func TestBuild_TrimsTrailingAssistant(t *testing.T) {
	req, err := Build(BuildInput{
		Model: "claude-sonnet-4-20250514",
		History: []models.Message{
			userMsg("hi"), assistantMsg("hello"), userMsg("more"), assistantMsg("dangling"),
		},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(req.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(req.Messages))
	}
	if req.Messages[len(req.Messages)-1].Role != "user" {
		t.Errorf("last role = %s, want user", req.Messages[len(req.Messages)-1].Role)
	}
	if !req.Stream {
		t.Error("stream not set")
	}
}

func TestBuild_EmptyAfterTrim(t *testing.T) {
	_, err := Build(BuildInput{
		Model:   "m",
		History: []models.Message{assistantMsg("only assistant")},
	})
	if !errors.Is(err, ErrEmptyHistory) {
		t.Errorf("err = %v, want ErrEmptyHistory", err)
	}
}

func TestBuild_RejectsSystemRoleInHistory(t *testing.T) {
	_, err := Build(BuildInput{
		Model: "m",
		History: []models.Message{
			models.NewTextMessage(models.RoleSystem, "nope"), userMsg("hi"),
		},
	})
	if err == nil {
		t.Error("expected role validation error")
	}
}

func TestBuild_NamedToolChoiceRequiresName(t *testing.T) {
	_, err := Build(BuildInput{
		Model:      "m",
		History:    []models.Message{userMsg("hi")},
		ToolChoice: &ToolChoice{Type: ToolChoiceNamed},
	})
	if err == nil {
		t.Error("expected error for named tool choice without name")
	}
}

func TestResolveParams(t *testing.T) {
	tests := []struct {
		name        string
		model       string
		useThinking bool
		want        genParams
	}{
		{"sonnet4 plain", "claude-sonnet-4-20250514", false, genParams{maxTokens: 10000, temperature: 0.2}},
		{"sonnet4 thinking", "claude-sonnet-4-20250514", true, genParams{maxTokens: 10000, temperature: 1.0, thinkingBudget: 5000}},
		{"other thinking", "claude-opus-4-1", true, genParams{maxTokens: 25000, temperature: 1.0, thinkingBudget: 15000}},
		{"other plain", "claude-3-5-haiku-20241022", false, genParams{maxTokens: 8000, temperature: 0.2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resolveParams(tt.model, tt.useThinking); got != tt.want {
				t.Errorf("resolveParams = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestBuild_ThinkingBlockSet(t *testing.T) {
	req, err := Build(BuildInput{
		Model:       "claude-opus-4-1",
		History:     []models.Message{userMsg("hi")},
		UseThinking: true,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if req.Thinking == nil || req.Thinking.Type != "enabled" || req.Thinking.BudgetTokens != 15000 {
		t.Errorf("thinking = %+v", req.Thinking)
	}
}

func TestBuild_CacheMarkers(t *testing.T) {
	schema := json.RawMessage(`{"type":"object"}`)
	req, err := Build(BuildInput{
		Model:  "claude-sonnet-4-20250514",
		System: []string{"first rule", "second rule"},
		History: []models.Message{
			userMsg("one"), assistantMsg("a"), userMsg("two"), assistantMsg("b"), userMsg("three"),
		},
		Tools: []models.ToolDefinition{
			{Name: "clock", InputSchema: schema},
			{Name: "echo", InputSchema: schema},
		},
		Cache: allCache(),
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if req.Tools[0].CacheControl != nil || req.Tools[1].CacheControl == nil {
		t.Error("only the last tool should carry a cache marker")
	}
	if req.System[0].CacheControl != nil || req.System[1].CacheControl == nil {
		t.Error("only the last system segment should carry a cache marker")
	}

	// Last two user messages carry markers on their first text block.
	markedUsers := 0
	for _, m := range req.Messages {
		for _, b := range m.Content {
			if b.CacheControl != nil {
				if m.Role != "user" {
					t.Errorf("cache marker on %s message", m.Role)
				}
				markedUsers++
			}
		}
	}
	if markedUsers != 2 {
		t.Errorf("marked user blocks = %d, want 2", markedUsers)
	}
	if req.Messages[2].Content[0].CacheControl == nil || req.Messages[4].Content[0].CacheControl == nil {
		t.Error("markers must sit on the last two user messages")
	}
	if req.Messages[0].Content[0].CacheControl != nil {
		t.Error("older user message must not be marked")
	}
}

func TestBuild_CacheDisabled(t *testing.T) {
	req, err := Build(BuildInput{
		Model:   "m",
		System:  []string{"rule"},
		History: []models.Message{userMsg("hi")},
		Tools:   []models.ToolDefinition{{Name: "clock", InputSchema: json.RawMessage(`{}`)}},
		Cache:   CacheOptions{UseCache: false, CacheTools: true, CacheSystem: true, CacheMessages: true},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if req.Tools[0].CacheControl != nil || req.System[0].CacheControl != nil ||
		req.Messages[0].Content[0].CacheControl != nil {
		t.Error("use_cache=false must suppress all markers")
	}
}

func TestBuild_DoesNotMutateHistory(t *testing.T) {
	history := []models.Message{userMsg("hi")}
	history[0].Blocks[0].Cache = nil

	_, err := Build(BuildInput{Model: "m", History: history, Cache: allCache()})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if history[0].Blocks[0].Cache != nil {
		t.Error("builder mutated the history snapshot")
	}
}

func TestBuild_ToolResultCacheEligible(t *testing.T) {
	history := []models.Message{
		userMsg("run it"),
		{Role: models.RoleAssistant, Blocks: []models.ContentBlock{
			models.TextBlock("on it"),
			models.ToolUseBlock("t1", "clock", json.RawMessage(`{}`)),
		}},
		{Role: models.RoleUser, Blocks: []models.ContentBlock{
			models.ToolResultBlock("t1", "12:00", false),
		}},
	}
	req, err := Build(BuildInput{Model: "m", History: history, Cache: allCache()})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Content[0].Type != "tool_result" || last.Content[0].CacheControl == nil {
		t.Errorf("tool_result block should carry the marker: %+v", last.Content[0])
	}
}
