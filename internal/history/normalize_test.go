package history

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/parleyhq/parley/pkg/models"
)

func user(text string) models.Message      { return models.NewTextMessage(models.RoleUser, text) }
func assistant(text string) models.Message { return models.NewTextMessage(models.RoleAssistant, text) }

// persistedPlaceholder mimics a placeholder written by an earlier version:
// sentinel text, no Synthetic flag.
func persistedPlaceholder(role models.Role) models.Message {
	if role == models.RoleUser {
		return models.NewTextMessage(role, models.PlaceholderUserText)
	}
	return models.NewTextMessage(role, models.PlaceholderAssistant)
}

func assistantToolUse(text, id, name string) models.Message {
	return models.Message{Role: models.RoleAssistant, Blocks: []models.ContentBlock{
		models.TextBlock(text),
		models.ToolUseBlock(id, name, json.RawMessage(`{}`)),
	}}
}

func roles(msgs []models.Message) []models.Role {
	var out []models.Role
	for _, m := range msgs {
		out = append(out, m.Role)
	}
	return out
}

func assertWellFormed(t *testing.T, msgs []models.Message) {
	t.Helper()
	if len(msgs) == 0 {
		t.Fatal("empty result")
	}
	if msgs[0].Role != models.RoleUser {
		t.Errorf("first role = %s, want user", msgs[0].Role)
	}
	if msgs[len(msgs)-1].Role != models.RoleAssistant {
		t.Errorf("last role = %s, want assistant", msgs[len(msgs)-1].Role)
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Role == msgs[i-1].Role {
			t.Errorf("messages %d and %d share role %s", i-1, i, msgs[i].Role)
		}
	}
}

func TestNormalize_Empty(t *testing.T) {
	if got := Normalize(nil, nil); len(got) != 0 {
		t.Errorf("got %d messages, want 0", len(got))
	}
}

func TestNormalize_ValidUnchanged(t *testing.T) {
	in := []models.Message{user("hi"), assistant("hello"), user("more"), assistant("sure")}
	got := Normalize(in, nil)
	if !reflect.DeepEqual(got, in) {
		t.Errorf("valid history changed:\n got %+v\nwant %+v", got, in)
	}
}

func TestNormalize_Bookends(t *testing.T) {
	got := Normalize([]models.Message{assistant("orphan answer"), user("question")}, nil)
	assertWellFormed(t, got)
	if !got[0].IsPlaceholder() {
		t.Error("expected user placeholder first")
	}
	if !got[len(got)-1].IsPlaceholder() {
		t.Error("expected assistant placeholder last")
	}
}

func TestNormalize_InsertsBetweenSameRole(t *testing.T) {
	got := Normalize([]models.Message{user("one"), user("two")}, nil)
	assertWellFormed(t, got)
	want := []models.Role{models.RoleUser, models.RoleAssistant, models.RoleUser, models.RoleAssistant}
	if !reflect.DeepEqual(roles(got), want) {
		t.Fatalf("roles = %v, want %v", roles(got), want)
	}
	if !got[1].IsPlaceholder() {
		t.Error("inserted message should be a placeholder")
	}
}

func TestNormalize_ToolResultPlaceholderBetweenAssistants(t *testing.T) {
	got := Normalize([]models.Message{
		user("run the clock"),
		assistantToolUse("calling", "toolu_9", "clock"),
		assistant("done"),
	}, nil)
	assertWellFormed(t, got)
	// The gap between the two assistant turns is filled with a tool_result
	// answering toolu_9.
	filler := got[2]
	if filler.Role != models.RoleUser || !filler.IsPlaceholder() {
		t.Fatalf("filler = %+v", filler)
	}
	ids := filler.ToolResultIDs()
	if len(ids) != 1 || ids[0] != "toolu_9" {
		t.Errorf("filler tool_result ids = %v, want [toolu_9]", ids)
	}
	// First block of a tool_result message stays text.
	if filler.Blocks[0].Kind != models.BlockText {
		t.Errorf("first filler block = %s, want text", filler.Blocks[0].Kind)
	}
}

func TestNormalize_TrailingToolUse(t *testing.T) {
	got := Normalize([]models.Message{
		user("run it"),
		assistantToolUse("on it", "toolu_1", "clock"),
	}, nil)
	assertWellFormed(t, got)
	if len(got) != 4 {
		t.Fatalf("len = %d, want 4: %v", len(got), roles(got))
	}
	if ids := got[2].ToolResultIDs(); len(ids) != 1 || ids[0] != "toolu_1" {
		t.Errorf("trailing tool_use unanswered: %v", ids)
	}
}

func TestNormalize_DropsEmptyMessages(t *testing.T) {
	got := Normalize([]models.Message{
		user("hi"),
		models.NewTextMessage(models.RoleAssistant, "   "),
		assistant("hello"),
	}, nil)
	assertWellFormed(t, got)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2: %v", len(got), roles(got))
	}
}

func TestNormalize_DedupesTextWithinMessage(t *testing.T) {
	in := []models.Message{
		{Role: models.RoleUser, Blocks: []models.ContentBlock{
			models.TextBlock("same"), models.TextBlock("same"), models.TextBlock("other"),
		}},
		assistant("ok"),
	}
	got := Normalize(in, nil)
	if len(got[0].Blocks) != 2 {
		t.Errorf("blocks = %d, want 2 after dedupe", len(got[0].Blocks))
	}
}

func TestNormalize_CollapsesRepeatAroundPersistedPlaceholder(t *testing.T) {
	dup := user("repeated question")
	got := Normalize([]models.Message{
		dup, persistedPlaceholder(models.RoleAssistant), dup, assistant("answer"),
	}, nil)
	assertWellFormed(t, got)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2: %v", len(got), roles(got))
	}
	if got[0].FirstText() != "repeated question" {
		t.Errorf("kept = %q", got[0].FirstText())
	}
}

func TestNormalize_RemovesSandwichedReal(t *testing.T) {
	got := Normalize([]models.Message{
		user("intro"),
		persistedPlaceholder(models.RoleAssistant),
		user("wedged"),
		persistedPlaceholder(models.RoleAssistant),
		user("tail"),
	}, nil)
	assertWellFormed(t, got)
	for _, m := range got {
		if m.FirstText() == "wedged" {
			t.Error("sandwiched message survived")
		}
	}
}

func TestNormalize_DropsOrphanToolResult(t *testing.T) {
	got := Normalize([]models.Message{
		user("hi"),
		assistant("hello"),
		{Role: models.RoleUser, Blocks: []models.ContentBlock{
			models.TextBlock("result incoming"),
			models.ToolResultBlock("toolu_unknown", "output", false),
		}},
		assistant("ok"),
	}, nil)
	assertWellFormed(t, got)
	for _, m := range got {
		for _, id := range m.ToolResultIDs() {
			if id == "toolu_unknown" {
				t.Error("orphan tool_result survived")
			}
		}
	}
}

func TestNormalize_AnswersUnpairedToolUse(t *testing.T) {
	got := Normalize([]models.Message{
		user("run it"),
		assistantToolUse("calling", "toolu_5", "clock"),
		user("plain follow-up without the result"),
		assistant("ok"),
	}, nil)
	assertWellFormed(t, got)
	// The user message after the tool_use now answers it.
	var found bool
	for i, m := range got {
		if i > 0 && got[i-1].HasToolUse() {
			for _, id := range m.ToolResultIDs() {
				if id == "toolu_5" {
					found = true
				}
			}
		}
	}
	if !found {
		t.Error("tool_use toolu_5 left unanswered")
	}
}

func TestNormalize_SalvageKeepsAlternatingTail(t *testing.T) {
	// A system-role entry cannot be repaired by insertion; verification
	// salvages around it.
	got := Normalize([]models.Message{
		models.NewTextMessage(models.RoleSystem, "legacy system entry"),
		user("hi"),
		assistant("hello"),
	}, nil)
	assertWellFormed(t, got)
	for _, m := range got {
		if m.Role == models.RoleSystem {
			t.Error("system entry survived")
		}
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	inputs := map[string][]models.Message{
		"duplicates": {
			user("a"), user("a"), assistant("b"), assistant("b"),
		},
		"tool flow": {
			user("run"), assistantToolUse("calling", "t1", "clock"),
			assistant("after"), user("thanks"),
		},
		"persisted placeholders": {
			persistedPlaceholder(models.RoleUser),
			assistant("real"),
			persistedPlaceholder(models.RoleUser),
			persistedPlaceholder(models.RoleAssistant),
			user("tail"),
		},
		"trailing tool use": {
			user("go"), assistantToolUse("on it", "t2", "echo"),
		},
	}
	for name, in := range inputs {
		t.Run(name, func(t *testing.T) {
			once := Normalize(in, nil)
			twice := Normalize(once, nil)
			if !reflect.DeepEqual(once, twice) {
				t.Errorf("not idempotent:\n once: %+v\ntwice: %+v", once, twice)
			}
			if len(once) > 0 {
				assertWellFormed(t, once)
			}
		})
	}
}
