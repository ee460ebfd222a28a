package pairing

import (
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/parleyhq/parley/pkg/models"
)

func useMsg(id, name string) models.Message {
	return models.Message{Role: models.RoleAssistant, Blocks: []models.ContentBlock{
		models.ToolUseBlock(id, name, nil),
	}}
}

func resultMsg(id, body string) models.Message {
	return models.Message{Role: models.RoleUser, Blocks: []models.ContentBlock{
		models.TextBlock("tool finished"),
		models.ToolResultBlock(id, body, false),
	}}
}

// fakeClock steps time manually.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBuffer(timeout time.Duration) (*Buffer, *fakeClock) {
	b := New(timeout, nil, nil)
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b.now = clock.Now
	return b, clock
}

func TestBuffer_ReadyOnResultArrival(t *testing.T) {
	b, _ := newTestBuffer(time.Minute)
	var got []Pair
	b.SetReadyFunc(func(p Pair) { got = append(got, p) })

	b.BufferUse("t1", "clock", useMsg("t1", "clock"))
	if len(got) != 0 {
		t.Fatal("pair ready before result arrived")
	}
	b.BufferResult("t1", resultMsg("t1", "12:00"))
	if len(got) != 1 {
		t.Fatalf("ready pairs = %d, want 1", len(got))
	}
	if got[0].ID != "t1" || got[0].Name != "clock" {
		t.Errorf("pair = %+v", got[0])
	}
	if b.PendingUses() != 0 {
		t.Errorf("pending uses = %d, want 0", b.PendingUses())
	}
}

func TestBuffer_ResultBeforeUse(t *testing.T) {
	b, _ := newTestBuffer(time.Minute)
	var got []Pair
	b.SetReadyFunc(func(p Pair) { got = append(got, p) })

	b.BufferResult("t1", resultMsg("t1", "early"))
	if len(got) != 0 {
		t.Fatal("pair ready before use arrived")
	}
	b.BufferUse("t1", "clock", useMsg("t1", "clock"))
	if len(got) != 1 {
		t.Fatalf("ready pairs = %d, want 1", len(got))
	}
}

func TestBuffer_FlushMatchedInEnqueueOrder(t *testing.T) {
	b, clock := newTestBuffer(time.Hour)

	b.BufferUse("t2", "sleep_echo", useMsg("t2", "sleep_echo"))
	clock.Advance(time.Second)
	b.BufferUse("t1", "clock", useMsg("t1", "clock"))
	b.BufferResult("t1", resultMsg("t1", "12:00"))
	b.BufferResult("t2", resultMsg("t2", "echo"))

	pairs, expired := b.Flush()
	if len(expired) != 0 {
		t.Fatalf("expired = %d, want 0", len(expired))
	}
	var ids []string
	for _, p := range pairs {
		ids = append(ids, p.ID)
	}
	// t2 was enqueued first.
	if !reflect.DeepEqual(ids, []string{"t2", "t1"}) {
		t.Errorf("flush order = %v, want [t2 t1]", ids)
	}
}

func TestBuffer_ExpiryDropsUseOnly(t *testing.T) {
	b, clock := newTestBuffer(time.Minute)

	b.BufferUse("t1", "clock", useMsg("t1", "clock"))
	b.BufferResult("orphan", resultMsg("orphan", "still waiting"))
	clock.Advance(2 * time.Minute)

	pairs, expired := b.Flush()
	if len(pairs) != 0 {
		t.Fatalf("pairs = %d, want 0", len(pairs))
	}
	if len(expired) != 1 || expired[0].ID != "t1" {
		t.Fatalf("expired = %+v", expired)
	}

	// Results never expire: the orphan result still matches a late use.
	b.BufferUse("orphan", "clock", useMsg("orphan", "clock"))
	pairs, _ = b.Flush()
	if len(pairs) != 1 || pairs[0].ID != "orphan" {
		t.Errorf("late pair = %+v", pairs)
	}
}

func TestBuffer_PendingToolNames(t *testing.T) {
	b, _ := newTestBuffer(time.Minute)
	b.BufferUse("t1", "sleep_echo", useMsg("t1", "sleep_echo"))
	b.BufferUse("t2", "clock", useMsg("t2", "clock"))
	b.BufferUse("t3", "clock", useMsg("t3", "clock"))

	if got := b.PendingToolNames(); !reflect.DeepEqual(got, []string{"clock", "sleep_echo"}) {
		t.Errorf("names = %v", got)
	}
	b.BufferResult("t2", resultMsg("t2", "x"))
	b.BufferResult("t3", resultMsg("t3", "y"))
	if _, _ = b.Flush(); b.PendingUses() != 1 {
		t.Errorf("pending uses = %d, want 1", b.PendingUses())
	}
	if got := b.PendingToolNames(); !reflect.DeepEqual(got, []string{"sleep_echo"}) {
		t.Errorf("names after flush = %v", got)
	}
}

func TestBuffer_FlushWithoutReadyFunc(t *testing.T) {
	// Without a callback, matches stay buffered until Flush collects them.
	b, _ := newTestBuffer(time.Minute)
	b.BufferUse("t1", "clock", useMsg("t1", "clock"))
	b.BufferResult("t1", resultMsg("t1", "12:00"))

	pairs, expired := b.Flush()
	if len(pairs) != 1 || len(expired) != 0 {
		t.Fatalf("pairs=%d expired=%d, want 1/0", len(pairs), len(expired))
	}
	if pairs[0].Result.ToolResultIDs()[0] != "t1" {
		t.Errorf("pair result = %+v", pairs[0].Result)
	}
}
