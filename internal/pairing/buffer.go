// Package pairing buffers tool_use messages until their tool_result arrives,
// so slow tools never block the conversation. Uses expire after a timeout;
// results wait indefinitely for their use.
package pairing

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/pkg/models"
)

// DefaultTimeout is how long a buffered tool_use waits for its result.
const DefaultTimeout = 5 * time.Minute

// Pair is a matched tool_use/tool_result couple, ready to be committed to
// history in order.
type Pair struct {
	ID         string
	Name       string
	Use        models.Message
	Result     models.Message
	EnqueuedAt time.Time
}

// Expired is a buffered tool_use whose result never arrived in time.
type Expired struct {
	ID         string
	Name       string
	Use        models.Message
	EnqueuedAt time.Time
}

// ReadyFunc is invoked outside the buffer lock whenever a use meets its
// result.
type ReadyFunc func(Pair)

type pendingUse struct {
	name       string
	msg        models.Message
	enqueuedAt time.Time
}

// Buffer holds unmatched tool_use and tool_result messages keyed by tool-use
// id. All state sits behind one mutex; the ready callback fires after the
// lock is released.
type Buffer struct {
	mu      sync.Mutex
	uses    map[string]pendingUse
	results map[string]models.Message

	timeout time.Duration
	now     func() time.Time
	onReady ReadyFunc

	logger  *slog.Logger
	metrics *observability.Metrics
}

// New creates an empty buffer. A non-positive timeout falls back to
// DefaultTimeout; logger and metrics may be nil.
func New(timeout time.Duration, logger *slog.Logger, metrics *observability.Metrics) *Buffer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Buffer{
		uses:    make(map[string]pendingUse),
		results: make(map[string]models.Message),
		timeout: timeout,
		now:     time.Now,
		logger:  logger,
		metrics: metrics,
	}
}

// SetReadyFunc installs the match callback. Must be set before concurrent
// use.
func (b *Buffer) SetReadyFunc(fn ReadyFunc) {
	b.onReady = fn
}

// BufferUse stores the assistant message carrying the tool_use identified by
// id. If the result is already waiting, the pair becomes ready immediately.
func (b *Buffer) BufferUse(id, name string, msg models.Message) {
	b.mu.Lock()
	now := b.now()
	if result, ok := b.results[id]; ok && b.onReady != nil {
		delete(b.results, id)
		pair := Pair{ID: id, Name: name, Use: msg, Result: result, EnqueuedAt: now}
		b.mu.Unlock()
		b.ready(pair)
		return
	}
	b.uses[id] = pendingUse{name: name, msg: msg, enqueuedAt: now}
	b.mu.Unlock()
	b.logger.Debug("buffered tool use", "tool", name, "tool_use_id", id)
}

// BufferResult stores the tool_result message for id. If the matching use is
// buffered, the pair becomes ready immediately; otherwise the result waits
// without expiry.
func (b *Buffer) BufferResult(id string, msg models.Message) {
	b.mu.Lock()
	if use, ok := b.uses[id]; ok && b.onReady != nil {
		delete(b.uses, id)
		pair := Pair{ID: id, Name: use.name, Use: use.msg, Result: msg, EnqueuedAt: use.enqueuedAt}
		b.mu.Unlock()
		b.ready(pair)
		return
	}
	b.results[id] = msg
	b.mu.Unlock()
	b.logger.Debug("buffered tool result", "tool_use_id", id)
}

// Flush removes and returns every matched pair in ascending enqueue order,
// plus the uses that exceeded the timeout. Unmatched, unexpired uses and all
// unmatched results stay buffered.
func (b *Buffer) Flush() ([]Pair, []Expired) {
	b.mu.Lock()
	now := b.now()

	var pairs []Pair
	var expired []Expired
	for id, use := range b.uses {
		if result, ok := b.results[id]; ok {
			pairs = append(pairs, Pair{
				ID: id, Name: use.name,
				Use: use.msg, Result: result,
				EnqueuedAt: use.enqueuedAt,
			})
			delete(b.uses, id)
			delete(b.results, id)
			continue
		}
		if now.Sub(use.enqueuedAt) >= b.timeout {
			expired = append(expired, Expired{
				ID: id, Name: use.name,
				Use: use.msg, EnqueuedAt: use.enqueuedAt,
			})
			delete(b.uses, id)
		}
	}
	b.mu.Unlock()

	sort.Slice(pairs, func(i, j int) bool { return pairs[i].EnqueuedAt.Before(pairs[j].EnqueuedAt) })
	sort.Slice(expired, func(i, j int) bool { return expired[i].EnqueuedAt.Before(expired[j].EnqueuedAt) })

	for _, p := range pairs {
		if b.metrics != nil {
			b.metrics.PairsMatched.Inc()
		}
		b.logger.Debug("flushed tool pair", "tool", p.Name, "tool_use_id", p.ID)
	}
	for _, e := range expired {
		if b.metrics != nil {
			b.metrics.PairsExpired.Inc()
		}
		b.logger.Warn("tool use expired without result",
			"tool", e.Name, "tool_use_id", e.ID, "waited", now.Sub(e.EnqueuedAt))
	}
	return pairs, expired
}

// PendingToolNames returns the names of tools with a buffered, unanswered
// use, sorted for stable output.
func (b *Buffer) PendingToolNames() []string {
	b.mu.Lock()
	seen := make(map[string]bool)
	var names []string
	for _, use := range b.uses {
		if !seen[use.name] {
			seen[use.name] = true
			names = append(names, use.name)
		}
	}
	b.mu.Unlock()
	sort.Strings(names)
	return names
}

// PendingUses returns how many uses are waiting for a result.
func (b *Buffer) PendingUses() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.uses)
}

func (b *Buffer) ready(p Pair) {
	if b.metrics != nil {
		b.metrics.PairsMatched.Inc()
	}
	if b.onReady != nil {
		b.onReady(p)
	}
}
