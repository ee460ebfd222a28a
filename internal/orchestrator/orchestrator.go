// Package orchestrator drives the conversation: it persists messages, builds
// and streams model requests, routes tool calls through the permission gate,
// and folds asynchronous tool results back into the dialogue without ever
// blocking the user.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/anthropic"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/history"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/pairing"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/timer"
	"github.com/parleyhq/parley/internal/tools"
	"github.com/parleyhq/parley/pkg/models"
)

// ErrBusy is returned when a send arrives while another request is in flight.
var ErrBusy = errors.New("a request is already in flight")

const (
	// KeepAlivePing is the exact body sent to refresh the server-side
	// prompt cache.
	KeepAlivePing = "This is a 'ping' to reset cache ttl, respond with 'ping ack'"

	// keepAliveMarker identifies keep-alive traffic in either direction;
	// messages containing it never reach the store.
	keepAliveMarker = "This is a 'ping'"

	// ToolCalledText stands in for assistant turns that carry a tool_use
	// but no text of their own.
	ToolCalledText = "[Tool called]"

	// ToolResultText leads every tool_result message so a tool_result is
	// never the first block.
	ToolResultText = "[Tool result]"
)

// request kinds for metrics.
const (
	kindUser       = "user"
	kindToolResult = "tool_result"
	kindKeepAlive  = "keep_alive"
)

// Streamer issues one streaming request. *anthropic.Client implements it.
type Streamer interface {
	Stream(ctx context.Context, req *anthropic.Request) (<-chan anthropic.Event, error)
}

// Options wires the orchestrator's collaborators.
type Options struct {
	Config   *config.Config
	Client   Streamer
	Store    *store.Store
	Bus      *events.Bus
	Registry *tools.Registry
	System   []string
	Logger   *slog.Logger
	Metrics  *observability.Metrics
}

// Orchestrator owns the conversation state. One request is in flight at a
// time; tool results arriving while the user types are buffered and delivered
// in order once their tool_use is matched.
type Orchestrator struct {
	cfg      *config.Config
	client   Streamer
	store    *store.Store
	bus      *events.Bus
	registry *tools.Registry
	gate     *tools.Gate
	buffer   *pairing.Buffer
	asm      *anthropic.Assembler
	keep     *timer.Timer
	system   []string
	logger   *slog.Logger
	metrics  *observability.Metrics

	// sendMu serializes request cycles. User sends fail fast with ErrBusy;
	// tool-result deliveries wait their turn.
	sendMu sync.Mutex

	histMu  sync.Mutex
	history []models.Message

	cancelMu sync.Mutex
	cancel   context.CancelFunc

	pairCh    chan pairing.Pair
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates an orchestrator. Config, Client, Store, and Registry are
// required.
func New(opts Options) (*Orchestrator, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.Client == nil {
		return nil, errors.New("client is required")
	}
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("tool registry is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	o := &Orchestrator{
		cfg:      opts.Config,
		client:   opts.Client,
		store:    opts.Store,
		bus:      opts.Bus,
		registry: opts.Registry,
		gate:     tools.NewGate(opts.Registry, logger),
		buffer:   pairing.New(opts.Config.PairTimeout(), logger, opts.Metrics),
		asm:      anthropic.NewAssembler(opts.Bus, logger, opts.Metrics),
		system:   opts.System,
		logger:   logger,
		metrics:  opts.Metrics,
		pairCh:   make(chan pairing.Pair, 64),
		closed:   make(chan struct{}),
	}
	o.buffer.SetReadyFunc(func(p pairing.Pair) {
		// After Close nobody drains pairCh; shutdown drops the pair.
		select {
		case o.pairCh <- p:
		case <-o.closed:
		}
	})
	o.keep = timer.New(o.onTimerEvent)

	o.wg.Add(1)
	go o.pairWorker()
	return o, nil
}

// Close stops background work. In-flight requests are cancelled. Safe to
// call more than once.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		o.RequestStop()
		close(o.closed)
		o.keep.Dispose()
		o.wg.Wait()
	})
}

// LoadHistory reads persisted messages, normalizes them, and makes them the
// working transcript.
func (o *Orchestrator) LoadHistory(ctx context.Context) ([]models.Message, error) {
	msgs, err := o.store.Recent(ctx, store.LoadOptions{
		MaxCount:      o.cfg.History.MaxCount,
		TruncateChars: o.cfg.History.TruncateChars,
		IncludeTools:  o.cfg.History.IncludeTools,
	})
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	normalized := history.Normalize(msgs, o.logger)

	o.histMu.Lock()
	o.history = normalized
	o.histMu.Unlock()
	return o.snapshot(), nil
}

// History returns a copy of the working transcript.
func (o *Orchestrator) History() []models.Message {
	return o.snapshot()
}

// SendUser submits a user message and streams the reply. It fails fast with
// ErrBusy while another request is in flight. A user message resets the tool
// chain; buffered tool pairs that completed in the meantime are committed
// first, and still-running tools are announced in a notice prefix.
func (o *Orchestrator) SendUser(ctx context.Context, text string) error {
	if !o.sendMu.TryLock() {
		return ErrBusy
	}
	defer o.sendMu.Unlock()

	o.gate.Reset()
	o.scheduleKeepAlive()

	pairs, expired := o.buffer.Flush()
	for _, p := range pairs {
		o.commit(p.Use)
		o.commit(p.Result)
	}
	for _, e := range expired {
		o.publish(models.StreamWarning,
			fmt.Sprintf("tool '%s' timed out without a result", e.Name), e.ID)
	}

	if names := o.buffer.PendingToolNames(); len(names) > 0 {
		text = pendingNotice(names) + text
	}

	o.commit(models.NewTextMessage(models.RoleUser, text))
	return o.cycle(ctx, kindUser, nil)
}

// pendingNotice formats the still-processing prefix for a user message. The
// names render as one quoted comma-separated list.
func pendingNotice(names []string) string {
	return fmt.Sprintf("[NOTE: Tool(s) '%s' are still processing.]\n\n",
		strings.Join(names, ", "))
}

// SendKeepAlive sends the cache-refresh ping. Neither the ping nor its
// response is persisted. Returns ErrBusy while a real request is in flight.
func (o *Orchestrator) SendKeepAlive(ctx context.Context) error {
	if !o.sendMu.TryLock() {
		return ErrBusy
	}
	defer o.sendMu.Unlock()

	ping := models.NewTextMessage(models.RoleUser, KeepAlivePing)
	return o.cycle(ctx, kindKeepAlive, &ping)
}

// IngestToolResult delivers a tool's output. The result waits in the pairing
// buffer until its tool_use is known, then both are committed in order and a
// follow-up request is sent.
func (o *Orchestrator) IngestToolResult(id, output string, isError bool) {
	msg := models.Message{
		Role: models.RoleUser,
		Blocks: []models.ContentBlock{
			models.TextBlock(ToolResultText),
			models.ToolResultBlock(id, output, isError),
		},
	}
	o.buffer.BufferResult(id, msg)
}

// RequestStop cancels the in-flight request, if any. The partial turn is
// kept.
func (o *Orchestrator) RequestStop() {
	o.cancelMu.Lock()
	cancel := o.cancel
	o.cancelMu.Unlock()
	if cancel != nil {
		o.publish(models.StreamStopRequested, "", "")
		cancel()
	}
}

// PendingTools returns the names of tools still running.
func (o *Orchestrator) PendingTools() []string {
	return o.buffer.PendingToolNames()
}

// cycle runs one full request: snapshot, build, stream, assemble, commit.
// transient, when set, rides along in the request without being persisted.
func (o *Orchestrator) cycle(ctx context.Context, kind string, transient *models.Message) error {
	snapshot := o.snapshot()
	if transient != nil {
		snapshot = append(snapshot, *transient)
	}
	snapshot = history.Normalize(snapshot, o.logger)

	var defs []models.ToolDefinition
	if o.cfg.Tools.Enabled {
		defs = o.registry.Definitions()
	}
	req, err := anthropic.Build(anthropic.BuildInput{
		Model:       o.cfg.API.Model,
		System:      o.system,
		History:     snapshot,
		Tools:       defs,
		UseThinking: o.cfg.API.UseThinking,
		Cache: anthropic.CacheOptions{
			UseCache:      o.cfg.API.UseCache,
			CacheTools:    o.cfg.API.CacheTools,
			CacheSystem:   o.cfg.API.CacheSystem,
			CacheMessages: o.cfg.API.CacheMessages,
		},
	})
	if err != nil {
		o.publish(models.StreamError, err.Error(), "")
		o.countRequest(kind, "error")
		return err
	}

	reqCtx, cancel := context.WithCancel(ctx)
	o.cancelMu.Lock()
	o.cancel = cancel
	o.cancelMu.Unlock()
	defer func() {
		o.cancelMu.Lock()
		o.cancel = nil
		o.cancelMu.Unlock()
		cancel()
	}()

	o.scheduleKeepAlive()
	o.publish(models.StreamStatus, "request started", kind)
	start := time.Now()

	stream, err := o.client.Stream(reqCtx, req)
	if err != nil {
		o.logger.Error("request failed", "kind", kind, "error", err)
		o.publish(models.StreamError, err.Error(), "")
		o.countRequest(kind, "error")
		return err
	}

	turn, streamErr := o.asm.Collect(reqCtx, stream)
	if o.metrics != nil {
		o.metrics.StreamDuration.WithLabelValues(o.cfg.API.Model).Observe(time.Since(start).Seconds())
	}

	switch {
	case streamErr != nil:
		o.countRequest(kind, "error")
	case turn.StopReason == models.StopCancelledByUser:
		o.countRequest(kind, "cancelled")
	default:
		o.countRequest(kind, "success")
	}

	if kind == kindKeepAlive {
		// Ping traffic never reaches the store in either direction.
		o.logger.Debug("keep-alive round trip complete", "stop_reason", turn.StopReason)
		o.finishInteraction()
		return streamErr
	}

	o.handleTurn(turn)
	o.finishInteraction()
	return streamErr
}

// handleTurn commits a completed turn. Text-only turns land in history
// directly. For turns with tool calls the spoken portion is committed right
// away, so a user message sent while tools run still has it in context; each
// tool_use is buffered separately until its result arrives and is dispatched
// through the permission gate.
func (o *Orchestrator) handleTurn(turn *models.Turn) {
	if len(turn.Blocks) == 0 {
		return
	}
	if !turn.Message().HasToolUse() {
		o.commit(turn.Message())
		return
	}

	spoken := make([]models.ContentBlock, 0, len(turn.Blocks))
	uses := make([]models.ContentBlock, 0, 1)
	for _, b := range turn.Blocks {
		if b.Kind == models.BlockToolUse {
			uses = append(uses, b)
		} else {
			spoken = append(spoken, b)
		}
	}
	// Thinking blocks stay first; the stand-in text slots in after them when
	// the model produced no text of its own.
	if !hasText(spoken) {
		spoken = append(spoken, models.TextBlock(ToolCalledText))
	}
	o.commit(models.Message{Role: models.RoleAssistant, Blocks: spoken})

	for _, b := range uses {
		useMsg := models.Message{Role: models.RoleAssistant, Blocks: []models.ContentBlock{
			models.TextBlock(ToolCalledText),
			b,
		}}
		o.buffer.BufferUse(b.ToolUseID, b.ToolName, useMsg)
		o.publish(models.StreamStatus, fmt.Sprintf("tool '%s' called", b.ToolName), b.ToolUseID)
		o.dispatch(b)
	}
}

// dispatch runs one tool call through the gate. Denials come back to the
// model immediately as an is_error result carrying the denial payload.
func (o *Orchestrator) dispatch(b models.ContentBlock) {
	name, id := b.ToolName, b.ToolUseID
	if !o.gate.Allowed(name) {
		o.publish(models.StreamWarning, fmt.Sprintf("tool '%s' denied", name), id)
		o.IngestToolResult(id, tools.DeniedPayload(name), true)
		return
	}
	o.gate.StartChain(name)

	input := b.Input
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.PairTimeout())
		defer cancel()
		out, isErr := o.registry.Dispatch(ctx, name, input)
		o.IngestToolResult(id, out, isErr)
	}()
}

// pairWorker serializes delivery of matched tool pairs: commit the buffered
// use, then the result, then stream the follow-up request.
func (o *Orchestrator) pairWorker() {
	defer o.wg.Done()
	for {
		select {
		case <-o.closed:
			return
		case p := <-o.pairCh:
			o.deliverPair(p)
		}
	}
}

func (o *Orchestrator) deliverPair(p pairing.Pair) {
	o.sendMu.Lock()
	defer o.sendMu.Unlock()

	o.commit(p.Use)
	o.commit(p.Result)
	if err := o.cycle(context.Background(), kindToolResult, nil); err != nil {
		o.logger.Error("tool-result follow-up failed", "tool", p.Name, "error", err)
	}
}

// commit appends a message to the working transcript and the store.
// Keep-alive traffic is dropped here no matter how it arrives.
func (o *Orchestrator) commit(msg models.Message) {
	if strings.Contains(msg.FirstText(), keepAliveMarker) {
		return
	}
	stored, err := o.store.Append(context.Background(), msg)
	if err != nil {
		o.logger.Error("failed to persist message", "role", msg.Role, "error", err)
		stored = msg
	}
	o.histMu.Lock()
	o.history = append(o.history, stored)
	o.histMu.Unlock()
}

func (o *Orchestrator) snapshot() []models.Message {
	o.histMu.Lock()
	defer o.histMu.Unlock()
	out := make([]models.Message, len(o.history))
	copy(out, o.history)
	return out
}

func (o *Orchestrator) finishInteraction() {
	o.publish(models.StreamInteractionComplete, "", "")
	o.scheduleKeepAlive()
}

// scheduleKeepAlive (re)arms the keep-alive timer. Every send, response, and
// completed interaction pushes the next ping out by one full interval.
func (o *Orchestrator) scheduleKeepAlive() {
	if !o.cfg.KeepAlive.Enabled {
		return
	}
	if o.keep.State() == timer.StateStopped {
		if err := o.keep.SetInterval(o.cfg.KeepAliveInterval(), true); err != nil {
			return
		}
		if err := o.keep.Start(); err != nil && !errors.Is(err, timer.ErrDisposed) {
			o.logger.Warn("failed to start keep-alive timer", "error", err)
		}
		return
	}
	_ = o.keep.Reset()
}

func (o *Orchestrator) onTimerEvent(ev timer.Event) {
	if ev.Type != timer.EventCompleted {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.SendKeepAlive(context.Background()); err != nil {
			if errors.Is(err, ErrBusy) {
				o.logger.Debug("keep-alive skipped, request in flight")
				return
			}
			o.logger.Warn("keep-alive failed", "error", err)
		}
	}()
}

func (o *Orchestrator) countRequest(kind, status string) {
	if o.metrics != nil {
		o.metrics.RequestCounter.WithLabelValues(kind, status).Inc()
	}
}

func (o *Orchestrator) publish(kind models.StreamEventKind, content, tag string) {
	if o.bus != nil {
		o.bus.Publish(kind, content, tag, nil)
	}
}

func hasText(blocks []models.ContentBlock) bool {
	for _, b := range blocks {
		if b.Kind == models.BlockText {
			return true
		}
	}
	return false
}
