package tools

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// DeniedPayload is the tool_result body returned to the model when the gate
// rejects a call. The wording instructs the model to stop rather than retry.
func DeniedPayload(name string) string {
	payload := struct {
		Error   string `json:"error"`
		Status  string `json:"status"`
		Message string `json:"message"`
	}{
		Error:   "Tool '" + name + "' is not allowed in the current context. Review the chain of thought, rules, and guidelines.",
		Status:  "error",
		Message: "Stop, inform the user of the error. Do NOT proceed!",
	}
	out, _ := json.MarshalIndent(payload, "", "  ")
	return string(out)
}

// Gate enforces which tool may run, based on who started the current tool
// chain. With no chain active, only tools flagged MayInitiate run; once a
// chain is active, the initiator's allow-list (plus self-recursion) decides.
// A user message resets the chain.
type Gate struct {
	mu        sync.Mutex
	registry  *Registry
	initiator string
	logger    *slog.Logger
}

// NewGate creates a gate over the registry. logger may be nil.
func NewGate(registry *Registry, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{registry: registry, logger: logger}
}

// Allowed reports whether name may run right now. Unknown tools are always
// denied.
func (g *Gate) Allowed(name string) bool {
	tool, ok := g.registry.Get(name)
	if !ok {
		g.logger.Warn("denied unknown tool", "tool", name)
		return false
	}

	g.mu.Lock()
	initiator := g.initiator
	g.mu.Unlock()

	if initiator == "" {
		if !tool.MayInitiate {
			g.logger.Warn("tool may not initiate a chain", "tool", name)
		}
		return tool.MayInitiate
	}
	if name == initiator {
		return true
	}
	head, ok := g.registry.Get(initiator)
	if !ok {
		return false
	}
	for _, allowed := range head.Allowed {
		if allowed == name {
			return true
		}
	}
	g.logger.Warn("tool not in initiator allow-list",
		"tool", name, "initiator", initiator)
	return false
}

// StartChain records name as the chain initiator if no chain is active.
func (g *Gate) StartChain(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.initiator == "" {
		g.initiator = name
	}
}

// Reset clears the active chain. Called when the user speaks.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.initiator = ""
}

// Initiator returns the active chain initiator, or empty when no chain is
// active.
func (g *Gate) Initiator() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.initiator
}
