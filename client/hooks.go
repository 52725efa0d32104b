package client

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// HookContext describes one statement on its way to the connection.
// Before hooks may rewrite Command and Params; After hooks see the outcome.
type HookContext struct {
	Command     string
	CommandType string // query, mutation, transaction, schema or unknown
	Params      []interface{}

	TransactionID string
	Depth         int
	TraceID       string
	StartTime     time.Time

	// Metadata carries values from a hook's Before to its After.
	Metadata map[string]interface{}

	// Set once the statement has run.
	Result   *Result
	Error    error
	Duration time.Duration
}

// Hook observes or vetoes statements. Hooks run in registration order.
type Hook interface {
	Name() string

	// Before runs ahead of the statement. An error aborts the statement,
	// is returned to the caller, and skips every After hook.
	Before(ctx context.Context, hookCtx *HookContext) error

	// After runs once the statement finished, successfully or not. An
	// error replaces the statement's outcome.
	After(ctx context.Context, hookCtx *HookContext) error
}

// hookChain is the hook list shared by a client and every transaction it
// creates. Registration copies the list, so a statement in flight keeps
// running over the hooks it started with.
type hookChain struct {
	mu     sync.Mutex // serializes writers
	hooks  atomic.Pointer[[]Hook]
	logger Logger
}

func newHookChain(logger Logger, hooks []Hook) *hookChain {
	hc := &hookChain{logger: logger}
	hc.hooks.Store(&[]Hook{})
	for _, h := range hooks {
		hc.register(h)
	}
	return hc
}

func (hc *hookChain) snapshot() []Hook {
	return *hc.hooks.Load()
}

// register appends hook, or swaps it in at the position of a hook with
// the same name.
func (hc *hookChain) register(hook Hook) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	current := hc.snapshot()
	next := make([]Hook, len(current), len(current)+1)
	copy(next, current)

	if i := slices.IndexFunc(next, func(h Hook) bool { return h.Name() == hook.Name() }); i >= 0 {
		next[i] = hook
		hc.hooks.Store(&next)
		hc.logger.Info("hook replaced", String("hook", hook.Name()), Int("position", i))
		return
	}

	next = append(next, hook)
	hc.hooks.Store(&next)
	hc.logger.Info("hook registered", String("hook", hook.Name()), Int("position", len(next)-1))
}

func (hc *hookChain) unregister(name string) bool {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	current := hc.snapshot()
	i := slices.IndexFunc(current, func(h Hook) bool { return h.Name() == name })
	if i < 0 {
		return false
	}
	next := slices.Delete(slices.Clone(current), i, i+1)
	hc.hooks.Store(&next)
	hc.logger.Info("hook unregistered", String("hook", name))
	return true
}

func (hc *hookChain) names() []string {
	hooks := hc.snapshot()
	names := make([]string, len(hooks))
	for i, h := range hooks {
		names[i] = h.Name()
	}
	return names
}

// before stops at the first failing hook.
func (hc *hookChain) before(ctx context.Context, hookCtx *HookContext) error {
	for _, hook := range hc.snapshot() {
		if err := hook.Before(ctx, hookCtx); err != nil {
			hc.logger.Debug("hook aborted statement",
				String("hook", hook.Name()),
				String("statement", hookCtx.Command),
				Error("error", err))
			return err
		}
	}
	return nil
}

// after runs every hook and returns the last error.
func (hc *hookChain) after(ctx context.Context, hookCtx *HookContext) error {
	var lastErr error
	for _, hook := range hc.snapshot() {
		if err := hook.After(ctx, hookCtx); err != nil {
			hc.logger.Debug("after hook failed",
				String("hook", hook.Name()),
				String("statement", hookCtx.Command),
				Error("error", err))
			lastErr = err
		}
	}
	return lastErr
}

// RegisterHook appends hook to the chain run around every statement. A
// hook with the same name is replaced in place.
func (c *Client) RegisterHook(hook Hook) {
	c.hooks.register(hook)
}

// UnregisterHook removes the hook called name and reports whether it existed.
func (c *Client) UnregisterHook(name string) bool {
	return c.hooks.unregister(name)
}

// GetHooks lists hook names in execution order.
func (c *Client) GetHooks() []string {
	return c.hooks.names()
}
