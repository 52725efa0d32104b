package client

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cespare/xxhash"
)

// EnableDebugMode enables debug mode with statement logging and
// diagnostic query errors.
func (c *Client) EnableDebugMode() {
	c.debugMode.Store(true)
	c.logger.Info("debug mode enabled")
}

// DisableDebugMode disables debug mode.
func (c *Client) DisableDebugMode() {
	c.debugMode.Store(false)
	c.logger.Info("debug mode disabled")
}

// IsDebugMode returns whether debug mode is currently enabled.
func (c *Client) IsDebugMode() bool {
	return c.debugMode.Load()
}

// fingerprint identifies a statement shape across executions.
func fingerprint(text string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(text))
}

// logStatement logs a statement about to be sent in debug mode.
func (c *Client) logStatement(t *Transaction, hookCtx *HookContext) {
	t.logger.Debug("sending statement",
		String("command", hookCtx.Command),
		String("type", hookCtx.CommandType),
		Int("params", len(hookCtx.Params)),
		String("fingerprint", fingerprint(hookCtx.Command)),
		String("trace_id", hookCtx.TraceID),
		String("timestamp", hookCtx.StartTime.Format(time.RFC3339Nano)))
}

// GetDebugInfo returns a snapshot of client state for debugging.
func (c *Client) GetDebugInfo() map[string]interface{} {
	info := map[string]interface{}{
		"version":   Version,
		"debugMode": c.IsDebugMode(),
		"closed":    c.closed.Load(),
		"hooks":     c.GetHooks(),
	}

	if sp, ok := c.pool.(interface{ Stats() PoolStats }); ok {
		info["pool"] = sp.Stats().Map()
	}

	info["options"] = map[string]interface{}{
		"batchSize":       c.opts.BatchSize,
		"querySuffix":     c.opts.QuerySuffix,
		"keyColumn":       c.opts.KeyColumn,
		"dialect":         c.opts.Dialect.Name(),
		"lockWaitWarning": c.opts.LockWaitWarning.String(),
	}

	active := make([]map[string]interface{}, 0)
	c.activeTransactions.Range(func(_, v interface{}) bool {
		tc := v.(*transactionContext)
		last := tc.tx.state.GetLastTransition()
		active = append(active, map[string]interface{}{
			"id":           tc.tx.id,
			"state":        last.To.String(),
			"stateHeldFor": last.Duration.String(),
			"age":          time.Since(tc.startedAt).String(),
		})
		return true
	})
	info["activeTransactions"] = active

	return info
}

// DumpDebugInfoJSON returns debug info as formatted JSON string.
func (c *Client) DumpDebugInfoJSON() string {
	info := c.GetDebugInfo()
	bytes, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"error": "failed to marshal debug info: %s"}`, err.Error())
	}
	return string(bytes)
}
