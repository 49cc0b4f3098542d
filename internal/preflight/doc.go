// Package preflight checks that evermem can run before it touches the
// memory index.
//
// The package validates:
//   - Configuration validity
//   - Write permissions and free space in the data directory
//   - File descriptor limits
//   - The embedding provider and, when multi-query retrieval is on, the LLM
//   - That the index holds memories
//
// Provider checks only build the clients unless the checker is online, in
// which case each provider answers one small request.
//
//	checker := preflight.New(cfg, preflight.WithOnline(true))
//	results := checker.RunAll(ctx)
//	if checker.HasCriticalFailures(results) {
//	    // Handle failures
//	}
package preflight
