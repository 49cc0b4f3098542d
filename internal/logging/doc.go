// Package logging configures structured slog output for the evermem CLI
// and library components. Logs are JSON lines written to a size-rotated
// file under ~/.evermem/logs/, optionally teed to stderr with --debug.
package logging
