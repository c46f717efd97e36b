// Package logging sets up structured slog output for the freshness engine.
//
// Logs are JSON lines written to a size-rotated file under ~/.freshness/logs/,
// optionally mirrored to stderr. MCP stdio mode must never write to stdout or
// stderr, so it uses the file-only configuration.
package logging
