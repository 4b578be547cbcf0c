// Package logging configures the process-wide slog logger: a text handler
// for interactive terminals, JSON everywhere else, and an optional
// size-rotated log file.
package logging
