// Package logging centralizes slog logger construction and the structured
// field conventions used across readalong.
//
// Loggers are built from config (format, level, log directory) and carry
// standardized attributes: component, chapter, and stage. Console output is
// a compact human-readable format; JSON output is line-delimited for
// machine consumption.
package logging
