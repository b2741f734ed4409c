// Package logger configures structured logging over log/slog.
//
// Output is JSON by default and switches to text when stderr is a
// terminal, so interactive use stays readable while scripted runs stay
// machine-parseable. The level is a process-global LevelVar and can be
// raised or lowered at runtime.
package logger
