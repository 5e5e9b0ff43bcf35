// Package logger configures structured JSON logging on log/slog and carries
// request-scoped loggers through context.Context so that store and engine
// code can log with the caller's task and worker attributes attached.
package logger
