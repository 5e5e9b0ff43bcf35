// Package store defines the persistence contract of the task-queue engine.
// Backends (PostgreSQL, Pebble) implement these interfaces; the engine never
// touches tables or keys directly, which keeps every scheduling transition
// inside a single backend transaction.
package store
