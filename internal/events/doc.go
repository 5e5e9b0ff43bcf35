// Package events publishes task lifecycle notifications (enqueued, claimed,
// completed, retried, dead-lettered, cancelled) to in-process handlers such as
// the Prometheus counters and audit logging, without coupling the engine to
// any of them.
package events
