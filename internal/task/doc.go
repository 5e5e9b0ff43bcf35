// Package task is the scheduling engine. It enqueues tasks, hands them to
// workers through strategy-ordered claims with time-bounded leases, decides
// retry or dead-letter after failures, tracks worker liveness, and reports
// queue metrics. All coordination between workers goes through the
// store.Store the engine is built on; nothing here keeps queue state in
// process memory.
//
// A Runner drives the poll-claim-process-ack loop for handlers registered
// per task type.
package task
