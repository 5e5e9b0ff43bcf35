// Package pebblestore implements the store interfaces on an embedded Pebble
// key-value database, for single-process deployments that do not want to run
// PostgreSQL.
//
// Key layout:
//
//	task/<id>                            JSON-encoded domain.Task
//	dedupe/<key>                         id of the task owning the dedupe key
//	fifo/<created><id>                   open task, eligibility fields
//	prio/<priority><created><id>         open task, eligibility fields
//	worker/<id>                          JSON-encoded domain.Worker
//	meta/index_version                   layout of the open indexes
//
// Writes are serialized by a process-wide mutex so every read-modify-write is
// atomic; reads and aggregates run against snapshots without taking it.
package pebblestore
