// Package domain contains the task and worker records the queue engine
// operates on, together with the pure state-machine rules that govern them.
//
// Nothing in this package performs I/O. Every transition method mutates the
// receiver in memory and reports whether a write is required; persisting the
// result atomically is the job of the store implementations.
package domain
