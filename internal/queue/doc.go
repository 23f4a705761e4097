// Package queue persists conversion tasks, batches, and quota counters in
// SQLite and provides the conditional transitions the scheduler relies on:
// claims, completion with cancellation precedence, retry scheduling, and
// maintenance sweeps. SQLite's single-writer model linearizes the
// conditional updates, so state transitions never race.
package queue
