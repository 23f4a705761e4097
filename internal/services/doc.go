// Package services provides the shared error taxonomy and context plumbing
// used across the orchestration engine. Errors tagged with the sentinel
// markers here determine whether a failed step is retried, surfaced to the
// caller, or recorded as a terminal task failure.
package services
