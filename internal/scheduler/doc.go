// Package scheduler runs the worker pool that claims conversion tasks,
// executes their resolved paths step by step, and applies the retry,
// cancellation, promotion, and retention rules of the task lifecycle.
package scheduler
