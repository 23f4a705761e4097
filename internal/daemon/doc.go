// Package daemon wires the scheduler and the HTTP API into one
// single-instance background process guarded by a lock file.
package daemon
