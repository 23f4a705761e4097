// Package api exposes the admission facade and transport DTOs for the
// daemon's HTTP surface and the CLI. Submissions are validated, resolved
// against the format graph, and admitted against the user's quota here;
// everything after admission is the scheduler's business.
package api
