// Package notifications posts task and batch terminal-state webhooks to the
// URLs submitters registered at creation time.
package notifications
