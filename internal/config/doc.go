// Package config loads, normalizes, and validates Alembic's TOML
// configuration. Defaults cover every field so the daemon runs with no
// config file present; Load layers a discovered file over Default and
// expands all path fields to absolute form.
package config
