// Command alembic is the CLI for the alembic conversion daemon. It talks to
// a running alembicd over its HTTP API.
package main
