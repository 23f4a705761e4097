// Package storage abstracts where task payloads live between conversion
// steps. The local backend keeps objects on disk and the s3 backend keeps
// them in a bucket; both address objects by backend-scoped refs.
package storage
