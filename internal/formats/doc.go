// Package formats maintains the registry of known file formats, the directed
// graph of converter-backed edges between them, and the resolver that turns a
// source/target pair into a concrete conversion path.
package formats
