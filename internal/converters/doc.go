// Package converters turns manifest capability declarations into runnable
// conversion commands and tracks whether their binaries are available.
package converters
