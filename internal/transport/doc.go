// Package transport defines the outbound messaging boundary.
//
// The dispatch engine talks to a transport.Adapter and classifies failures
// via the typed ErrorKind carried on transport.Error. Adapters translate
// their client library's errors into kinds; nothing upstream matches on
// error message strings.
package transport
