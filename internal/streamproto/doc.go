// ABOUTME: Wire protocol shared by the stream bridge and its consumers.
// ABOUTME: Defines the in-band markers and a boundary-safe event scanner.

// Package streamproto defines the in-band text protocol used on the
// /chat/stream response body and on the counsel engine connection.
//
// The stream is opaque UTF-8 text with no length framing. Three markers are
// recognized in-band:
//
//   - EndToken terminates the stream; it is stripped and never shown.
//   - ErrMarker introduces a terminal error fragment; the remainder of the
//     stream is the error text.
//   - ToolMarker introduces an internal backend signal that runs to the next
//     newline and must be discarded by consumers.
//
// Because HTTP chunking may split any marker across reads, consumers must
// not classify per-read chunks. Scanner owns that problem: it withholds the
// longest buffer suffix that could still grow into a marker and yields
// classified events independent of chunk boundaries.
package streamproto
