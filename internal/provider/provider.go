// Package provider implements the Byte Pipe capability set shared by the
// producer (which pushes chunks as the proxy uploads them) and the worker
// (which drains them as a lazy chunk sequence while scanning). See the
// Data Provider row of the data model in spec.md §3.
package provider

import "context"

// Provider is the capability set both sides of a scan session use. Not
// every method applies to both sides: producers call PushChunk/FinalizePush,
// workers call Chunks/Finalize.
type Provider interface {
	// PushChunk appends a chunk of request/response body as it arrives.
	PushChunk(ctx context.Context, chunk []byte) error

	// FinalizePush signals that no more chunks will be pushed (the proxy
	// reported end_of_stream). Must be called strictly after every
	// preceding PushChunk for this session has been observed.
	FinalizePush(ctx context.Context) error

	// Chunks returns a channel that yields chunks in push order, closing
	// once FinalizePush has been observed and every pushed chunk drained.
	// The returned error channel carries at most one transport error.
	Chunks(ctx context.Context) (<-chan []byte, <-chan error)

	// Finalize is called by the worker once scanning completes. On a clean
	// result the verified replay is kept with a bounded TTL; on an
	// infected or failed scan it is deleted. The done sentinel is always
	// cleared regardless of outcome.
	Finalize(ctx context.Context, scanSuccess, isVirus bool) error

	// DataKey optionally identifies the verified replay for callers that
	// want to expose scanned bytes (e.g. a debug endpoint). Returns ""
	// when the provider keeps no addressable replay (InlineProvider).
	DataKey() string
}
