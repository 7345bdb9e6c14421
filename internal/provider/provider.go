// Package provider defines the narrow InferenceProvider capability the
// relay core depends on (spec §4.3) and two implementations: an HTTP
// adapter for an Ollama-compatible engine, and a deterministic in-memory
// double used by tests.
//
// The capability is exposed as an interface with three methods, not as a
// base type to subclass — spec §9 calls this out explicitly ("not as
// inheritance or method-overriding").
package provider

import (
	"context"

	"github.com/quietloop/mindrelay/internal/protocol"
)

// Sink receives the streamed outcome of one Generate call. OnChunk may fire
// zero or more times, in order. At most one of OnEnd or OnError fires, at
// most once, terminating the stream; neither fires for a generation whose
// Abort returned true.
type Sink interface {
	OnChunk(text string)
	OnEnd()
	OnError(code protocol.ErrorCode, message string)
}

// SinkFuncs adapts three plain functions into a Sink, the way a peer
// session wires provider callbacks straight onto its outbound queue.
type SinkFuncs struct {
	Chunk func(text string)
	End   func()
	Error func(code protocol.ErrorCode, message string)
}

func (s SinkFuncs) OnChunk(text string)                            { s.Chunk(text) }
func (s SinkFuncs) OnEnd()                                         { s.End() }
func (s SinkFuncs) OnError(code protocol.ErrorCode, message string) { s.Error(code, message) }

// InferenceProvider is the abstract capability the relay consumes.
type InferenceProvider interface {
	// Health is a cheap probe confirming the provider is contactable. It
	// returns nil when healthy, or a non-nil error describing why the
	// provider is unreachable.
	Health(ctx context.Context) error

	// Generate starts a streaming generation for requestID against model,
	// delivering results to sink asynchronously. It does not block for the
	// duration of the generation.
	Generate(ctx context.Context, requestID, model, prompt string, sink Sink)

	// Abort cancels a previously started generation. It returns true if a
	// cancellation was dispatched for a still-active requestID. After an
	// abort is acknowledged, no further OnChunk call for that requestID
	// will be delivered, and the provider itself will not call OnEnd or
	// OnError for it either — the caller (the Host peer session) owns
	// emitting the resulting chat_end{abort}.
	Abort(requestID string) bool
}
