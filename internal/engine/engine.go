// Package engine abstracts the speech recognition capability consumed by a
// capture session: an availability signal, locale enumeration, and streaming
// transcription with partial results.
package engine

import (
	"context"
	"errors"
)

// ErrNoSpeech marks a stream that ended without detecting any speech. The
// session layer treats it as a silent stop, not a reportable failure.
var ErrNoSpeech = errors.New("no speech detected")

// StreamOptions configures one recognition stream.
type StreamOptions struct {
	Locale   string
	OnDevice bool
}

// Callbacks receive recognition output. OnPartial delivers interim
// transcriptions, possibly revising earlier ones. OnError terminates the
// stream; no callbacks follow it.
type Callbacks struct {
	OnPartial func(text string)
	OnError   func(err error)
}

// Stream is one live recognition stream.
type Stream interface {
	// Append feeds normalized float32 samples to the recognizer.
	Append(samples []float32) error
	// EndAudio signals that no further audio will arrive. It must not
	// invoke callbacks synchronously on the caller's goroutine.
	EndAudio()
	// Cancel abandons the stream. No callbacks fire after Cancel returns.
	Cancel()
}

// Engine is a speech recognition backend.
type Engine interface {
	Available() bool
	SupportedLocales() []string
	// NotifyAvailability registers a callback invoked whenever engine
	// availability changes.
	NotifyAvailability(fn func(available bool))
	Open(ctx context.Context, opts StreamOptions, cb Callbacks) (Stream, error)
}
