package session

// EventKind discriminates session notifications.
type EventKind string

const (
	// EventListening reports a transition in or out of the listening
	// state; payload is the Listening field.
	EventListening EventKind = "listening"
	// EventPartial carries an interim transcription.
	EventPartial EventKind = "partial"
	// EventResult carries a transcription promoted to final.
	EventResult EventKind = "result"
	// EventError carries a VoiceError.
	EventError EventKind = "error"
	// EventAudio carries one PCM16 frame. Emitted only when the session
	// enabled frame observation, from the tap pipeline's own goroutine.
	EventAudio EventKind = "audio"
	// EventAvailability reports recognition engine availability changes.
	EventAvailability EventKind = "availability"
)

// Event is one session notification with its per-kind payload.
type Event struct {
	Kind      EventKind
	Listening bool
	Available bool
	Text      string
	Frame     []int16
	Err       *VoiceError
}
