package protocol

import "time"

// AudioFrame represents PCM audio data streamed from capture devices.
type AudioFrame struct {
	DeviceID   string `json:"device_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
}

// RoutingState mirrors the shared audio-routing configuration of a capture
// device: category, mode and mixing options.
type RoutingState struct {
	Category      string `json:"category"`
	Mode          string `json:"mode"`
	MixWithOthers bool   `json:"mix_with_others"`
	DuckOthers    bool   `json:"duck_others"`
	// Overridden reports whether the device currently carries a non-default
	// configuration worth restoring.
	Overridden bool `json:"overridden"`
}

// StartRequest asks the listen service to begin a capture session.
type StartRequest struct {
	Locale             string  `json:"locale,omitempty"`
	Mode               string  `json:"mode,omitempty"`
	SilenceTimeoutMS   int     `json:"silence_timeout_ms,omitempty"`
	FrameLength        int     `json:"frame_length,omitempty"`
	SampleRate         float64 `json:"sample_rate,omitempty"`
	EnableAudioBuffer  bool    `json:"enable_audio_buffer,omitempty"`
	OnDeviceRecognizer bool    `json:"on_device_recognizer,omitempty"`
	MuteExternalAudio  bool    `json:"mute_external_audio,omitempty"`
}

// ControlReply answers start/stop/locales/status requests.
type ControlReply struct {
	OK        bool     `json:"ok"`
	SessionID string   `json:"session_id,omitempty"`
	Error     string   `json:"error,omitempty"`
	ErrorCode string   `json:"error_code,omitempty"`
	Locales   []string `json:"locales,omitempty"`
	Available bool     `json:"available,omitempty"`
}

// SessionEvent is a session notification broadcast on the bus.
type SessionEvent struct {
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"`
	Listening bool      `json:"listening,omitempty"`
	Available bool      `json:"available,omitempty"`
	Text      string    `json:"text,omitempty"`
	ErrorCode string    `json:"error_code,omitempty"`
	Error     string    `json:"error,omitempty"`
	Samples   []int16   `json:"samples,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// DeviceAnnounce is published by capture devices when they join the bus.
type DeviceAnnounce struct {
	DeviceID   string    `json:"device_id"`
	Name       string    `json:"name,omitempty"`
	SampleRate int       `json:"sample_rate,omitempty"`
	Channels   int       `json:"channels,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// DeviceHeartbeat keeps a capture device marked as online.
type DeviceHeartbeat struct {
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix = "audio.frame"

	SubjectRoutingGetPrefix = "audio.routing.get"
	SubjectRoutingSetPrefix = "audio.routing.set"

	SubjectSessionStart   = "listen.session.start"
	SubjectSessionStop    = "listen.session.stop"
	SubjectSessionLocales = "listen.session.locales"
	SubjectSessionStatus  = "listen.session.status"

	SubjectEventPrefix       = "listen.event"
	SubjectEventListening    = "listen.event.listening"
	SubjectEventPartial      = "listen.event.partial"
	SubjectEventResult       = "listen.event.result"
	SubjectEventError        = "listen.event.error"
	SubjectEventAudio        = "listen.event.audio"
	SubjectEventAvailability = "listen.event.availability"

	SubjectDeviceAnnounce  = "ctrl.device.announce"
	SubjectDeviceHeartbeat = "ctrl.device.heartbeat"
)
