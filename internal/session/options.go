package session

import "time"

// Mode controls what happens after a final result is promoted.
type Mode string

const (
	// ModeSingle stops the session after the first final result.
	ModeSingle Mode = "single"
	// ModeContinuous keeps listening; each silence gap yields another
	// final result.
	ModeContinuous Mode = "continuous"
	// ModeContinuousAndStop streams continuously but stops once a final
	// result is promoted.
	ModeContinuousAndStop Mode = "continuousAndStop"
)

func (m Mode) stopsAfterFinal() bool {
	return m != ModeContinuous
}

// Options configures one capture session. Captured at Start; never mutated
// mid-session.
type Options struct {
	Locale             string
	Mode               Mode
	SilenceTimeout     time.Duration
	FrameLength        int
	SampleRate         float64
	EnableAudioBuffer  bool
	OnDeviceRecognizer bool
	MuteExternalAudio  bool
}

// DefaultSilenceTimeout is applied when Options leaves SilenceTimeout at
// its zero value.
const DefaultSilenceTimeout = time.Second

func (o Options) withDefaults() Options {
	if o.Locale == "" {
		o.Locale = "en-US"
	}
	if o.Mode == "" {
		o.Mode = ModeSingle
	}
	if o.SilenceTimeout == 0 {
		o.SilenceTimeout = DefaultSilenceTimeout
	}
	if o.SilenceTimeout < 0 {
		o.SilenceTimeout = 0
	}
	if o.FrameLength <= 0 {
		o.FrameLength = 512
	}
	if o.SampleRate <= 0 {
		o.SampleRate = 16000
	}
	return o
}
