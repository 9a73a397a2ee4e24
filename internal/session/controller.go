// Package session implements the capture-session orchestration layer: one
// listening session at a time, silence-based finalization with a
// cancellable debounce, an audio tap with optional frame observation, and
// guaranteed restoration of the shared audio-routing configuration on
// every exit path.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-listen/internal/audioio"
	"github.com/loqalabs/loqa-listen/internal/engine"
)

// State is the session lifecycle state.
type State int

const (
	Idle State = iota
	Listening
)

func (s State) String() string {
	if s == Listening {
		return "listening"
	}
	return "idle"
}

// Controller owns the lifecycle of capture sessions. Public calls,
// recognition-stream callbacks and timer firings are serialized on an
// internal mutex; only the audio tap crosses into it through a channel
// handoff.
//
// The notify sink runs on that serialized path (except EventAudio, see
// EventKind docs) and must not call back into the Controller.
type Controller struct {
	engine  engine.Engine
	input   audioio.Input
	routing audioio.Routing
	notify  func(Event)
	log     *slog.Logger

	mu       sync.Mutex
	state    State
	opts     Options
	guard    *routingGuard
	stream   engine.Stream
	tap      *tapPipeline
	timer    finalizeTimer
	lastText string
}

func NewController(eng engine.Engine, input audioio.Input, routing audioio.Routing, notify func(Event), log *slog.Logger) *Controller {
	if notify == nil {
		notify = func(Event) {}
	}
	c := &Controller{
		engine:  eng,
		input:   input,
		routing: routing,
		notify:  notify,
		log:     log.With(slog.String("component", "session")),
	}
	eng.NotifyAvailability(func(available bool) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.notify(Event{Kind: EventAvailability, Available: available})
	})
	return c
}

// Available reports whether the recognition engine can serve a session.
// Callable in any state.
func (c *Controller) Available() bool {
	return c.engine.Available()
}

// SupportedLocales enumerates the locales the engine recognizes.
func (c *Controller) SupportedLocales() []string {
	return c.engine.SupportedLocales()
}

// State returns the current session state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start begins a session. A second Start while listening fails with
// CodeInvalidState and leaves the running session untouched. Any setup
// failure rolls back everything already acquired and leaves the state
// Idle.
func (c *Controller) Start(ctx context.Context, opts Options) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Usage error: reported to the caller only, no event, and the
	// running session is left untouched.
	if c.state == Listening {
		return invalidState("start", "session already listening")
	}

	opts = opts.withDefaults()

	guard := newRoutingGuard(c.routing)
	if err := guard.save(); err != nil {
		return c.fail(&VoiceError{Code: CodeRouting, Op: "start", Err: err})
	}
	if err := guard.apply(opts.MuteExternalAudio); err != nil {
		if rerr := guard.restore(); rerr != nil {
			c.log.Warn("routing rollback failed", slog.String("error", rerr.Error()))
		}
		return c.fail(&VoiceError{Code: CodeRouting, Op: "start", Err: err})
	}

	stream, err := c.engine.Open(ctx, engine.StreamOptions{
		Locale:   opts.Locale,
		OnDevice: opts.OnDeviceRecognizer,
	}, engine.Callbacks{
		OnPartial: c.handlePartial,
		OnError:   c.handleStreamError,
	})
	if err != nil {
		if rerr := guard.restore(); rerr != nil {
			c.log.Warn("routing rollback failed", slog.String("error", rerr.Error()))
		}
		return c.fail(&VoiceError{Code: CodeEngine, Op: "start", Err: err})
	}

	tap := newTapPipeline(c.input, opts.FrameLength, opts.SampleRate)
	var observe func([]int16)
	if opts.EnableAudioBuffer {
		observe = func(frame []int16) {
			c.notify(Event{Kind: EventAudio, Frame: frame})
		}
	}
	forward := func(samples []float32) {
		if err := stream.Append(samples); err != nil {
			c.log.Warn("audio forward failed", slog.String("error", err.Error()))
		}
	}
	if err := tap.install(forward, observe); err != nil {
		stream.Cancel()
		if rerr := guard.restore(); rerr != nil {
			c.log.Warn("routing rollback failed", slog.String("error", rerr.Error()))
		}
		return c.fail(&VoiceError{Code: CodeUnknown, Op: "start", Err: err})
	}

	c.opts = opts
	c.guard = guard
	c.stream = stream
	c.tap = tap
	c.lastText = ""
	c.state = Listening
	c.log.Info("session started",
		slog.String("locale", opts.Locale),
		slog.String("mode", string(opts.Mode)),
		slog.Duration("silence_timeout", opts.SilenceTimeout))
	c.notify(Event{Kind: EventListening, Listening: true})
	return nil
}

// Stop ends the session: cancels the silence timer, removes the tap,
// closes the recognition stream and restores routing. Stop while idle
// fails with CodeInvalidState.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Listening {
		return invalidState("stop", "no session listening")
	}
	c.teardownLocked()
	return nil
}

func (c *Controller) handlePartial(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// A result may race teardown and land after it; discard.
	if c.state != Listening {
		return
	}
	if strings.TrimSpace(text) == "" {
		return
	}
	c.lastText = text
	c.notify(Event{Kind: EventPartial, Text: text})
	c.timer.arm(c.opts.SilenceTimeout, c.handleSilence)
}

func (c *Controller) handleSilence(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Listening || !c.timer.pending(gen) {
		return
	}
	c.timer.consume()
	c.notify(Event{Kind: EventResult, Text: c.lastText})
	if c.opts.Mode.stopsAfterFinal() {
		c.teardownLocked()
	}
	// Continuous mode keeps listening with the timer idle; the next
	// partial rearms it.
}

func (c *Controller) handleStreamError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Listening {
		return
	}
	// Ending without detected speech is not worth reporting; everything
	// else is.
	if !errors.Is(err, engine.ErrNoSpeech) {
		verr := &VoiceError{Code: CodeEngine, Op: "stream", Err: err}
		c.log.Warn("recognition stream failed", slog.String("error", err.Error()))
		c.notify(Event{Kind: EventError, Err: verr})
	}
	c.teardownLocked()
}

// teardownLocked releases everything the session acquired and returns the
// controller to Idle. Routing restore failures are reported but never stop
// the teardown.
func (c *Controller) teardownLocked() {
	c.timer.cancel()
	if c.tap != nil {
		c.tap.remove()
		c.tap = nil
	}
	if c.stream != nil {
		c.stream.EndAudio()
		c.stream.Cancel()
		c.stream = nil
	}
	if c.guard != nil {
		if err := c.guard.restore(); err != nil {
			verr := &VoiceError{Code: CodeRouting, Op: "stop", Err: err}
			c.log.Warn("routing restore failed", slog.String("error", err.Error()))
			c.notify(Event{Kind: EventError, Err: verr})
		}
		c.guard = nil
	}
	c.lastText = ""
	c.state = Idle
	c.log.Info("session stopped")
	c.notify(Event{Kind: EventListening, Listening: false})
}

// fail reports err through the event sink and returns it.
func (c *Controller) fail(err *VoiceError) error {
	c.notify(Event{Kind: EventError, Err: err})
	return err
}
