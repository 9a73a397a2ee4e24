package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-listen/internal/audioio"
	"github.com/loqalabs/loqa-listen/internal/engine"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeStream struct {
	mu        sync.Mutex
	appended  [][]float32
	ended     bool
	cancelled bool
}

func (s *fakeStream) Append(samples []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]float32, len(samples))
	copy(buf, samples)
	s.appended = append(s.appended, buf)
	return nil
}

func (s *fakeStream) EndAudio() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = true
}

func (s *fakeStream) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
}

func (s *fakeStream) appendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.appended)
}

type fakeEngine struct {
	mu        sync.Mutex
	available bool
	notify    func(bool)
	openErr   error
	stream    *fakeStream
	cb        engine.Callbacks
	lastOpts  engine.StreamOptions
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{available: true}
}

func (e *fakeEngine) Available() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.available
}

func (e *fakeEngine) SupportedLocales() []string {
	return []string{"en-US", "de-DE"}
}

func (e *fakeEngine) NotifyAvailability(fn func(bool)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notify = fn
}

func (e *fakeEngine) Open(_ context.Context, opts engine.StreamOptions, cb engine.Callbacks) (engine.Stream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.openErr != nil {
		return nil, e.openErr
	}
	e.stream = &fakeStream{}
	e.cb = cb
	e.lastOpts = opts
	return e.stream, nil
}

func (e *fakeEngine) callbacks() engine.Callbacks {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cb
}

type fakeInput struct {
	mu         sync.Mutex
	fn         func([]float32)
	installErr error
	removed    int
}

func (i *fakeInput) InstallTap(_ float64, fn func([]float32)) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.installErr != nil {
		return i.installErr
	}
	i.fn = fn
	return nil
}

func (i *fakeInput) RemoveTap() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.fn = nil
	i.removed++
}

func (i *fakeInput) feed(samples []float32) {
	i.mu.Lock()
	fn := i.fn
	i.mu.Unlock()
	if fn != nil {
		fn(samples)
	}
}

func (i *fakeInput) installed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.fn != nil
}

type fakeRouting struct {
	mu          sync.Mutex
	current     *audioio.RoutingConfig
	applied     []audioio.RoutingConfig
	snapErr     error
	failRestore bool
}

func (r *fakeRouting) Snapshot() (*audioio.RoutingConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snapErr != nil {
		return nil, r.snapErr
	}
	if r.current == nil {
		return nil, nil
	}
	cfg := *r.current
	return &cfg, nil
}

func (r *fakeRouting) Apply(cfg audioio.RoutingConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failRestore && len(r.applied) > 0 {
		return errors.New("routing apply refused")
	}
	r.applied = append(r.applied, cfg)
	return nil
}

func (r *fakeRouting) appliedConfigs() []audioio.RoutingConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audioio.RoutingConfig(nil), r.applied...)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) sink(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) ofKind(kind EventKind) []Event {
	var out []Event
	for _, evt := range r.all() {
		if evt.Kind == kind {
			out = append(out, evt)
		}
	}
	return out
}

func (r *recorder) waitFor(t *testing.T, kind EventKind, count int, timeout time.Duration) []Event {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		evts := r.ofKind(kind)
		if len(evts) >= count {
			return evts
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d %s events, have %d", count, kind, len(evts))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type harness struct {
	engine  *fakeEngine
	input   *fakeInput
	routing *fakeRouting
	rec     *recorder
	ctrl    *Controller
}

func newHarness() *harness {
	h := &harness{
		engine:  newFakeEngine(),
		input:   &fakeInput{},
		routing: &fakeRouting{},
		rec:     &recorder{},
	}
	h.ctrl = NewController(h.engine, h.input, h.routing, h.rec.sink, newLogger())
	return h
}

func (h *harness) start(t *testing.T, opts Options) {
	t.Helper()
	if err := h.ctrl.Start(context.Background(), opts); err != nil {
		t.Fatalf("start: %v", err)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	h := newHarness()
	h.routing.current = &audioio.RoutingConfig{Category: "ambient", Mode: "default"}

	h.start(t, Options{Locale: "de-DE"})

	if h.ctrl.State() != Listening {
		t.Fatalf("expected listening state, got %v", h.ctrl.State())
	}
	if h.engine.lastOpts.Locale != "de-DE" {
		t.Fatalf("expected locale passed to engine, got %q", h.engine.lastOpts.Locale)
	}
	if !h.input.installed() {
		t.Fatal("expected tap installed")
	}
	listening := h.rec.ofKind(EventListening)
	if len(listening) != 1 || !listening[0].Listening {
		t.Fatalf("expected one listening(true) event, got %+v", listening)
	}

	if err := h.ctrl.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if h.ctrl.State() != Idle {
		t.Fatalf("expected idle state, got %v", h.ctrl.State())
	}
	if h.input.installed() {
		t.Fatal("expected tap removed")
	}
	if !h.engine.stream.cancelled {
		t.Fatal("expected stream cancelled")
	}
	applied := h.routing.appliedConfigs()
	if len(applied) != 2 {
		t.Fatalf("expected capture apply + restore, got %d applies", len(applied))
	}
	if applied[1].Category != "ambient" {
		t.Fatalf("expected pre-session routing restored, got %+v", applied[1])
	}
	listening = h.rec.ofKind(EventListening)
	if len(listening) != 2 || listening[1].Listening {
		t.Fatalf("expected listening(false) event, got %+v", listening)
	}
}

func TestStartWhileListening(t *testing.T) {
	h := newHarness()
	h.start(t, Options{})
	before := len(h.rec.all())

	err := h.ctrl.Start(context.Background(), Options{})
	if err == nil {
		t.Fatal("expected error for second start")
	}
	if CodeOf(err) != CodeInvalidState {
		t.Fatalf("expected invalid_state, got %v", CodeOf(err))
	}
	if h.ctrl.State() != Listening {
		t.Fatal("running session must be untouched")
	}
	if len(h.rec.all()) != before {
		t.Fatalf("second start must not emit events, got %+v", h.rec.all()[before:])
	}
}

func TestStopWhileIdle(t *testing.T) {
	h := newHarness()

	err := h.ctrl.Stop()
	if err == nil {
		t.Fatal("expected error for stop while idle")
	}
	if CodeOf(err) != CodeInvalidState {
		t.Fatalf("expected invalid_state, got %v", CodeOf(err))
	}
	if len(h.rec.all()) != 0 {
		t.Fatalf("stop while idle must emit no events, got %+v", h.rec.all())
	}
}

func TestSilenceFinalizesSingleMode(t *testing.T) {
	h := newHarness()
	h.start(t, Options{Mode: ModeSingle, SilenceTimeout: 60 * time.Millisecond})

	cb := h.engine.callbacks()
	for _, text := range []string{"h", "he", "hello"} {
		cb.OnPartial(text)
		time.Sleep(15 * time.Millisecond)
	}

	results := h.rec.waitFor(t, EventResult, 1, time.Second)
	if results[0].Text != "hello" {
		t.Fatalf("expected final %q, got %q", "hello", results[0].Text)
	}
	if len(results) != 1 {
		t.Fatalf("expected exactly one result, got %d", len(results))
	}
	h.rec.waitFor(t, EventListening, 2, time.Second)
	if h.ctrl.State() != Idle {
		t.Fatal("single mode must stop after the final result")
	}
	partials := h.rec.ofKind(EventPartial)
	if len(partials) != 3 {
		t.Fatalf("expected 3 partial events, got %d", len(partials))
	}
}

func TestDebounceRearm(t *testing.T) {
	h := newHarness()
	h.start(t, Options{Mode: ModeSingle, SilenceTimeout: 80 * time.Millisecond})

	cb := h.engine.callbacks()
	// Gaps all shorter than the timeout: nothing may finalize yet.
	for i := 0; i < 5; i++ {
		cb.OnPartial("still talking")
		time.Sleep(30 * time.Millisecond)
	}
	if got := h.rec.ofKind(EventResult); len(got) != 0 {
		t.Fatalf("finalized during continuous speech: %+v", got)
	}

	h.rec.waitFor(t, EventResult, 1, time.Second)
}

func TestContinuousModeKeepsListening(t *testing.T) {
	h := newHarness()
	h.start(t, Options{Mode: ModeContinuous, SilenceTimeout: 40 * time.Millisecond})

	cb := h.engine.callbacks()
	cb.OnPartial("first utterance")
	h.rec.waitFor(t, EventResult, 1, time.Second)
	if h.ctrl.State() != Listening {
		t.Fatal("continuous mode must keep listening after a final result")
	}

	cb.OnPartial("second utterance")
	results := h.rec.waitFor(t, EventResult, 2, time.Second)
	if results[1].Text != "second utterance" {
		t.Fatalf("expected second final, got %q", results[1].Text)
	}

	if err := h.ctrl.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestContinuousAndStopMode(t *testing.T) {
	h := newHarness()
	h.start(t, Options{Mode: ModeContinuousAndStop, SilenceTimeout: 40 * time.Millisecond})

	h.engine.callbacks().OnPartial("done now")
	h.rec.waitFor(t, EventResult, 1, time.Second)
	h.rec.waitFor(t, EventListening, 2, time.Second)
	if h.ctrl.State() != Idle {
		t.Fatal("continuousAndStop must stop after the final result")
	}
}

func TestEmptyPartialIgnored(t *testing.T) {
	h := newHarness()
	h.start(t, Options{Mode: ModeSingle, SilenceTimeout: 40 * time.Millisecond})

	cb := h.engine.callbacks()
	cb.OnPartial("")
	cb.OnPartial("   \t")
	time.Sleep(120 * time.Millisecond)

	if got := h.rec.ofKind(EventPartial); len(got) != 0 {
		t.Fatalf("whitespace partials must be ignored, got %+v", got)
	}
	if got := h.rec.ofKind(EventResult); len(got) != 0 {
		t.Fatalf("noise must not arm the finalization timer, got %+v", got)
	}
	if h.ctrl.State() != Listening {
		t.Fatal("session must still be listening")
	}
}

func TestNoSpeechTearsDownSilently(t *testing.T) {
	h := newHarness()
	h.routing.current = &audioio.RoutingConfig{Category: "ambient"}
	h.start(t, Options{})

	h.engine.callbacks().OnError(engine.ErrNoSpeech)

	if h.ctrl.State() != Idle {
		t.Fatal("expected idle after no-speech")
	}
	if got := h.rec.ofKind(EventError); len(got) != 0 {
		t.Fatalf("no-speech must not emit an error event, got %+v", got)
	}
	applied := h.routing.appliedConfigs()
	if len(applied) != 2 || applied[1].Category != "ambient" {
		t.Fatalf("expected routing restored, got %+v", applied)
	}
}

func TestStreamErrorTearsDown(t *testing.T) {
	h := newHarness()
	h.start(t, Options{})

	h.engine.callbacks().OnError(errors.New("recognizer crashed"))

	if h.ctrl.State() != Idle {
		t.Fatal("expected idle after stream error")
	}
	errs := h.rec.ofKind(EventError)
	if len(errs) != 1 {
		t.Fatalf("expected one error event, got %d", len(errs))
	}
	if errs[0].Err.Code != CodeEngine {
		t.Fatalf("expected engine error code, got %v", errs[0].Err.Code)
	}
	listening := h.rec.ofKind(EventListening)
	if len(listening) != 2 || listening[1].Listening {
		t.Fatalf("expected listening(false) after error, got %+v", listening)
	}
}

func TestStartRollbackOnEngineFailure(t *testing.T) {
	h := newHarness()
	h.routing.current = &audioio.RoutingConfig{Category: "ambient"}
	h.engine.openErr = errors.New("engine offline")

	err := h.ctrl.Start(context.Background(), Options{})
	if err == nil {
		t.Fatal("expected start to fail")
	}
	if CodeOf(err) != CodeEngine {
		t.Fatalf("expected engine code, got %v", CodeOf(err))
	}
	if h.ctrl.State() != Idle {
		t.Fatal("failed start must leave idle state")
	}
	applied := h.routing.appliedConfigs()
	if len(applied) != 2 || applied[1].Category != "ambient" {
		t.Fatalf("expected routing rolled back, got %+v", applied)
	}
	if got := h.rec.ofKind(EventError); len(got) != 1 {
		t.Fatalf("expected a single error event, got %d", len(got))
	}
	if got := h.rec.ofKind(EventListening); len(got) != 0 {
		t.Fatalf("failed start must not report listening, got %+v", got)
	}
}

func TestStartRollbackOnTapFailure(t *testing.T) {
	h := newHarness()
	h.input.installErr = errors.New("input busy")

	err := h.ctrl.Start(context.Background(), Options{})
	if err == nil {
		t.Fatal("expected start to fail")
	}
	if h.ctrl.State() != Idle {
		t.Fatal("failed start must leave idle state")
	}
	if !h.engine.stream.cancelled {
		t.Fatal("expected opened stream cancelled on rollback")
	}
}

func TestStartFailsWhenSnapshotFails(t *testing.T) {
	h := newHarness()
	h.routing.snapErr = errors.New("device unreachable")

	err := h.ctrl.Start(context.Background(), Options{})
	if err == nil {
		t.Fatal("expected start to fail")
	}
	if CodeOf(err) != CodeRouting {
		t.Fatalf("expected routing code, got %v", CodeOf(err))
	}
	if len(h.routing.appliedConfigs()) != 0 {
		t.Fatal("nothing must be applied when the snapshot fails")
	}
}

func TestRestoreFailureDoesNotBlockTeardown(t *testing.T) {
	h := newHarness()
	h.routing.current = &audioio.RoutingConfig{Category: "ambient"}
	h.start(t, Options{})
	h.routing.failRestore = true

	if err := h.ctrl.Stop(); err != nil {
		t.Fatalf("stop must succeed despite restore failure: %v", err)
	}
	if h.ctrl.State() != Idle {
		t.Fatal("expected idle state")
	}
	errs := h.rec.ofKind(EventError)
	if len(errs) != 1 || errs[0].Err.Code != CodeRouting {
		t.Fatalf("expected one routing error event, got %+v", errs)
	}
	listening := h.rec.ofKind(EventListening)
	if len(listening) != 2 || listening[1].Listening {
		t.Fatalf("teardown must still complete, got %+v", listening)
	}
}

func TestNoSnapshotMeansNothingRestored(t *testing.T) {
	h := newHarness()
	h.start(t, Options{})

	if err := h.ctrl.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	applied := h.routing.appliedConfigs()
	if len(applied) != 1 {
		t.Fatalf("expected only the capture apply, got %d", len(applied))
	}
}

func TestAudioForwardingAndObservation(t *testing.T) {
	h := newHarness()
	h.start(t, Options{FrameLength: 4, EnableAudioBuffer: true})

	h.input.feed([]float32{0, 0.5, 1.0, -1.0, 0.25, 0.75})

	if h.engine.stream.appendCount() != 1 {
		t.Fatalf("expected buffer forwarded to stream, got %d appends", h.engine.stream.appendCount())
	}
	frames := h.rec.waitFor(t, EventAudio, 1, time.Second)
	frame := frames[0].Frame
	want := []int16{0, 16384, 32767, -32768}
	if len(frame) != len(want) {
		t.Fatalf("expected frame truncated to frame length, got %d samples", len(frame))
	}
	for i := range want {
		if frame[i] != want[i] {
			t.Fatalf("sample %d: expected %d, got %d", i, want[i], frame[i])
		}
	}
}

func TestObservationDisabled(t *testing.T) {
	h := newHarness()
	h.start(t, Options{FrameLength: 4})

	h.input.feed([]float32{0.1, 0.2})
	time.Sleep(50 * time.Millisecond)

	if h.engine.stream.appendCount() != 1 {
		t.Fatal("audio must still reach the recognition stream")
	}
	if got := h.rec.ofKind(EventAudio); len(got) != 0 {
		t.Fatalf("no audio events expected when observation is disabled, got %d", len(got))
	}
}

func TestLatePartialAfterStopDiscarded(t *testing.T) {
	h := newHarness()
	h.start(t, Options{Mode: ModeSingle, SilenceTimeout: 40 * time.Millisecond})
	cb := h.engine.callbacks()

	if err := h.ctrl.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	cb.OnPartial("too late")
	time.Sleep(100 * time.Millisecond)

	if got := h.rec.ofKind(EventPartial); len(got) != 0 {
		t.Fatalf("late partial must be discarded, got %+v", got)
	}
	if got := h.rec.ofKind(EventResult); len(got) != 0 {
		t.Fatalf("late partial must not finalize, got %+v", got)
	}
}

func TestAvailabilityEvents(t *testing.T) {
	h := newHarness()

	if !h.ctrl.Available() {
		t.Fatal("expected availability passthrough")
	}
	h.engine.notify(false)
	got := h.rec.ofKind(EventAvailability)
	if len(got) != 1 || got[0].Available {
		t.Fatalf("expected availability(false) event, got %+v", got)
	}

	locales := h.ctrl.SupportedLocales()
	if len(locales) != 2 || locales[0] != "en-US" {
		t.Fatalf("unexpected locales: %v", locales)
	}
}

func TestTranscriptClearedBetweenSessions(t *testing.T) {
	h := newHarness()
	h.start(t, Options{Mode: ModeSingle, SilenceTimeout: 30 * time.Millisecond})
	h.engine.callbacks().OnPartial("first session text")
	h.rec.waitFor(t, EventResult, 1, time.Second)
	h.rec.waitFor(t, EventListening, 2, time.Second)

	// A new session must not inherit the previous transcript.
	h.start(t, Options{Mode: ModeSingle, SilenceTimeout: 30 * time.Millisecond})
	if err := h.ctrl.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := h.rec.ofKind(EventResult); len(got) != 1 {
		t.Fatalf("expected no result from the empty second session, got %d", len(got))
	}
}
