package engine

import (
	"context"
	"fmt"
	"sync"
	"time"
)

var defaultLocales = []string{"en-US", "en-GB", "de-DE", "fr-FR", "uk-UA"}

// MockEngine emits synthetic partials describing the audio it received.
// Useful for wiring tests and running the daemon without a recognizer.
type MockEngine struct {
	partialEvery time.Duration

	mu        sync.Mutex
	available bool
	notify    func(bool)
}

func NewMockEngine(partialEvery time.Duration) *MockEngine {
	if partialEvery <= 0 {
		partialEvery = 800 * time.Millisecond
	}
	return &MockEngine{partialEvery: partialEvery, available: true}
}

func (m *MockEngine) Available() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available
}

func (m *MockEngine) SupportedLocales() []string {
	locales := make([]string, len(defaultLocales))
	copy(locales, defaultLocales)
	return locales
}

func (m *MockEngine) NotifyAvailability(fn func(bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notify = fn
}

// SetAvailable flips availability and fires the registered callback.
func (m *MockEngine) SetAvailable(available bool) {
	m.mu.Lock()
	changed := m.available != available
	m.available = available
	notify := m.notify
	m.mu.Unlock()
	if changed && notify != nil {
		notify(available)
	}
}

func (m *MockEngine) Open(ctx context.Context, opts StreamOptions, cb Callbacks) (Stream, error) {
	if !m.Available() {
		return nil, fmt.Errorf("mock engine unavailable")
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &mockStream{
		cb:     cb,
		locale: opts.Locale,
		cancel: cancel,
	}
	go s.run(ctx, m.partialEvery)
	return s, nil
}

type mockStream struct {
	cb     Callbacks
	locale string
	cancel context.CancelFunc

	mu      sync.Mutex
	samples int
	closed  bool
}

func (s *mockStream) Append(samples []float32) error {
	s.mu.Lock()
	s.samples += len(samples)
	s.mu.Unlock()
	return nil
}

func (s *mockStream) EndAudio() {}

func (s *mockStream) Cancel() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
}

func (s *mockStream) run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				return
			}
			n := s.samples
			s.mu.Unlock()
			if n == 0 {
				continue
			}
			s.cb.OnPartial(fmt.Sprintf("[%s transcript, %d samples]", s.locale, n))
		}
	}
}
