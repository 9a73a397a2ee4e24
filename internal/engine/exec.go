package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/mattn/go-shellwords"
)

// ExecEngine shells out to an external recognizer binary. The accumulated
// session audio is written to a temporary WAV file and the command is run
// on a partial cadence and once more at end of audio.
type ExecEngine struct {
	cfg       config.EngineConfig
	cmd       []string
	available bool
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewExecEngine(cfg config.EngineConfig) (*ExecEngine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("engine command is empty")
	}
	_, lookErr := exec.LookPath(args[0])
	return &ExecEngine{
		cfg:       cfg,
		cmd:       args,
		available: lookErr == nil,
	}, nil
}

func (e *ExecEngine) Available() bool {
	return e.available
}

func (e *ExecEngine) SupportedLocales() []string {
	locales := make([]string, len(defaultLocales))
	copy(locales, defaultLocales)
	return locales
}

// NotifyAvailability is a no-op: a local binary does not change
// availability at runtime.
func (e *ExecEngine) NotifyAvailability(func(bool)) {}

func (e *ExecEngine) Open(ctx context.Context, opts StreamOptions, cb Callbacks) (Stream, error) {
	if !e.available {
		return nil, fmt.Errorf("engine command not found: %s", e.cmd[0])
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &execStream{
		engine: e,
		cb:     cb,
		locale: opts.Locale,
		cancel: cancel,
	}
	every := time.Duration(e.cfg.PartialEveryMS) * time.Millisecond
	if every <= 0 {
		every = 800 * time.Millisecond
	}
	go s.run(ctx, every)
	return s, nil
}

type execStream struct {
	engine *ExecEngine
	cb     Callbacks
	locale string
	cancel context.CancelFunc

	mu       sync.Mutex
	pcm      []byte
	lastText string
	inflight bool
	closed   bool
}

func (s *execStream) Append(samples []float32) error {
	buf := encodePCM16(samples)
	s.mu.Lock()
	s.pcm = append(s.pcm, buf...)
	s.mu.Unlock()
	return nil
}

// EndAudio schedules one last pass over the full buffer. It runs
// asynchronously so callbacks never fire on the caller's goroutine.
func (s *execStream) EndAudio() {
	go func() {
		text, err := s.transcribe(context.Background(), false)
		if err != nil {
			s.emitError(err)
			return
		}
		if text == "" {
			s.mu.Lock()
			spoke := s.lastText != ""
			s.mu.Unlock()
			if !spoke {
				s.emitError(ErrNoSpeech)
			}
			return
		}
		s.emitPartial(text)
	}()
}

func (s *execStream) Cancel() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
}

func (s *execStream) run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			text, err := s.transcribe(ctx, true)
			if err != nil {
				if ctx.Err() == nil {
					s.emitError(err)
				}
				return
			}
			if text != "" {
				s.emitPartial(text)
			}
		}
	}
}

// transcribe runs the recognizer command over the buffered audio. At most
// one invocation runs at a time; overlapping cadence ticks are skipped.
func (s *execStream) transcribe(ctx context.Context, partial bool) (string, error) {
	s.mu.Lock()
	if s.inflight || len(s.pcm) == 0 {
		s.mu.Unlock()
		return "", nil
	}
	s.inflight = true
	pcm := append([]byte(nil), s.pcm...)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inflight = false
		s.mu.Unlock()
	}()

	file, err := os.CreateTemp(os.TempDir(), "listen_engine_*.wav")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	cfg := s.engine.cfg
	if err := writePCMToWav(file, pcm, cfg.SampleRate, cfg.Channels); err != nil {
		return "", err
	}

	args := append([]string{}, s.engine.cmd[1:]...)
	args = append(args, "--audio", file.Name())
	if cfg.ModelPath != "" {
		args = append(args, "--model", cfg.ModelPath)
	}
	if s.locale != "" {
		args = append(args, "--language", s.locale)
	}
	if partial {
		args = append(args, "--partial")
	}

	command := exec.CommandContext(ctx, s.engine.cmd[0], args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return "", fmt.Errorf("engine command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return "", fmt.Errorf("decode engine response: %w", err)
	}
	return resp.Text, nil
}

// emitPartial delivers a partial unless the stream is cancelled or the text
// did not change. A callback racing Cancel may still land; the session
// layer discards events that arrive after teardown.
func (s *execStream) emitPartial(text string) {
	s.mu.Lock()
	if s.closed || text == s.lastText {
		s.mu.Unlock()
		return
	}
	s.lastText = text
	s.mu.Unlock()
	s.cb.OnPartial(text)
}

func (s *execStream) emitError(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.cb.OnError(err)
}

func encodePCM16(samples []float32) []byte {
	buf := make([]byte, len(samples)*2)
	for n, sample := range samples {
		v := int(math.Round(float64(sample) * 32768))
		if v > 32767 {
			v = 32767
		}
		if v < -32768 {
			v = -32768
		}
		buf[n*2] = byte(v)
		buf[n*2+1] = byte(v >> 8)
	}
	return buf
}

func writePCMToWav(file *os.File, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int(int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
