// Package service exposes the capture-session controller over the bus:
// request/reply control subjects and broadcast session events.
package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-listen/internal/audioio"
	"github.com/loqalabs/loqa-listen/internal/bus"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/devices"
	"github.com/loqalabs/loqa-listen/internal/engine"
	"github.com/loqalabs/loqa-listen/internal/eventstore"
	"github.com/loqalabs/loqa-listen/internal/protocol"
	"github.com/loqalabs/loqa-listen/internal/session"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type Service struct {
	cfg        config.Config
	bus        *bus.Client
	store      *eventstore.Store
	registry   *devices.Registry
	controller *session.Controller
	log        *slog.Logger

	subs []*nats.Subscription

	mu        sync.Mutex
	sessionID string

	startedCounter metric.Int64Counter
	resultCounter  metric.Int64Counter
	errorCounter   metric.Int64Counter
}

func New(cfg config.Config, busClient *bus.Client, eng engine.Engine, input audioio.Input, routing audioio.Routing, store *eventstore.Store, registry *devices.Registry, log *slog.Logger) *Service {
	s := &Service{
		cfg:      cfg,
		bus:      busClient,
		store:    store,
		registry: registry,
		log:      log.With(slog.String("component", "listen-service")),
	}
	s.controller = session.NewController(eng, input, routing, s.handleEvent, log)

	meter := otel.Meter("github.com/loqalabs/loqa-listen/service")
	var err error
	if s.startedCounter, err = meter.Int64Counter("listen.sessions.started", metric.WithDescription("Capture sessions started")); err != nil {
		s.log.Warn("failed to create counter", slog.String("error", err.Error()))
	}
	if s.resultCounter, err = meter.Int64Counter("listen.results.final", metric.WithDescription("Final results promoted")); err != nil {
		s.log.Warn("failed to create counter", slog.String("error", err.Error()))
	}
	if s.errorCounter, err = meter.Int64Counter("listen.session.errors", metric.WithDescription("Session errors reported")); err != nil {
		s.log.Warn("failed to create counter", slog.String("error", err.Error()))
	}
	return s
}

func (s *Service) Start() error {
	conn := s.bus.Conn()

	handlers := []struct {
		subject string
		fn      nats.MsgHandler
	}{
		{protocol.SubjectSessionStart, s.handleStart},
		{protocol.SubjectSessionStop, s.handleStop},
		{protocol.SubjectSessionLocales, s.handleLocales},
		{protocol.SubjectSessionStatus, s.handleStatus},
	}
	for _, h := range handlers {
		sub, err := conn.Subscribe(h.subject, h.fn)
		if err != nil {
			s.Close()
			return err
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

func (s *Service) Close() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
	if s.controller.State() == session.Listening {
		if err := s.controller.Stop(); err != nil {
			s.log.Warn("failed to stop session on close", slog.String("error", err.Error()))
		}
	}
}

func (s *Service) Healthy() bool {
	return len(s.subs) > 0
}

// Available reports whether a session could start right now: the engine is
// available and the configured capture device is online.
func (s *Service) Available() bool {
	return s.controller.Available() && s.registry.Online(s.cfg.Device.ID)
}

func (s *Service) handleStart(msg *nats.Msg) {
	var req protocol.StartRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.reply(msg, protocol.ControlReply{OK: false, Error: "invalid start request: " + err.Error(), ErrorCode: string(session.CodeUnknown)})
			return
		}
	}

	sessionID := uuid.NewString()
	s.mu.Lock()
	s.sessionID = sessionID
	s.mu.Unlock()

	opts := s.options(req)
	if err := s.controller.Start(context.Background(), opts); err != nil {
		s.mu.Lock()
		if s.sessionID == sessionID {
			s.sessionID = ""
		}
		s.mu.Unlock()
		s.reply(msg, protocol.ControlReply{OK: false, Error: err.Error(), ErrorCode: string(session.CodeOf(err))})
		return
	}

	if err := s.store.BeginSession(context.Background(), sessionID, opts.Locale, string(opts.Mode)); err != nil {
		s.log.Warn("failed to record session", slog.String("error", err.Error()))
	}
	if s.startedCounter != nil {
		s.startedCounter.Add(context.Background(), 1)
	}
	s.reply(msg, protocol.ControlReply{OK: true, SessionID: sessionID})
}

func (s *Service) handleStop(msg *nats.Msg) {
	if err := s.controller.Stop(); err != nil {
		s.reply(msg, protocol.ControlReply{OK: false, Error: err.Error(), ErrorCode: string(session.CodeOf(err))})
		return
	}
	s.reply(msg, protocol.ControlReply{OK: true})
}

func (s *Service) handleLocales(msg *nats.Msg) {
	s.reply(msg, protocol.ControlReply{OK: true, Locales: s.controller.SupportedLocales()})
}

func (s *Service) handleStatus(msg *nats.Msg) {
	s.mu.Lock()
	sessionID := s.sessionID
	s.mu.Unlock()
	s.reply(msg, protocol.ControlReply{OK: true, Available: s.Available(), SessionID: sessionID})
}

func (s *Service) reply(msg *nats.Msg, reply protocol.ControlReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.log.Warn("failed to marshal reply", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Warn("failed to respond", slog.String("error", err.Error()))
	}
}

// options merges a start request with the configured session defaults.
func (s *Service) options(req protocol.StartRequest) session.Options {
	defaults := s.cfg.Listen
	opts := session.Options{
		Locale:             defaults.Locale,
		Mode:               session.Mode(defaults.Mode),
		SilenceTimeout:     time.Duration(defaults.SilenceTimeoutMS) * time.Millisecond,
		FrameLength:        defaults.FrameLength,
		SampleRate:         defaults.SampleRate,
		EnableAudioBuffer:  defaults.EnableAudioBuffer,
		OnDeviceRecognizer: defaults.OnDeviceRecognizer,
		MuteExternalAudio:  defaults.MuteExternalAudio,
	}
	if req.Locale != "" {
		opts.Locale = req.Locale
	}
	if req.Mode != "" {
		opts.Mode = session.Mode(req.Mode)
	}
	if req.SilenceTimeoutMS > 0 {
		opts.SilenceTimeout = time.Duration(req.SilenceTimeoutMS) * time.Millisecond
	}
	if req.FrameLength > 0 {
		opts.FrameLength = req.FrameLength
	}
	if req.SampleRate > 0 {
		opts.SampleRate = req.SampleRate
	}
	if req.EnableAudioBuffer {
		opts.EnableAudioBuffer = true
	}
	if req.OnDeviceRecognizer {
		opts.OnDeviceRecognizer = true
	}
	if req.MuteExternalAudio {
		opts.MuteExternalAudio = true
	}
	return opts
}

func (s *Service) handleEvent(evt session.Event) {
	s.mu.Lock()
	sessionID := s.sessionID
	s.mu.Unlock()

	wire := protocol.SessionEvent{
		SessionID: sessionID,
		Kind:      string(evt.Kind),
		Timestamp: time.Now().UTC(),
	}
	var subject string
	switch evt.Kind {
	case session.EventListening:
		subject = protocol.SubjectEventListening
		wire.Listening = evt.Listening
	case session.EventPartial:
		subject = protocol.SubjectEventPartial
		wire.Text = evt.Text
	case session.EventResult:
		subject = protocol.SubjectEventResult
		wire.Text = evt.Text
	case session.EventError:
		subject = protocol.SubjectEventError
		if evt.Err != nil {
			wire.ErrorCode = string(evt.Err.Code)
			wire.Error = evt.Err.Error()
		}
	case session.EventAudio:
		subject = protocol.SubjectEventAudio
		wire.Samples = evt.Frame
	case session.EventAvailability:
		subject = protocol.SubjectEventAvailability
		wire.Available = evt.Available
	default:
		return
	}

	s.publish(subject, wire)
	s.record(evt, sessionID)

	if evt.Kind == session.EventListening && !evt.Listening {
		s.mu.Lock()
		if s.sessionID == sessionID {
			s.sessionID = ""
		}
		s.mu.Unlock()
	}
}

func (s *Service) publish(subject string, wire protocol.SessionEvent) {
	data, err := json.Marshal(wire)
	if err != nil {
		s.log.Warn("failed to marshal event", slog.String("error", err.Error()))
		return
	}
	if err := s.bus.Conn().Publish(subject, data); err != nil {
		s.log.Warn("failed to publish event", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}

// record appends lifecycle entries to the timeline. Partial text and audio
// frames stay off disk.
func (s *Service) record(evt session.Event, sessionID string) {
	if sessionID == "" {
		return
	}
	var rec eventstore.Record
	switch evt.Kind {
	case session.EventListening:
		rec = eventstore.Record{SessionID: sessionID, Kind: "listening", Detail: boolString(evt.Listening)}
	case session.EventResult:
		rec = eventstore.Record{SessionID: sessionID, Kind: "result"}
		if s.resultCounter != nil {
			s.resultCounter.Add(context.Background(), 1)
		}
	case session.EventError:
		detail := ""
		if evt.Err != nil {
			detail = string(evt.Err.Code)
		}
		rec = eventstore.Record{SessionID: sessionID, Kind: "error", Detail: detail}
		if s.errorCounter != nil {
			s.errorCounter.Add(context.Background(), 1)
		}
	default:
		return
	}
	if err := s.store.Append(context.Background(), rec); err != nil {
		s.log.Warn("failed to append timeline record", slog.String("error", err.Error()))
	}
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
