package audioio

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-listen/internal/bus"
	"github.com/loqalabs/loqa-listen/internal/protocol"
	"github.com/nats-io/nats.go"
)

// BusInput exposes PCM frames streamed by a capture device over the bus as
// a tap-able input. Frame callbacks run on the NATS delivery goroutine.
type BusInput struct {
	bus      *bus.Client
	deviceID string
	log      *slog.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

func NewBusInput(busClient *bus.Client, deviceID string, log *slog.Logger) *BusInput {
	return &BusInput{
		bus:      busClient,
		deviceID: deviceID,
		log:      log.With(slog.String("component", "bus-input")),
	}
}

func (i *BusInput) InstallTap(sampleRate float64, fn func(samples []float32)) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.sub != nil {
		return errors.New("tap already installed")
	}

	subject := protocol.SubjectAudioFramePrefix + "." + i.deviceID
	sub, err := i.bus.Conn().Subscribe(subject, func(msg *nats.Msg) {
		var frame protocol.AudioFrame
		if err := json.Unmarshal(msg.Data, &frame); err != nil {
			i.log.Warn("failed to decode audio frame", slog.String("error", err.Error()))
			return
		}
		samples := DecodePCM16(frame.PCM)
		if len(samples) == 0 {
			return
		}
		fn(samples)
	})
	if err != nil {
		return err
	}
	i.sub = sub
	return nil
}

// RemoveTap detaches the subscription. Safe to call when no tap is
// installed.
func (i *BusInput) RemoveTap() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.sub == nil {
		return
	}
	_ = i.sub.Unsubscribe()
	i.sub = nil
}

// DecodePCM16 converts little-endian 16-bit PCM bytes into normalized
// float32 samples. A trailing odd byte is dropped.
func DecodePCM16(pcm []byte) []float32 {
	samples := make([]float32, len(pcm)/2)
	for n := range samples {
		samples[n] = float32(int16(binary.LittleEndian.Uint16(pcm[n*2:]))) / 32768
	}
	return samples
}

// BusRouting reads and writes a device routing configuration over
// request/reply.
type BusRouting struct {
	bus      *bus.Client
	deviceID string
	timeout  time.Duration
}

func NewBusRouting(busClient *bus.Client, deviceID string, timeout time.Duration) *BusRouting {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &BusRouting{bus: busClient, deviceID: deviceID, timeout: timeout}
}

func (r *BusRouting) Snapshot() (*RoutingConfig, error) {
	msg, err := r.bus.Conn().Request(protocol.SubjectRoutingGetPrefix+"."+r.deviceID, nil, r.timeout)
	if err != nil {
		return nil, err
	}
	var state protocol.RoutingState
	if err := json.Unmarshal(msg.Data, &state); err != nil {
		return nil, err
	}
	if !state.Overridden {
		return nil, nil
	}
	return &RoutingConfig{
		Category:      state.Category,
		Mode:          state.Mode,
		MixWithOthers: state.MixWithOthers,
		DuckOthers:    state.DuckOthers,
	}, nil
}

func (r *BusRouting) Apply(cfg RoutingConfig) error {
	payload, err := json.Marshal(protocol.RoutingState{
		Category:      cfg.Category,
		Mode:          cfg.Mode,
		MixWithOthers: cfg.MixWithOthers,
		DuckOthers:    cfg.DuckOthers,
		Overridden:    true,
	})
	if err != nil {
		return err
	}
	_, err = r.bus.Conn().Request(protocol.SubjectRoutingSetPrefix+"."+r.deviceID, payload, r.timeout)
	return err
}
