// Package devices tracks capture devices on the bus. Devices announce
// themselves when they join and heartbeat while they stream; the registry
// marks them offline when heartbeats stop.
package devices

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-listen/internal/bus"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type DeviceInfo struct {
	ID         string    `json:"id"`
	Name       string    `json:"name,omitempty"`
	SampleRate int       `json:"sample_rate,omitempty"`
	Channels   int       `json:"channels,omitempty"`
	LastSeen   time.Time `json:"last_seen"`
	Online     bool      `json:"online"`
}

type Registry struct {
	cfg    config.DeviceConfig
	log    *slog.Logger
	bus    *bus.Client
	mu     sync.RWMutex
	known  map[string]*DeviceInfo
	cancel context.CancelFunc
	subs   []*nats.Subscription
	meter  metric.Meter
}

func NewRegistry(ctx context.Context, cfg config.DeviceConfig, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		log:    log.With(slog.String("component", "device-registry")),
		bus:    busClient,
		known:  make(map[string]*DeviceInfo),
		meter:  otel.Meter("github.com/loqalabs/loqa-listen/devices"),
		cancel: cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	go r.monitorLiveness(ctx)

	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectDeviceAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectDeviceHeartbeat, r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)

	return nil
}

func (r *Registry) monitorLiveness(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateLiveness()
		}
	}
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement protocol.DeviceAnnounce
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = time.Now().UTC()
	}
	r.update(announcement.DeviceID, announcement.Name, announcement.SampleRate, announcement.Channels, announcement.Timestamp)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.DeviceHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}
	r.update(hb.DeviceID, "", 0, 0, hb.Timestamp)
}

func (r *Registry) update(deviceID, name string, sampleRate, channels int, timestamp time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	device, ok := r.known[deviceID]
	if !ok {
		device = &DeviceInfo{ID: deviceID}
		r.known[deviceID] = device
		r.log.Info("capture device joined", slog.String("device", deviceID))
	}
	if name != "" {
		device.Name = name
	}
	if sampleRate > 0 {
		device.SampleRate = sampleRate
	}
	if channels > 0 {
		device.Channels = channels
	}
	device.LastSeen = timestamp
	device.Online = true
}

func (r *Registry) evaluateLiveness() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := time.Now()
	for _, device := range r.known {
		if device.Online && now.Sub(device.LastSeen) > timeout {
			device.Online = false
			r.log.Warn("capture device went offline", slog.String("device", device.ID))
		}
	}
}

// Online reports whether the given device has announced or heartbeated
// within the liveness window.
func (r *Registry) Online(deviceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	device, ok := r.known[deviceID]
	return ok && device.Online
}

func (r *Registry) Query(filter func(DeviceInfo) bool) []DeviceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []DeviceInfo
	for _, device := range r.known {
		info := *device
		if filter == nil || filter(info) {
			results = append(results, info)
		}
	}
	return results
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	knownGauge, err := r.meter.Int64ObservableGauge("listen.devices.known", metric.WithDescription("Number of known capture devices"))
	if err != nil {
		return err
	}
	onlineGauge, err := r.meter.Int64ObservableGauge("listen.devices.online", metric.WithDescription("Number of online capture devices"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		known, online := r.snapshotCounts()
		obs.ObserveInt64(knownGauge, known)
		obs.ObserveInt64(onlineGauge, online)
		return nil
	}, knownGauge, onlineGauge)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var known int64
	var online int64
	for _, device := range r.known {
		known++
		if device.Online {
			online++
		}
	}
	return known, online
}
