package session

import "github.com/loqalabs/loqa-listen/internal/audioio"

// routingGuard snapshots and restores the shared audio-routing
// configuration around one session. The snapshot is owned by the session
// and consumed exactly once, on restore.
type routingGuard struct {
	routing  audioio.Routing
	snapshot *audioio.RoutingConfig
	saved    bool
}

func newRoutingGuard(routing audioio.Routing) *routingGuard {
	return &routingGuard{routing: routing}
}

// save captures the current routing configuration, or records that nothing
// needs restoring when the device carries no override.
func (g *routingGuard) save() error {
	snapshot, err := g.routing.Snapshot()
	if err != nil {
		return err
	}
	g.snapshot = snapshot
	g.saved = true
	return nil
}

// apply activates capture routing: exclusive recording category with
// measurement mode, ducking other audio. When external audio is not muted
// the session mixes with other output instead of claiming the route.
func (g *routingGuard) apply(muteExternalAudio bool) error {
	cfg := audioio.RoutingConfig{
		Category:   audioio.CategoryRecord,
		Mode:       audioio.ModeMeasurement,
		DuckOthers: true,
	}
	if !muteExternalAudio {
		cfg.Category = audioio.CategoryPlayAndRecord
		cfg.MixWithOthers = true
	}
	return g.routing.Apply(cfg)
}

// restore reapplies the saved configuration and discards the snapshot. A
// missing snapshot is a no-op, not an error.
func (g *routingGuard) restore() error {
	if !g.saved || g.snapshot == nil {
		g.saved = false
		g.snapshot = nil
		return nil
	}
	snapshot := *g.snapshot
	g.snapshot = nil
	g.saved = false
	return g.routing.Apply(snapshot)
}
