// Package audioio defines the boundary to the audio subsystem: the live
// input tap and the shared routing configuration of a capture device.
package audioio

// Input is a live audio source. InstallTap attaches a buffer callback that
// receives normalized float32 samples in [-1, 1] as the device delivers
// them. The callback runs on the delivery context of the implementation and
// must not be blocked.
type Input interface {
	InstallTap(sampleRate float64, fn func(samples []float32)) error
	RemoveTap()
}

// RoutingConfig is the shared audio-routing policy of a capture device.
type RoutingConfig struct {
	Category      string
	Mode          string
	MixWithOthers bool
	DuckOthers    bool
}

// Routing reads and writes the device routing configuration. Snapshot
// returns nil when the device carries no override worth restoring.
type Routing interface {
	Snapshot() (*RoutingConfig, error)
	Apply(cfg RoutingConfig) error
}

// Routing categories and modes understood by capture devices.
const (
	CategoryRecord        = "record"
	CategoryPlayAndRecord = "playAndRecord"

	ModeDefault     = "default"
	ModeMeasurement = "measurement"
)
