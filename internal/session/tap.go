package session

import (
	"math"

	"github.com/loqalabs/loqa-listen/internal/audioio"
)

// tapPipeline attaches to the live audio input, forwards every buffer to
// the recognition stream on the delivery context, and optionally converts
// up to frameLength samples per buffer to PCM16 for an observer. Observer
// delivery is handed off through a buffered channel and drops when the
// observer lags; it never blocks the delivery context.
type tapPipeline struct {
	input       audioio.Input
	frameLength int
	sampleRate  float64

	frames    chan []float32
	done      chan struct{}
	installed bool
}

func newTapPipeline(input audioio.Input, frameLength int, sampleRate float64) *tapPipeline {
	return &tapPipeline{
		input:       input,
		frameLength: frameLength,
		sampleRate:  sampleRate,
	}
}

// install attaches the tap. forward runs synchronously for every buffer and
// is mandatory; observe, when non-nil, receives converted frames
// asynchronously. The callback and the drain goroutine capture the handoff
// channels as locals: remove may run while a delivery is still in flight,
// so they never touch the pipeline fields.
func (p *tapPipeline) install(forward func(samples []float32), observe func(frame []int16)) error {
	var frames chan []float32
	var done chan struct{}
	if observe != nil {
		frames = make(chan []float32, 8)
		done = make(chan struct{})
		p.frames = frames
		p.done = done
		go drain(frames, done, observe)
	}

	err := p.input.InstallTap(p.sampleRate, func(samples []float32) {
		forward(samples)
		if frames == nil {
			return
		}
		select {
		case <-done:
			return
		default:
		}
		n := len(samples)
		if n > p.frameLength {
			n = p.frameLength
		}
		// Copy before handoff: the driver may reuse the buffer.
		frame := make([]float32, n)
		copy(frame, samples[:n])
		select {
		case frames <- frame:
		default:
		}
	})
	if err != nil {
		p.stopDrain()
		return err
	}
	p.installed = true
	return nil
}

// remove detaches the tap. Idempotent.
func (p *tapPipeline) remove() {
	if !p.installed {
		return
	}
	p.input.RemoveTap()
	p.stopDrain()
	p.installed = false
}

func (p *tapPipeline) stopDrain() {
	if p.done == nil {
		return
	}
	close(p.done)
	p.done = nil
	p.frames = nil
}

func drain(frames chan []float32, done chan struct{}, observe func(frame []int16)) {
	for {
		select {
		case <-done:
			return
		case samples := <-frames:
			observe(pcm16(samples))
		}
	}
}

// pcm16 converts normalized samples to signed 16-bit PCM. Input is clamped
// to [-1, 1] before conversion, so 1.0 maps to 32767 and -1.0 to -32768.
func pcm16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for n, sample := range samples {
		if sample > 1 {
			sample = 1
		} else if sample < -1 {
			sample = -1
		}
		v := math.Round(float64(sample) * 32768)
		if v > math.MaxInt16 {
			v = math.MaxInt16
		}
		out[n] = int16(v)
	}
	return out
}
