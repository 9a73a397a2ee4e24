package session

import (
	"errors"
	"testing"
	"time"
)

func TestPCM16Conversion(t *testing.T) {
	cases := []struct {
		in   float32
		want int16
	}{
		{0, 0},
		{0.5, 16384},
		{-0.5, -16384},
		{1.0, 32767},
		{-1.0, -32768},
		{1.2, 32767},
		{-1.2, -32768},
	}
	for _, tc := range cases {
		got := pcm16([]float32{tc.in})
		if got[0] != tc.want {
			t.Errorf("pcm16(%v): expected %d, got %d", tc.in, tc.want, got[0])
		}
	}
}

func TestTapForwardsEveryBuffer(t *testing.T) {
	input := &fakeInput{}
	tap := newTapPipeline(input, 4, 16000)

	var forwarded [][]float32
	err := tap.install(func(samples []float32) {
		forwarded = append(forwarded, samples)
	}, nil)
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	defer tap.remove()

	input.feed([]float32{0.1, 0.2, 0.3, 0.4, 0.5, 0.6})
	input.feed([]float32{0.7})

	if len(forwarded) != 2 {
		t.Fatalf("expected 2 forwarded buffers, got %d", len(forwarded))
	}
	// Forwarding is never truncated to the observation frame length.
	if len(forwarded[0]) != 6 {
		t.Fatalf("expected full buffer forwarded, got %d samples", len(forwarded[0]))
	}
}

func TestTapShortBufferObserved(t *testing.T) {
	input := &fakeInput{}
	tap := newTapPipeline(input, 8, 16000)

	frames := make(chan []int16, 1)
	err := tap.install(func([]float32) {}, func(frame []int16) {
		select {
		case frames <- frame:
		default:
		}
	})
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	defer tap.remove()

	input.feed([]float32{0.5, -0.5, 0})

	select {
	case frame := <-frames:
		if len(frame) != 3 {
			t.Fatalf("expected short frame kept as-is, got %d samples", len(frame))
		}
		if frame[0] != 16384 || frame[1] != -16384 || frame[2] != 0 {
			t.Fatalf("unexpected frame contents: %v", frame)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for observed frame")
	}
}

func TestTapRemoveIdempotent(t *testing.T) {
	input := &fakeInput{}
	tap := newTapPipeline(input, 4, 16000)

	if err := tap.install(func([]float32) {}, nil); err != nil {
		t.Fatalf("install: %v", err)
	}
	tap.remove()
	tap.remove()

	if input.removed != 1 {
		t.Fatalf("expected a single driver removal, got %d", input.removed)
	}
}

func TestTapRemoveWithoutInstall(t *testing.T) {
	input := &fakeInput{}
	tap := newTapPipeline(input, 4, 16000)

	tap.remove()

	if input.removed != 0 {
		t.Fatal("remove without install must not touch the driver")
	}
}

func TestTapInstallFailureStopsDrain(t *testing.T) {
	input := &fakeInput{installErr: errInstall}
	tap := newTapPipeline(input, 4, 16000)

	err := tap.install(func([]float32) {}, func([]int16) {
		t.Error("observer must never run after a failed install")
	})
	if err == nil {
		t.Fatal("expected install to fail")
	}
	if tap.frames != nil {
		t.Fatal("expected observation channel torn down")
	}
}

var errInstall = errors.New("tap install refused")

// slowInput keeps invoking the tap callback from its own goroutine after
// RemoveTap returns, the way a bus handler still in flight does.
type slowInput struct {
	fn func([]float32)
}

func (i *slowInput) InstallTap(_ float64, fn func([]float32)) error {
	i.fn = fn
	return nil
}

func (i *slowInput) RemoveTap() {}

func TestTapRemoveDuringDelivery(t *testing.T) {
	input := &slowInput{}
	tap := newTapPipeline(input, 4, 16000)

	if err := tap.install(func([]float32) {}, func([]int16) {}); err != nil {
		t.Fatalf("install: %v", err)
	}

	stop := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for {
			select {
			case <-stop:
				return
			default:
				input.fn([]float32{0.1, 0.2, 0.3})
			}
		}
	}()

	time.Sleep(10 * time.Millisecond)
	tap.remove()
	time.Sleep(10 * time.Millisecond)

	close(stop)
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("delivery goroutine blocked after remove")
	}
}
