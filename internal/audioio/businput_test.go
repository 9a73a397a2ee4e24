package audioio

import "testing"

func TestDecodePCM16(t *testing.T) {
	pcm := []byte{
		0x00, 0x00, // 0
		0xFF, 0x7F, // 32767
		0x00, 0x80, // -32768
		0x00, 0x40, // 16384
	}
	samples := DecodePCM16(pcm)
	if len(samples) != 4 {
		t.Fatalf("expected 4 samples, got %d", len(samples))
	}
	want := []float32{0, 32767.0 / 32768, -1, 0.5}
	for n := range want {
		if samples[n] != want[n] {
			t.Fatalf("sample %d: expected %v, got %v", n, want[n], samples[n])
		}
	}
}

func TestDecodePCM16DropsTrailingByte(t *testing.T) {
	samples := DecodePCM16([]byte{0x00, 0x40, 0x7F})
	if len(samples) != 1 {
		t.Fatalf("expected odd trailing byte dropped, got %d samples", len(samples))
	}
}
