package voice

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestEncodePCM16Zeros(t *testing.T) {
	out := EncodePCM16(make([]float32, FrameSamples))
	require.Len(t, out, 2*FrameSamples)
	for _, b := range out {
		if b != 0 {
			t.Fatal("silence must encode to zero bytes")
		}
	}
}

func TestSampleToPCM16(t *testing.T) {
	tests := []struct {
		in   float32
		want int16
	}{
		{1.0, 32767},
		{-1.0, -32768},
		{2.5, 32767},
		{-7, -32768},
		{0, 0},
		{0.5, 16383},   // 16383.5 truncates toward zero
		{-0.5, -16384}, // the negative side scales by 32768
		{float32(math.Inf(1)), 32767},
		{float32(math.Inf(-1)), -32768},
		{float32(math.NaN()), 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SampleToPCM16(tt.in), "sample %v", tt.in)
	}
}

func TestEncodePCM16LittleEndian(t *testing.T) {
	out := EncodePCM16([]float32{1, -1, 0.5})
	assert.Equal(t, []byte{0xff, 0x7f, 0x00, 0x80, 0xff, 0x3f}, out)
}

func TestFrameBase64(t *testing.T) {
	f := Frame{Data: EncodePCM16([]float32{1, -1})}
	assert.Equal(t, "/38AgA==", f.Base64())
}

func TestSampleToPCM16Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := rapid.Float32().Draw(t, "a")
		b := rapid.Float32().Draw(t, "b")
		if math.IsNaN(float64(a)) || math.IsNaN(float64(b)) {
			return
		}
		pa, pb := SampleToPCM16(a), SampleToPCM16(b)
		if (a < 0) != (pa < 0) && pa != 0 {
			t.Fatalf("sign flipped: %v -> %d", a, pa)
		}
		if a <= b && pa > pb {
			t.Fatalf("not monotonic: %v->%d, %v->%d", a, pa, b, pb)
		}

		enc := EncodePCM16([]float32{a, b})
		if int16(binary.LittleEndian.Uint16(enc)) != pa || int16(binary.LittleEndian.Uint16(enc[2:])) != pb {
			t.Fatalf("EncodePCM16 disagrees with SampleToPCM16")
		}
	})
}
