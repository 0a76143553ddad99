package voice

import (
	"encoding/base64"
	"encoding/binary"
	"math"
)

// Capture format constants shared with the voice agent.
const (
	SampleRate   = 16000
	Channels     = 1
	FrameSamples = 4096 // 256 ms at 16 kHz
)

// Frame is one encoded capture buffer: PCM16LE mono 16 kHz.
type Frame struct {
	Seq  uint64
	Data []byte
}

// Base64 returns the frame in its transport encoding.
func (f Frame) Base64() string {
	return base64.StdEncoding.EncodeToString(f.Data)
}

// SampleToPCM16 converts one normalized sample. Input is clamped to [-1, 1];
// negative values scale by 32768 and the rest by 32767, truncating toward
// zero. NaN encodes as silence.
func SampleToPCM16(s float32) int16 {
	v := float64(s)
	if math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	if v < 0 {
		return int16(v * 32768)
	}
	return int16(v * 32767)
}

// EncodePCM16 converts samples to little-endian signed 16-bit PCM.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(SampleToPCM16(s)))
	}
	return out
}
