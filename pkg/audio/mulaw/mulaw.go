// Package mulaw implements the 8-bit G.711 µ-law encoder used by telephony
// media streams.
//
// Encoding is a total, stateless function of its input: every int16 sample
// maps to exactly one byte and buffers are encoded element-wise, so the
// functions here are safe to call from any goroutine.
package mulaw

import "github.com/MrWong99/callbridge/pkg/audio"

const (
	// Bias is added to the clipped magnitude before the segment search.
	Bias = 0x84

	// Clip is the largest magnitude that is encoded without saturation.
	Clip = 32635
)

// EncodeSample converts one linear 16-bit sample to a µ-law byte.
func EncodeSample(sample int16) byte {
	// int32 so that -32768 has a representable magnitude.
	v := int32(sample)
	var sign byte
	if v < 0 {
		sign = 0x80
		v = -v
	}
	if v > Clip {
		v = Clip
	}
	v += Bias

	exponent := 7
	for mask := int32(0x4000); v&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte(v>>(exponent+3)) & 0x0F

	return ^(sign | byte(exponent<<4) | mantissa)
}

// Encode converts every sample of pcm to µ-law. The result has the same
// length and order as pcm.
func Encode(pcm audio.PCMBuffer) audio.EncodedBuffer {
	out := make(audio.EncodedBuffer, len(pcm))
	for i, s := range pcm {
		out[i] = EncodeSample(s)
	}
	return out
}

// EncodePCM16LE encodes little-endian int16 PCM bytes. A trailing odd byte is
// ignored.
func EncodePCM16LE(data []byte) audio.EncodedBuffer {
	n := len(data) / 2
	out := make(audio.EncodedBuffer, n)
	for i := range n {
		out[i] = EncodeSample(int16(data[i*2]) | int16(data[i*2+1])<<8)
	}
	return out
}
