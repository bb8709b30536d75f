// Package audio defines the buffer and frame types that flow through the
// callbridge media pipeline, along with the fixed telephony framing constants.
//
// The pipeline is strictly one-directional:
//
//   - a [PCMBuffer] of signed 16-bit mono samples is rendered in full,
//   - a codec turns it into an [EncodedBuffer] with one byte per sample,
//   - the encoded buffer is cut into [Frame] values of [FrameSize] bytes that
//     are delivered one per [FrameDuration].
//
// This package lives under pkg/ because the codec and tone packages beneath it
// have no dependency on the service internals.
package audio

import "time"

const (
	// SampleRate is the telephony sample rate in Hz. Media streams carry mono
	// audio at this rate only.
	SampleRate = 8000

	// FrameDuration is the wall-clock length of a single frame.
	FrameDuration = 20 * time.Millisecond

	// FrameSize is the number of encoded bytes in a full frame. It is derived
	// from [SampleRate] and [FrameDuration] at one byte per sample.
	FrameSize = SampleRate * int(FrameDuration/time.Millisecond) / 1000
)

// PCMBuffer is an ordered sequence of signed 16-bit mono samples. Buffers are
// always produced completely before they are encoded.
type PCMBuffer []int16

// Duration returns the playback length of the buffer at the given sample rate.
func (b PCMBuffer) Duration(sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b)) * time.Second / time.Duration(sampleRate)
}

// EncodedBuffer is an ordered sequence of 8-bit codec bytes. It has exactly
// one byte per sample of the [PCMBuffer] it was encoded from.
type EncodedBuffer []byte

// Duration returns the playback length of the buffer at [SampleRate].
func (b EncodedBuffer) Duration() time.Duration {
	return time.Duration(len(b)) * time.Second / SampleRate
}

// Frame is a contiguous slice of an [EncodedBuffer]. Every frame but the last
// of a buffer is exactly the frame size; the last may be shorter. A frame is
// never empty.
type Frame []byte

// FrameCount returns how many frames of the given size b splits into.
func (b EncodedBuffer) FrameCount(size int) int {
	if size <= 0 || len(b) == 0 {
		return 0
	}
	return (len(b) + size - 1) / size
}

// Frame returns the i-th frame of b for the given frame size, or nil when i is
// out of range. The returned frame aliases b.
func (b EncodedBuffer) Frame(i, size int) Frame {
	if size <= 0 || i < 0 {
		return nil
	}
	off := i * size
	if off >= len(b) {
		return nil
	}
	end := min(off+size, len(b))
	return Frame(b[off:end])
}

// Frames splits b into consecutive frames of the given size. The frames alias
// b and are returned in buffer order.
func (b EncodedBuffer) Frames(size int) []Frame {
	n := b.FrameCount(size)
	out := make([]Frame, 0, n)
	for i := range n {
		out = append(out, b.Frame(i, size))
	}
	return out
}
