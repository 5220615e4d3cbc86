package camdevice

import "encoding/binary"

// DecodeFrame applies the capture-worker's bit-depth/color interpretation
// policy to a frame already passed through Adapter.Process (spec §4.6):
// 8-bit mono is promoted to BGR by channel replication, 8-bit color is
// already BGR and passes through unchanged, and anything at or above
// 10 bits is interpreted as 16-bit little-endian samples and downshifted
// by (bitDepth-8) to land back in 8-bit before the mono/color rule above
// is applied. Both the Recorder (before the container write) and the
// Streamer (before JPEG encoding) call this on the same raw buffer.
func DecodeFrame(raw []byte, bitDepth int, color bool) []byte {
	work := raw
	if bitDepth > 8 {
		shift := uint(bitDepth - 8)
		down := make([]byte, len(raw)/2)
		for i := range down {
			sample := binary.LittleEndian.Uint16(raw[i*2 : i*2+2])
			down[i] = byte(sample >> shift)
		}
		work = down
	}

	if color {
		return work
	}

	bgr := make([]byte, len(work)*3)
	for i, v := range work {
		bgr[i*3] = v
		bgr[i*3+1] = v
		bgr[i*3+2] = v
	}
	return bgr
}
