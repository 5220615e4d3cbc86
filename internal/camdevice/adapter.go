// Package camdevice defines the thin, isolated capability surface over
// the vendor camera SDK (spec §4.5, component C7): enumerate, open,
// configure, play/stop/close, grab/process/release, aligned allocation,
// and recovery primitives.
//
// Grounded on the reference service's interface-plus-Real-implementation
// split (internal/camera/interfaces.go): an abstract Adapter interface
// keeps the Recorder and Streamer testable against a deterministic Mock,
// while the real vendor SDK binding stays out of scope (spec §1).
package camdevice

import (
	"context"
	"time"
)

// Handle identifies one physical device as returned by Enumerate.
type Handle struct {
	Index int
	Name  string
}

// SessionID identifies one open acquisition of a device. A given Handle
// may have at most two concurrent sessions: one Recorder, one Streamer.
type SessionID int64

// GrabOutcome classifies the result of a Grab call.
type GrabOutcome int

const (
	GrabOK GrabOutcome = iota
	GrabTimeout
	GrabFatal
)

// FrameHeader describes one grabbed frame's shape.
type FrameHeader struct {
	Width     int
	Height    int
	PixelType string
	Bytes     int
}

// Settings is the full ISP configuration surface (spec §4.5/§6).
type Settings struct {
	BitDepth int // 8, 10, 12, 16
	Color    bool

	ExposureUs float64
	Gain       float64

	Sharpness  int
	Contrast   int
	Saturation int
	Gamma      int

	NoiseFilterEnabled bool
	Denoise3DEnabled   bool

	AutoWhiteBalance       bool
	ColorTemperaturePreset int
	WBRedGain              float64
	WBGreenGain            float64
	WBBlueGain             float64

	AntiFlickerEnabled bool
	LightFrequency     int

	HDREnabled  bool
	HDRGainMode int
}

// LiveUpdatableFrom reports whether a settings change from prev can be applied to a
// running session, versus requiring a session restart (spec §4.6
// "Dynamic reconfiguration"). BitDepth and the noise-filter engine are
// the two settings that require teardown.
func (s Settings) LiveUpdatableFrom(prev Settings) (ok bool, rejected string) {
	if s.BitDepth != prev.BitDepth {
		return false, "bit_depth requires a session restart"
	}
	if s.NoiseFilterEnabled != prev.NoiseFilterEnabled || s.Denoise3DEnabled != prev.Denoise3DEnabled {
		return false, "noise filter engine requires a session restart"
	}
	return true, ""
}

// Adapter is the vendor-SDK-neutral capability surface the Recorder and
// Streamer are built against.
type Adapter interface {
	// Init performs process-wide SDK initialization. Idempotent.
	Init() error

	Enumerate() ([]Handle, error)

	// Open acquires exclusive access to one session on handle. May
	// return an *errs.Error with Kind DeviceBusy/DeviceNotFound/
	// DeviceAccessDenied.
	Open(handle Handle) (SessionID, error)
	Configure(session SessionID, settings Settings) error
	Play(session SessionID) error
	Stop(session SessionID) error
	Close(session SessionID) error

	Grab(ctx context.Context, session SessionID, timeout time.Duration) (raw []byte, header FrameHeader, outcome GrabOutcome, err error)
	Process(session SessionID, raw []byte, header FrameHeader) (out []byte, err error)
	Release(raw []byte)

	AllocateAligned(size, alignment int) ([]byte, error)
	FreeAligned(buf []byte)

	TestConnection(session SessionID) error
	Reconnect(session SessionID) error
	RestartGrab(session SessionID) error
	ResetTimestamp(session SessionID) error
	FullReset(handle Handle, session SessionID) (SessionID, error)
}

// BytesPerPixel returns the per-pixel byte footprint for the configured
// bit depth/color combination, used to size the output buffer
// (max_w * max_h * BytesPerPixel(...)).
func BytesPerPixel(bitDepth int, color bool) int {
	channels := 1
	if color {
		channels = 3
	}
	if bitDepth > 8 {
		return 2 * channels
	}
	return channels
}
