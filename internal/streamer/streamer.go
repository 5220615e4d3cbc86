// Package streamer implements per-camera live preview sessions (spec
// §4.7, component C9): an independent, low-rate capture loop that JPEG
// encodes frames into a small drop-oldest ring for multipart MJPEG
// delivery, without interfering with a concurrent recording session on
// the same camera.
//
// Grounded on the original Python service's
// usda_vision_system/camera/streamer.py (a separate camera handle from
// the recorder, a bounded frame queue with drop-oldest-on-full
// semantics, and a multipart/x-mixed-replace byte generator) and on the
// teacher's bounded_worker_pool.go for the capture-goroutine lifecycle
// idiom.
package streamer

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/usda-vision/coordinator/internal/camdevice"
	"github.com/usda-vision/coordinator/internal/errs"
	"github.com/usda-vision/coordinator/internal/eventbus"
	"github.com/usda-vision/coordinator/internal/logging"
)

const (
	ringCapacity   = 5
	grabTimeout    = 200 * time.Millisecond
	frameBoundary  = "--frame\r\nContent-Type: image/jpeg\r\n\r\n"
	frameTrailer   = "\r\n"
)

// Streamer owns one camera's live preview session.
type Streamer struct {
	cameraName string
	adapter    camdevice.Adapter
	handle     camdevice.Handle
	bus        *eventbus.Bus
	logger     *logging.Logger

	mu       sync.Mutex
	running  bool
	session  camdevice.SessionID
	settings camdevice.Settings
	quality  int
	limiter  *rate.Limiter

	ring     [][]byte
	ringHead int

	stopRequested chan struct{}
	loopDone      chan struct{}
}

// New builds a Streamer for one camera. The fps and quality later passed
// to Start follow the camera's preview_fps/preview_quality configuration.
func New(cameraName string, adapter camdevice.Adapter, handle camdevice.Handle, bus *eventbus.Bus, logger *logging.Logger) *Streamer {
	return &Streamer{
		cameraName: cameraName,
		adapter:    adapter,
		handle:     handle,
		bus:        bus,
		logger:     logger,
	}
}

// Start begins streaming at fps with the given JPEG quality (1-100).
// Returns errs.KindConflict if already streaming, and surfaces
// errs.KindDeviceBusy unchanged if the underlying adapter refuses a
// second session on the same handle (e.g. the Recorder already holds
// it exclusively for this vendor SDK).
func (s *Streamer) Start(ctx context.Context, settings camdevice.Settings, fps float64, quality int) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errs.New(errs.KindConflict, "streamer.Start", "camera already streaming")
	}
	s.mu.Unlock()

	session, err := s.adapter.Open(s.handle)
	if err != nil {
		return err
	}
	if err := s.adapter.Configure(session, settings); err != nil {
		s.adapter.Close(session)
		return err
	}
	if err := s.adapter.Play(session); err != nil {
		s.adapter.Close(session)
		return err
	}

	if fps <= 0 {
		fps = 10
	}
	if quality <= 0 {
		quality = 70
	}

	s.mu.Lock()
	s.session = session
	s.settings = settings
	s.quality = quality
	s.limiter = rate.NewLimiter(rate.Limit(fps), 1)
	s.ring = nil
	s.ringHead = 0
	s.stopRequested = make(chan struct{})
	s.loopDone = make(chan struct{})
	s.running = true
	s.mu.Unlock()

	go s.captureLoop()

	s.bus.Publish(eventbus.TopicCameraStatusChanged, "streamer", map[string]interface{}{
		"camera_name": s.cameraName,
		"streaming":   true,
	}, time.Now())

	return nil
}

// Stop idempotently ends the streaming session.
func (s *Streamer) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	stopCh := s.stopRequested
	doneCh := s.loopDone
	session := s.session
	s.mu.Unlock()

	close(stopCh)
	select {
	case <-doneCh:
	case <-time.After(5 * time.Second):
		s.logger.WithField("camera", s.cameraName).Warn("streaming loop did not join within timeout")
	}

	if err := s.adapter.Stop(session); err != nil {
		s.logger.WithField("camera", s.cameraName).Warnf("adapter stop failed: %v", err)
	}
	if err := s.adapter.Close(session); err != nil {
		s.logger.WithField("camera", s.cameraName).Warnf("adapter close failed: %v", err)
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.bus.Publish(eventbus.TopicCameraStatusChanged, "streamer", map[string]interface{}{
		"camera_name": s.cameraName,
		"streaming":   false,
	}, time.Now())

	return nil
}

// IsStreaming reports whether a capture loop is currently running.
func (s *Streamer) IsStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Streamer) captureLoop() {
	defer close(s.loopDone)

	s.mu.Lock()
	session := s.session
	limiter := s.limiter
	settings := s.settings
	s.mu.Unlock()

	for {
		select {
		case <-s.stopRequested:
			return
		default:
		}

		if err := limiter.Wait(context.Background()); err != nil {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), grabTimeout+time.Second)
		raw, header, outcome, err := s.adapter.Grab(ctx, session, grabTimeout)
		cancel()

		if err != nil {
			s.logger.WithField("camera", s.cameraName).Errorf("streaming grab fatal: %v", err)
			return
		}
		if outcome == camdevice.GrabTimeout {
			continue
		}
		if outcome == camdevice.GrabFatal {
			s.logger.WithField("camera", s.cameraName).Error("streaming grab fatal outcome")
			return
		}

		processed, err := s.adapter.Process(session, raw, header)
		if err != nil {
			s.adapter.Release(raw)
			continue
		}
		decoded := camdevice.DecodeFrame(processed, settings.BitDepth, settings.Color)

		jpegBytes, err := encodeJPEG(decoded, header, s.quality)
		s.adapter.Release(raw)
		if err != nil {
			s.logger.WithField("camera", s.cameraName).Warnf("jpeg encode failed: %v", err)
			continue
		}

		s.pushFrame(jpegBytes)
	}
}

// encodeJPEG builds an image.Image from an already bit-depth-decoded BGR
// buffer (camdevice.DecodeFrame has run by the time a frame reaches this
// function) and encodes it at quality.
func encodeJPEG(data []byte, header camdevice.FrameHeader, quality int) ([]byte, error) {
	bounds := image.Rect(0, 0, header.Width, header.Height)
	var img image.Image

	channels := len(data) / (header.Width * header.Height)
	if channels >= 3 {
		rgba := image.NewRGBA(bounds)
		for i := 0; i < header.Width*header.Height; i++ {
			b := data[i*channels]
			g := data[i*channels+1]
			r := data[i*channels+2]
			rgba.Set(i%header.Width, i/header.Width, color.RGBA{R: r, G: g, B: b, A: 255})
		}
		img = rgba
	} else {
		gray := image.NewGray(bounds)
		copy(gray.Pix, data)
		img = gray
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// pushFrame appends frame to the bounded ring, dropping the oldest
// entry when full (spec §4.7 "buffer of 5, drop oldest").
func (s *Streamer) pushFrame(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ring) < ringCapacity {
		s.ring = append(s.ring, frame)
		return
	}
	s.ring[s.ringHead] = frame
	s.ringHead = (s.ringHead + 1) % ringCapacity
}

// LatestFrame returns the most recently captured JPEG frame, or nil if
// none is available yet.
func (s *Streamer) LatestFrame() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ring) == 0 {
		return nil
	}
	if len(s.ring) < ringCapacity {
		return s.ring[len(s.ring)-1]
	}
	idx := (s.ringHead - 1 + ringCapacity) % ringCapacity
	return s.ring[idx]
}

// MultipartChunk wraps frame in the multipart/x-mixed-replace boundary
// framing the control plane's MJPEG endpoint streams directly to
// clients.
func MultipartChunk(frame []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(frameBoundary)
	buf.Write(frame)
	buf.WriteString(frameTrailer)
	return buf.Bytes()
}
