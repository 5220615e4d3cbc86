// Package recorder implements per-camera capture sessions (spec §4.6,
// component C8): lazy device acquisition, a capture loop that grabs
// frames and writes them to a recording file, dynamic reconfiguration,
// and idempotent start/stop with Storage Index accounting.
//
// Grounded on the original Python service's
// usda_vision_system/camera/recorder.py for the capture-loop shape
// (200ms grab timeout, per-frame write, fps-based pacing, a capture test
// before committing to a session) and on the teacher's
// internal/mediamtx/recording_manager.go for the session-map-plus-mutex
// structure and logrus field conventions.
package recorder

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/usda-vision/coordinator/internal/camdevice"
	"github.com/usda-vision/coordinator/internal/clock"
	"github.com/usda-vision/coordinator/internal/errs"
	"github.com/usda-vision/coordinator/internal/eventbus"
	"github.com/usda-vision/coordinator/internal/logging"
	"github.com/usda-vision/coordinator/internal/storageindex"
	"github.com/usda-vision/coordinator/internal/store"
)

// State is the per-camera recorder state machine (spec §4.6).
type State string

const (
	StateIdle     State = "idle"
	StateOpening  State = "opening"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateError    State = "error"
)

const (
	grabTimeout = 200 * time.Millisecond
	stopJoinMax = 5 * time.Second
)

// Recorder owns one camera's recording lifecycle.
type Recorder struct {
	cameraName  string
	adapter     camdevice.Adapter
	handle      camdevice.Handle
	storagePath string

	store      *store.Store
	index      *storageindex.Index
	bus        *eventbus.Bus
	logger     *logging.Logger
	clock      clock.Clock
	formatter  *clock.Formatter

	mu       sync.Mutex
	state    State
	settings camdevice.Settings
	fps      float64

	session       camdevice.SessionID
	fileID        string
	filename      string
	writer        FrameWriter
	frameCount    int64
	startedAt     time.Time
	stopRequested chan struct{}
	loopDone      chan struct{}
}

// New builds a Recorder for one camera. It does not open the device;
// device acquisition happens lazily on the first Start.
func New(cameraName string, adapter camdevice.Adapter, handle camdevice.Handle, storagePath string,
	st *store.Store, index *storageindex.Index, bus *eventbus.Bus, logger *logging.Logger, clk clock.Clock, fmtr *clock.Formatter) *Recorder {
	return &Recorder{
		cameraName:  cameraName,
		adapter:     adapter,
		handle:      handle,
		storagePath: storagePath,
		store:       st,
		index:       index,
		bus:         bus,
		logger:      logger,
		clock:       clk,
		formatter:   fmtr,
		state:       StateIdle,
	}
}

// generateFilename implements spec's two filename rules: a supplied name
// is prefixed with a timestamp, otherwise one is derived from the camera
// name and format.
func (r *Recorder) generateFilename(supplied, ext string) string {
	ts := r.formatter.FilenameTimestamp(r.clock.Now())
	if supplied != "" {
		return fmt.Sprintf("%s_%s", ts, supplied)
	}
	return fmt.Sprintf("%s_recording_%s.%s", r.cameraName, ts, ext)
}

// Start begins a recording session. requestedFilename may be empty to
// use the default naming rule, in which case videoFormat (the camera's
// configured container extension, e.g. "mp4") is appended. Configure is
// applied before Play so the first grabbed frame already reflects
// settings.
func (r *Recorder) Start(ctx context.Context, settings camdevice.Settings, targetFPS float64, requestedFilename string, videoFormat string, machineTrigger string) (string, error) {
	r.mu.Lock()
	if r.state == StateRunning || r.state == StateOpening {
		r.mu.Unlock()
		return "", errs.New(errs.KindConflict, "recorder.Start", fmt.Sprintf("camera %s already recording", r.cameraName))
	}
	r.state = StateOpening
	r.fps = targetFPS
	r.mu.Unlock()

	session, err := r.adapter.Open(r.handle)
	if err != nil {
		r.fail(err)
		return "", err
	}
	if err := r.adapter.Configure(session, settings); err != nil {
		r.adapter.Close(session)
		r.fail(err)
		return "", err
	}
	if err := r.adapter.Play(session); err != nil {
		r.adapter.Close(session)
		r.fail(err)
		return "", err
	}

	// Capture test before committing to a session, matching the original
	// service's pre-flight grab.
	if _, _, outcome, err := r.adapter.Grab(ctx, session, time.Second); err != nil || outcome == camdevice.GrabFatal {
		r.adapter.Stop(session)
		r.adapter.Close(session)
		wrapped := errs.Wrap(errs.KindGrabFatal, "recorder.Start", "capture test failed", err)
		r.fail(wrapped)
		return "", wrapped
	}

	ext := videoFormat
	if ext == "" {
		ext = "bin"
	}
	filename := r.generateFilename(requestedFilename, ext)
	fullPath := filepath.Join(r.storagePath, filename)

	writer, err := newRawContainerWriter(fullPath, int(settings.BitDepth))
	if err != nil {
		r.adapter.Stop(session)
		r.adapter.Close(session)
		r.fail(err)
		return "", err
	}

	now := r.clock.Now()
	fileID, err := r.index.Register(r.cameraName, fullPath, now, machineTrigger)
	if err != nil {
		r.logger.WithField("camera", r.cameraName).Warnf("failed to register recording in storage index: %v", err)
	}

	r.mu.Lock()
	r.session = session
	r.settings = settings
	r.fileID = fileID
	r.filename = fullPath
	r.frameCount = 0
	r.startedAt = now
	r.stopRequested = make(chan struct{})
	r.loopDone = make(chan struct{})
	r.writer = writer
	r.state = StateRunning
	r.mu.Unlock()

	r.store.StartSession(r.cameraName, fullPath, now)
	r.store.SetCameraRecording(r.cameraName, true, fullPath, now)

	go r.captureLoop()

	r.bus.Publish(eventbus.TopicRecordingStarted, "recorder", map[string]interface{}{
		"camera_name": r.cameraName,
		"filename":    fullPath,
	}, now)

	return fullPath, nil
}

func (r *Recorder) fail(cause error) {
	r.mu.Lock()
	r.state = StateError
	r.mu.Unlock()
	r.store.UpdateCamera(r.cameraName, store.CameraError, cause.Error(), "", r.clock.Now())
}

func (r *Recorder) captureLoop() {
	defer close(r.loopDone)

	r.mu.Lock()
	session := r.session
	writer := r.writer
	settings := r.settings
	fps := r.fpsOrDefault()
	r.mu.Unlock()

	for {
		select {
		case <-r.stopRequested:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), grabTimeout+time.Second)
		raw, header, outcome, err := r.adapter.Grab(ctx, session, grabTimeout)
		cancel()

		if err != nil {
			r.logger.WithField("camera", r.cameraName).Errorf("grab fatal: %v", err)
			r.publishError(err)
			return
		}
		if outcome == camdevice.GrabTimeout {
			continue
		}
		if outcome == camdevice.GrabFatal {
			r.publishError(errs.New(errs.KindGrabFatal, "recorder.captureLoop", "fatal grab error"))
			return
		}

		processed, err := r.adapter.Process(session, raw, header)
		if err != nil {
			r.adapter.Release(raw)
			r.publishError(errs.Wrap(errs.KindWriteFailure, "recorder.captureLoop", "frame process failed", err))
			continue
		}
		decoded := camdevice.DecodeFrame(processed, settings.BitDepth, settings.Color)

		if err := writer.WriteFrame(decoded, header); err != nil {
			r.adapter.Release(raw)
			r.publishError(errs.Wrap(errs.KindWriteFailure, "recorder.captureLoop", "frame write failed", err))
			continue
		}
		r.adapter.Release(raw)

		r.mu.Lock()
		r.frameCount++
		r.mu.Unlock()

		if fps > 0 {
			time.Sleep(time.Duration(float64(time.Second) / fps))
		}
	}
}

func (r *Recorder) fpsOrDefault() float64 {
	if r.fps > 0 {
		return r.fps
	}
	return 0
}

func (r *Recorder) publishError(err error) {
	r.mu.Lock()
	r.state = StateError
	r.mu.Unlock()
	r.bus.Publish(eventbus.TopicRecordingError, "recorder", map[string]interface{}{
		"camera_name": r.cameraName,
		"error":       err.Error(),
	}, r.clock.Now())
	r.store.UpdateCamera(r.cameraName, store.CameraError, err.Error(), "", r.clock.Now())
}

// Stop idempotently ends the current recording. Once the capture
// goroutine has joined, success is reported even if the subsequent
// device close fails (spec §9 stop-path decision).
func (r *Recorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateRunning {
		r.mu.Unlock()
		return nil
	}
	r.state = StateStopping
	stopCh := r.stopRequested
	doneCh := r.loopDone
	session := r.session
	writer := r.writer
	fileID := r.fileID
	filename := r.filename
	startedAt := r.startedAt
	r.mu.Unlock()

	close(stopCh)

	select {
	case <-doneCh:
	case <-time.After(stopJoinMax):
		r.logger.WithField("camera", r.cameraName).Warn("capture loop did not join within timeout")
	}

	bytesWritten, werr := writer.Close()
	if werr != nil {
		r.logger.WithField("camera", r.cameraName).Errorf("failed to close recording writer: %v", werr)
	}

	r.mu.Lock()
	frameCount := r.frameCount
	r.mu.Unlock()

	now := r.clock.Now()
	duration := now.Sub(startedAt).Seconds()

	if fileID != "" {
		if err := r.index.Finalize(fileID, now, duration, frameCount); err != nil {
			r.logger.WithField("camera", r.cameraName).Warnf("failed to finalize storage index entry: %v", err)
		}
	}

	_ = r.store.StopSession(filename, bytesWritten, frameCount, now)
	r.store.SetCameraRecording(r.cameraName, false, "", now)

	if cerr := r.adapter.Stop(session); cerr != nil {
		r.logger.WithField("camera", r.cameraName).Warnf("adapter stop failed: %v", cerr)
	}
	if cerr := r.adapter.Close(session); cerr != nil {
		r.logger.WithField("camera", r.cameraName).Warnf("adapter close failed: %v", cerr)
		_ = r.store.ErrorSession(filename, fmt.Sprintf("device close failed: %v", cerr), now)
	}

	r.mu.Lock()
	r.state = StateIdle
	r.mu.Unlock()

	r.bus.Publish(eventbus.TopicRecordingStopped, "recorder", map[string]interface{}{
		"camera_name": r.cameraName,
		"filename":    filename,
		"duration":    duration,
	}, now)

	return nil
}

// State returns the recorder's current state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// IsRecording reports whether a capture loop is currently running.
func (r *Recorder) IsRecording() bool {
	return r.State() == StateRunning
}

// Session returns the currently open device session, if recording.
func (r *Recorder) Session() (camdevice.SessionID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateRunning {
		return 0, false
	}
	return r.session, true
}

// ApplyConfig updates the running session's settings. Settings flagged
// non-live-updatable by Settings.LiveUpdatableFrom require a restart:
// the caller is told so via the returned bool and must Stop/Start itself.
func (r *Recorder) ApplyConfig(ctx context.Context, settings camdevice.Settings) (restartRequired bool, err error) {
	r.mu.Lock()
	prev := r.settings
	session := r.session
	running := r.state == StateRunning
	r.mu.Unlock()

	if !running {
		return false, errs.New(errs.KindInvalidRequest, "recorder.ApplyConfig", "camera is not recording")
	}

	if ok, _ := settings.LiveUpdatableFrom(prev); !ok {
		return true, nil
	}

	if err := r.adapter.Configure(session, settings); err != nil {
		return false, err
	}
	r.mu.Lock()
	r.settings = settings
	r.mu.Unlock()
	return false, nil
}
