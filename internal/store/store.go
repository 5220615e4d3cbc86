package store

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

const busEventRingCapacity = 100

// Store is the coordinator's single mutex-guarded state registry.
// All getters return deep copies; callers never observe a pointer into
// the store's internal state (spec §5: "read operations return
// immutable snapshots").
type Store struct {
	mu sync.Mutex

	machines map[string]Machine
	cameras  map[string]Camera
	sessions map[string]RecordingSession

	busRing     []BusEventRecord
	busRingHead int
	busSeq      uint64

	sessionSeq uint64
	started    time.Time
}

// New creates an empty Store. started is recorded for SystemSummary's
// uptime-adjacent fields.
func New(started time.Time) *Store {
	return &Store{
		machines: make(map[string]Machine),
		cameras:  make(map[string]Camera),
		sessions: make(map[string]RecordingSession),
		started:  started,
	}
}

// NormalizePayload implements the case-insensitive, trimmed payload
// normalization table from spec §4.1.
func NormalizePayload(raw string) MachineState {
	v := strings.ToLower(strings.TrimSpace(raw))
	switch v {
	case "on", "true", "1", "start", "running", "active":
		return MachineOn
	case "off", "false", "0", "stop", "stopped", "inactive":
		return MachineOff
	case "error", "fault", "alarm":
		return MachineError
	default:
		return MachineState(raw)
	}
}

// UpdateMachine normalizes payload, upserts the machine record, and
// reports whether its state transitioned.
func (s *Store) UpdateMachine(name, rawPayload, topic string, now time.Time) (changed bool) {
	normalized := NormalizePayload(rawPayload)

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.machines[name]
	changed = !existed || prev.State != normalized

	s.machines[name] = Machine{
		Name:        name,
		State:       normalized,
		LastUpdated: now,
		LastMessage: rawPayload,
		Topic:       topic,
	}
	return changed
}

// GetMachine returns a copy of the named machine and whether it exists.
func (s *Store) GetMachine(name string) (Machine, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.machines[name]
	return m, ok
}

// AllMachines returns a copy of every known machine.
func (s *Store) AllMachines() map[string]Machine {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Machine, len(s.machines))
	for k, v := range s.machines {
		out[k] = v
	}
	return out
}

// UpdateCamera upserts status/error/device info for name, returning
// whether the status transitioned.
func (s *Store) UpdateCamera(name string, status CameraStatus, errMsg, deviceInfo string, now time.Time) (changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cam, existed := s.cameras[name]
	changed = !existed || cam.Status != status
	cam.Name = name
	cam.Status = status
	cam.LastError = errMsg
	if deviceInfo != "" {
		cam.DeviceInfo = deviceInfo
	}
	cam.LastChecked = now
	s.cameras[name] = cam
	return changed
}

// SetCameraRecording enforces the recording-ownership invariant
// (is_recording <=> filename != "").
func (s *Store) SetCameraRecording(name string, recording bool, filename string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cam := s.cameras[name]
	cam.Name = name
	if recording {
		cam.CurrentRecordingFilename = filename
		cam.RecordingStartTime = now
	} else {
		cam.CurrentRecordingFilename = ""
		cam.RecordingStartTime = time.Time{}
	}
	s.cameras[name] = cam
}

// SetAutoRecording updates the auto-recording bookkeeping fields on a
// camera record.
func (s *Store) SetAutoRecording(name string, enabled, active bool, failureCount int, lastAttempt time.Time, lastErr string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cam := s.cameras[name]
	cam.Name = name
	cam.AutoRecordingEnabled = enabled
	cam.AutoRecordingActive = active
	cam.AutoRecordingFailureCount = failureCount
	if !lastAttempt.IsZero() {
		cam.AutoRecordingLastAttempt = lastAttempt
	}
	if lastErr != "" {
		cam.AutoRecordingLastError = lastErr
	}
	s.cameras[name] = cam
}

// GetCamera returns a copy of the named camera and whether it exists.
func (s *Store) GetCamera(name string) (Camera, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cameras[name]
	return c, ok
}

// AllCameras returns a copy of every known camera.
func (s *Store) AllCameras() map[string]Camera {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Camera, len(s.cameras))
	for k, v := range s.cameras {
		out[k] = v
	}
	return out
}

// StartSession creates a new recording session in state Recording. The
// spec identifies sessions by filename; ID is the filename itself to
// keep session lookup and index lookup consistent.
func (s *Store) StartSession(camera, filename string, now time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := filename
	s.sessions[id] = RecordingSession{
		ID:         id,
		CameraName: camera,
		Filename:   filename,
		StartTime:  now,
		State:      SessionRecording,
	}
	return id
}

// StopSession transitions a session to Idle with final byte/frame counts.
func (s *Store) StopSession(id string, size, frames int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("unknown session: %s", id)
	}
	sess.State = SessionIdle
	sess.EndTime = now
	sess.BytesWritten = size
	sess.FramesWritten = frames
	s.sessions[id] = sess
	return nil
}

// ErrorSession transitions a session to Error with msg.
func (s *Store) ErrorSession(id, msg string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("unknown session: %s", id)
	}
	sess.State = SessionError
	sess.EndTime = now
	sess.ErrorMessage = msg
	s.sessions[id] = sess
	return nil
}

// GetSession returns a copy of the session and whether it exists.
func (s *Store) GetSession(id string) (RecordingSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// AllSessions returns a copy of every known session.
func (s *Store) AllSessions() map[string]RecordingSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]RecordingSession, len(s.sessions))
	for k, v := range s.sessions {
		out[k] = v
	}
	return out
}

// AddBusEvent appends a record to the bounded ring (capacity 100,
// drop-oldest), assigning a strictly increasing sequence number.
func (s *Store) AddBusEvent(machineName, topic, rawPayload string, normalized MachineState, now time.Time) BusEventRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.busSeq++
	rec := BusEventRecord{
		MachineName:     machineName,
		Topic:           topic,
		RawPayload:      rawPayload,
		NormalizedState: normalized,
		Timestamp:       now,
		Seq:             s.busSeq,
	}
	if len(s.busRing) < busEventRingCapacity {
		s.busRing = append(s.busRing, rec)
	} else {
		s.busRing[s.busRingHead] = rec
		s.busRingHead = (s.busRingHead + 1) % busEventRingCapacity
	}
	return rec
}

// RecentBusEvents returns up to limit of the most recent bus events,
// newest first (matching the control plane's GET /mqtt/events contract).
func (s *Store) RecentBusEvents(limit int) []BusEventRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.busRing)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]BusEventRecord, 0, limit)
	if n < busEventRingCapacity {
		for i := n - 1; i >= n-limit; i-- {
			out = append(out, s.busRing[i])
		}
		return out
	}
	for i := 0; i < limit; i++ {
		idx := (s.busRingHead - 1 - i + 2*busEventRingCapacity) % busEventRingCapacity
		out = append(out, s.busRing[idx])
	}
	return out
}

// BusEventCount returns the total number of bus events ever observed
// (not clamped to ring capacity).
func (s *Store) BusEventCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busSeq
}

// SystemSummary returns an immutable snapshot of overall system state.
func (s *Store) SystemSummary() SystemSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	var active, total int
	for _, sess := range s.sessions {
		total++
		if sess.State == SessionRecording {
			active++
		}
	}
	var lastBus time.Time
	if len(s.busRing) > 0 {
		if s.busRingHead == 0 || len(s.busRing) < busEventRingCapacity {
			lastBus = s.busRing[len(s.busRing)-1].Timestamp
		} else {
			lastBus = s.busRing[(s.busRingHead-1+busEventRingCapacity)%busEventRingCapacity].Timestamp
		}
	}

	return SystemSummary{
		SystemStarted:    s.started,
		MachineCount:     len(s.machines),
		CameraCount:      len(s.cameras),
		ActiveRecordings: active,
		TotalRecordings:  total,
		LastBusEventAt:   lastBus,
	}
}
