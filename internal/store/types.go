// Package store implements the coordinator's single mutex-guarded state
// registry (spec §4.1, component C3): machine states, camera statuses,
// recording sessions, and the bus-event ring.
//
// Grounded on the reference service's mutex-guarded map idiom (seen
// throughout internal/websocket) and the immutable-snapshot copy-out
// pattern from the retrieved tiUlisses-cam-bus supervisor's
// snapshotWorkers helper.
package store

import "time"

// MachineState is the normalized on/off/error/unknown state of one
// industrial machine.
type MachineState string

const (
	MachineUnknown MachineState = "unknown"
	MachineOn      MachineState = "on"
	MachineOff     MachineState = "off"
	MachineError   MachineState = "error"
)

// Machine is the coordinator's view of one industrial machine's telemetry.
type Machine struct {
	Name        string
	State       MachineState
	LastUpdated time.Time
	LastMessage string
	Topic       string
}

// CameraStatus is the lifecycle status of one logical camera.
type CameraStatus string

const (
	CameraUnknown      CameraStatus = "unknown"
	CameraAvailable    CameraStatus = "available"
	CameraBusy         CameraStatus = "busy"
	CameraError        CameraStatus = "error"
	CameraDisconnected CameraStatus = "disconnected"
	CameraNotFound     CameraStatus = "not_found"
)

// Camera is the coordinator's view of one logical camera.
type Camera struct {
	Name        string
	Status      CameraStatus
	LastChecked time.Time
	LastError   string
	DeviceInfo  string

	CurrentRecordingFilename string
	RecordingStartTime       time.Time

	AutoRecordingEnabled      bool
	AutoRecordingActive       bool
	AutoRecordingFailureCount int
	AutoRecordingLastAttempt  time.Time
	AutoRecordingLastError    string
}

// IsRecording reports the invariant is_recording <=> filename != "".
func (c Camera) IsRecording() bool { return c.CurrentRecordingFilename != "" }

// SessionState is the lifecycle state of one recording session.
type SessionState string

const (
	SessionRecording SessionState = "recording"
	SessionStopping  SessionState = "stopping"
	SessionIdle      SessionState = "idle"
	SessionError     SessionState = "error"
)

// RecordingSession is identified by its output filename.
type RecordingSession struct {
	ID            string
	CameraName    string
	Filename      string
	StartTime     time.Time
	State         SessionState
	EndTime       time.Time
	BytesWritten  int64
	FramesWritten int64
	ErrorMessage  string
}

// BusEventRecord is one entry in the bounded bus-event ring (spec §3).
type BusEventRecord struct {
	MachineName     string
	Topic           string
	RawPayload      string
	NormalizedState MachineState
	Timestamp       time.Time
	Seq             uint64
}

// SystemSummary is an immutable snapshot suitable for serialization by
// the control plane.
type SystemSummary struct {
	SystemStarted     time.Time
	MachineCount      int
	CameraCount       int
	ActiveRecordings  int
	TotalRecordings   int
	LastBusEventAt    time.Time
}
