package camdevice

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/usda-vision/coordinator/internal/errs"
)

// FailureMode injects a deterministic fault into a MockAdapter session.
type FailureMode int

const (
	FailNone FailureMode = iota
	FailOpenBusy
	FailOpenNotFound
	FailGrabTimeout
	FailGrabFatal
)

type mockSession struct {
	handle   Handle
	settings Settings
	playing  bool
	frame    int64
	fail     FailureMode
}

// MockAdapter is a deterministic in-memory stand-in for the vendor SDK,
// used by the Recorder and Streamer test suites and by the coordinator
// binary when no real hardware binding is configured. It generates
// synthetic frames on a fixed cadence and can be told to fail specific
// sessions in specific ways.
type MockAdapter struct {
	mu       sync.Mutex
	handles  []Handle
	sessions map[SessionID]*mockSession
	nextID   SessionID
	failBy   map[string]FailureMode // keyed by handle name
}

// NewMock builds a MockAdapter exposing the given device names.
func NewMock(deviceNames ...string) *MockAdapter {
	handles := make([]Handle, len(deviceNames))
	for i, n := range deviceNames {
		handles[i] = Handle{Index: i, Name: n}
	}
	return &MockAdapter{
		handles:  handles,
		sessions: make(map[SessionID]*mockSession),
		failBy:   make(map[string]FailureMode),
	}
}

// SetFailure arms every later Open/Grab of deviceName, including Grabs on
// sessions already open, to fail with mode until it is set to FailNone.
func (m *MockAdapter) SetFailure(deviceName string, mode FailureMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failBy[deviceName] = mode
}

func (m *MockAdapter) Init() error { return nil }

func (m *MockAdapter) Enumerate() ([]Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Handle, len(m.handles))
	copy(out, m.handles)
	return out, nil
}

func (m *MockAdapter) Open(handle Handle) (SessionID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.failBy[handle.Name] {
	case FailOpenBusy:
		return 0, errs.New(errs.KindDeviceBusy, "camdevice.Open", fmt.Sprintf("device %s busy", handle.Name))
	case FailOpenNotFound:
		return 0, errs.New(errs.KindDeviceNotFound, "camdevice.Open", fmt.Sprintf("device %s not found", handle.Name))
	}

	for _, s := range m.sessions {
		if s.handle == handle {
			return 0, errs.New(errs.KindDeviceBusy, "camdevice.Open", fmt.Sprintf("device %s already open", handle.Name))
		}
	}

	m.nextID++
	id := m.nextID
	m.sessions[id] = &mockSession{handle: handle, fail: m.failBy[handle.Name]}
	return id, nil
}

func (m *MockAdapter) get(session SessionID) (*mockSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[session]
	if !ok {
		return nil, errs.New(errs.KindDeviceNotFound, "camdevice", "unknown session")
	}
	return s, nil
}

func (m *MockAdapter) Configure(session SessionID, settings Settings) error {
	s, err := m.get(session)
	if err != nil {
		return err
	}
	m.mu.Lock()
	s.settings = settings
	m.mu.Unlock()
	return nil
}

func (m *MockAdapter) Play(session SessionID) error {
	s, err := m.get(session)
	if err != nil {
		return err
	}
	m.mu.Lock()
	s.playing = true
	m.mu.Unlock()
	return nil
}

func (m *MockAdapter) Stop(session SessionID) error {
	s, err := m.get(session)
	if err != nil {
		return err
	}
	m.mu.Lock()
	s.playing = false
	m.mu.Unlock()
	return nil
}

func (m *MockAdapter) Close(session SessionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, session)
	return nil
}

func (m *MockAdapter) Grab(ctx context.Context, session SessionID, timeout time.Duration) ([]byte, FrameHeader, GrabOutcome, error) {
	s, err := m.get(session)
	if err != nil {
		return nil, FrameHeader{}, GrabFatal, err
	}

	m.mu.Lock()
	fail := m.failBy[s.handle.Name]
	m.mu.Unlock()

	if fail == FailGrabTimeout {
		select {
		case <-time.After(timeout):
		case <-ctx.Done():
		}
		return nil, FrameHeader{}, GrabTimeout, nil
	}
	if fail == FailGrabFatal {
		return nil, FrameHeader{}, GrabFatal, errs.New(errs.KindGrabFatal, "camdevice.Grab", "simulated fatal grab failure")
	}

	width, height := 640, 480
	bpp := BytesPerPixel(s.settings.BitDepth, s.settings.Color)
	if bpp == 0 {
		bpp = 1
	}
	buf := make([]byte, width*height*bpp)
	rand.New(rand.NewSource(int64(session) + s.frame)).Read(buf)

	m.mu.Lock()
	s.frame++
	m.mu.Unlock()

	return buf, FrameHeader{Width: width, Height: height, PixelType: "mock", Bytes: len(buf)}, GrabOK, nil
}

func (m *MockAdapter) Process(session SessionID, raw []byte, header FrameHeader) ([]byte, error) {
	return raw, nil
}

func (m *MockAdapter) Release(raw []byte) {}

func (m *MockAdapter) AllocateAligned(size, alignment int) ([]byte, error) {
	return make([]byte, size), nil
}

func (m *MockAdapter) FreeAligned(buf []byte) {}

func (m *MockAdapter) TestConnection(session SessionID) error {
	_, err := m.get(session)
	return err
}

func (m *MockAdapter) Reconnect(session SessionID) error {
	_, err := m.get(session)
	return err
}

func (m *MockAdapter) RestartGrab(session SessionID) error {
	_, err := m.get(session)
	return err
}

func (m *MockAdapter) ResetTimestamp(session SessionID) error {
	s, err := m.get(session)
	if err != nil {
		return err
	}
	m.mu.Lock()
	s.frame = 0
	m.mu.Unlock()
	return nil
}

func (m *MockAdapter) FullReset(handle Handle, session SessionID) (SessionID, error) {
	_ = m.Close(session)
	return m.Open(handle)
}
