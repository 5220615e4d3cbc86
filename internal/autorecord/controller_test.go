package autorecord

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usda-vision/coordinator/internal/clock"
	"github.com/usda-vision/coordinator/internal/config"
	"github.com/usda-vision/coordinator/internal/eventbus"
	"github.com/usda-vision/coordinator/internal/logging"
	"github.com/usda-vision/coordinator/internal/store"
)

type fakeMgr struct {
	mu          sync.Mutex
	startCalls  int
	stopCalls   int
	failUntil   int
	started     map[string]bool
}

func newFakeMgr() *fakeMgr {
	return &fakeMgr{started: make(map[string]bool)}
}

func (f *fakeMgr) StartRecording(ctx context.Context, cameraName, filename, machineTrigger string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	if f.startCalls <= f.failUntil {
		return "", assertErr{"simulated start failure"}
	}
	f.started[cameraName] = true
	return cameraName + "_recording.bin", nil
}

func (f *fakeMgr) StopRecording(ctx context.Context, cameraName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	f.started[cameraName] = false
	return nil
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }

// The scheduler's ticker always advances in real time, so controller
// tests use the real clock and keep configured retry delays short
// rather than injecting a Fake (which would never let a tick observe a
// due retry).
func newTestController(t *testing.T, mgr *fakeMgr, camCfg config.CameraConfig) (*Controller, *store.Store, *eventbus.Bus) {
	t.Helper()
	st := store.New(time.Now())
	bus := eventbus.New(nil)
	logger := logging.NewLogger("test")

	c := New(mgr, st, bus, logger, clock.Real{}, []config.CameraConfig{camCfg})
	c.Start()
	t.Cleanup(func() { c.Stop(context.Background()) })
	return c, st, bus
}

func TestMachineOnStartsRecordingWhenEnabled(t *testing.T) {
	mgr := newFakeMgr()
	camCfg := config.CameraConfig{Name: "camera1", MachineTopic: "conveyor", Enabled: true, AutoStartRecordingEnabled: true, AutoRecordingMaxRetries: 3, AutoRecordingRetryDelaySeconds: 1}
	_, st, bus := newTestController(t, mgr, camCfg)

	bus.Publish(eventbus.TopicMachineStateChanged, "test", map[string]interface{}{"machine_name": "conveyor", "state": "on"}, time.Now())

	require.Eventually(t, func() bool {
		mgr.mu.Lock()
		defer mgr.mu.Unlock()
		return mgr.startCalls == 1
	}, time.Second, 10*time.Millisecond)

	cam, ok := st.GetCamera("camera1")
	require.True(t, ok)
	assert.True(t, cam.AutoRecordingActive)
	assert.Equal(t, 0, cam.AutoRecordingFailureCount)
}

func TestMachineOffClearsRetryQueueAndStops(t *testing.T) {
	mgr := newFakeMgr()
	mgr.failUntil = 100
	camCfg := config.CameraConfig{Name: "camera1", MachineTopic: "conveyor", Enabled: true, AutoStartRecordingEnabled: true, AutoRecordingMaxRetries: 5, AutoRecordingRetryDelaySeconds: 1}
	c, st, bus := newTestController(t, mgr, camCfg)

	bus.Publish(eventbus.TopicMachineStateChanged, "test", map[string]interface{}{"machine_name": "conveyor", "state": "on"}, time.Now())
	require.Eventually(t, func() bool {
		mgr.mu.Lock()
		defer mgr.mu.Unlock()
		return mgr.startCalls >= 1
	}, time.Second, 10*time.Millisecond)

	bus.Publish(eventbus.TopicMachineStateChanged, "test", map[string]interface{}{"machine_name": "conveyor", "state": "off"}, time.Now())

	require.Eventually(t, func() bool {
		mgr.mu.Lock()
		defer mgr.mu.Unlock()
		return mgr.stopCalls == 1
	}, time.Second, 10*time.Millisecond)

	c.mu.Lock()
	_, queued := c.queue["camera1"]
	c.mu.Unlock()
	assert.False(t, queued)

	cam, _ := st.GetCamera("camera1")
	assert.False(t, cam.AutoRecordingActive)
}

func TestRetryExhaustionMarksTerminalError(t *testing.T) {
	mgr := newFakeMgr()
	mgr.failUntil = 1000
	camCfg := config.CameraConfig{Name: "camera1", MachineTopic: "conveyor", Enabled: true, AutoStartRecordingEnabled: true, AutoRecordingMaxRetries: 1, AutoRecordingRetryDelaySeconds: 0.05}
	c, st, bus := newTestController(t, mgr, camCfg)

	bus.Publish(eventbus.TopicMachineStateChanged, "test", map[string]interface{}{"machine_name": "conveyor", "state": "on"}, time.Now())

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		_, queued := c.queue["camera1"]
		return !queued
	}, 3*time.Second, 20*time.Millisecond)

	cam, ok := st.GetCamera("camera1")
	require.True(t, ok)
	assert.False(t, cam.AutoRecordingActive)
	assert.Contains(t, cam.AutoRecordingLastError, "exhausted")
}
