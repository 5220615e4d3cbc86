package cameramanager

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usda-vision/coordinator/internal/camdevice"
	"github.com/usda-vision/coordinator/internal/clock"
	"github.com/usda-vision/coordinator/internal/config"
	"github.com/usda-vision/coordinator/internal/eventbus"
	"github.com/usda-vision/coordinator/internal/logging"
	"github.com/usda-vision/coordinator/internal/storageindex"
	"github.com/usda-vision/coordinator/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *store.Store, *eventbus.Bus) {
	t.Helper()
	base := t.TempDir()
	camDir := filepath.Join(base, "camera1")

	adapter := camdevice.NewMock("camera1")
	idx, err := storageindex.Open(base, []storageindex.CameraDir{{Name: "camera1", Path: camDir}})
	require.NoError(t, err)
	st := store.New(time.Now())
	bus := eventbus.New(nil)
	logger := logging.NewLogger("test")
	fmtr, err := clock.NewFormatter("UTC")
	require.NoError(t, err)
	fakeClock := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	m := New(adapter, st, idx, bus, logger, fakeClock, fmtr)
	cfg := &config.Config{
		Cameras: []config.CameraConfig{
			{Name: "camera1", MachineTopic: "conveyor", StoragePath: camDir, Enabled: true, BitDepth: 8, TargetFPS: 0, AutoStartRecordingEnabled: false},
		},
	}
	require.NoError(t, m.Start(cfg))
	return m, st, bus
}

func TestStartRecordingAndStopManual(t *testing.T) {
	m, st, _ := newTestManager(t)

	filename, err := m.StartRecording(context.Background(), "camera1", "", "manual")
	require.NoError(t, err)
	assert.NotEmpty(t, filename)

	cam, ok := st.GetCamera("camera1")
	require.True(t, ok)
	assert.True(t, cam.IsRecording())

	require.NoError(t, m.StopRecording(context.Background(), "camera1"))
	cam, _ = st.GetCamera("camera1")
	assert.False(t, cam.IsRecording())
}

func TestUnknownCameraReturnsNotFound(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.StartRecording(context.Background(), "nope", "", "")
	assert.Error(t, err)
}

func TestMachineOffStopsActiveRecording(t *testing.T) {
	m, st, bus := newTestManager(t)

	_, err := m.StartRecording(context.Background(), "camera1", "", "machine_on")
	require.NoError(t, err)

	bus.Publish(eventbus.TopicMachineStateChanged, "test", map[string]interface{}{
		"machine_name": "conveyor",
		"state":        "off",
	}, time.Now())

	require.Eventually(t, func() bool {
		cam, _ := st.GetCamera("camera1")
		return !cam.IsRecording()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestApplyConfigNoopWhenNotRecording(t *testing.T) {
	m, _, _ := newTestManager(t)
	restart, err := m.ApplyConfig(context.Background(), "camera1")
	require.NoError(t, err)
	assert.False(t, restart)
}

func TestFullResetStopsRecordingAndReopensDevice(t *testing.T) {
	m, st, _ := newTestManager(t)
	_, err := m.StartRecording(context.Background(), "camera1", "", "manual")
	require.NoError(t, err)

	require.NoError(t, m.FullReset("camera1"))

	cam, _ := st.GetCamera("camera1")
	assert.False(t, cam.IsRecording())

	// the device must be reopenable after a reset
	_, err = m.StartRecording(context.Background(), "camera1", "", "manual")
	require.NoError(t, err)
}

func TestFullResetUnknownCameraReturnsNotFound(t *testing.T) {
	m, _, _ := newTestManager(t)
	assert.Error(t, m.FullReset("nope"))
}

func TestStopStopsAllActiveSessions(t *testing.T) {
	m, st, _ := newTestManager(t)
	_, err := m.StartRecording(context.Background(), "camera1", "", "")
	require.NoError(t, err)

	require.NoError(t, m.Stop(context.Background()))
	cam, _ := st.GetCamera("camera1")
	assert.False(t, cam.IsRecording())
}
