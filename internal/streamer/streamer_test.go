package streamer

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usda-vision/coordinator/internal/camdevice"
	"github.com/usda-vision/coordinator/internal/eventbus"
	"github.com/usda-vision/coordinator/internal/logging"
)

func newTestStreamer(t *testing.T) (*Streamer, *camdevice.MockAdapter) {
	t.Helper()
	adapter := camdevice.NewMock("camera1")
	bus := eventbus.New(nil)
	logger := logging.NewLogger("test")
	s := New("camera1", adapter, camdevice.Handle{Index: 0, Name: "camera1"}, bus, logger)
	return s, adapter
}

func TestStreamerStartStopRoundTrip(t *testing.T) {
	s, _ := newTestStreamer(t)

	require.NoError(t, s.Start(context.Background(), camdevice.Settings{BitDepth: 8, Color: true}, 20, 70))
	assert.True(t, s.IsStreaming())

	require.Eventually(t, func() bool {
		return s.LatestFrame() != nil
	}, 2*time.Second, 10*time.Millisecond)

	frame := s.LatestFrame()
	assert.True(t, bytes.HasPrefix(frame, []byte{0xFF, 0xD8}), "expected JPEG SOI marker")

	require.NoError(t, s.Stop(context.Background()))
	assert.False(t, s.IsStreaming())
}

func TestStreamerStartRejectsDoubleStart(t *testing.T) {
	s, _ := newTestStreamer(t)
	require.NoError(t, s.Start(context.Background(), camdevice.Settings{BitDepth: 8}, 10, 70))
	defer s.Stop(context.Background())

	err := s.Start(context.Background(), camdevice.Settings{BitDepth: 8}, 10, 70)
	assert.Error(t, err)
}

func TestStreamerStopIsIdempotent(t *testing.T) {
	s, _ := newTestStreamer(t)
	assert.NoError(t, s.Stop(context.Background()))
}

func TestMultipartChunkFraming(t *testing.T) {
	chunk := MultipartChunk([]byte("fakejpeg"))
	assert.True(t, bytes.Contains(chunk, []byte("Content-Type: image/jpeg")))
	assert.True(t, bytes.Contains(chunk, []byte("fakejpeg")))
}

func TestStreamerDropsOldestWhenRingFull(t *testing.T) {
	s, _ := newTestStreamer(t)
	for i := 0; i < ringCapacity+2; i++ {
		s.pushFrame([]byte{byte(i)})
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Len(t, s.ring, ringCapacity)
	assert.Equal(t, [][]byte{{5}, {6}, {2}, {3}, {4}}, s.ring, "frames 0 and 1 are overwritten first")
}
