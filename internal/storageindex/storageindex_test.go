package storageindex

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T) (*Index, string) {
	t.Helper()
	base := t.TempDir()
	camDir := filepath.Join(base, "camera1")
	idx, err := Open(base, []CameraDir{{Name: "camera1", Path: camDir}})
	require.NoError(t, err)
	return idx, camDir
}

func TestRegisterFinalizeRoundTrip(t *testing.T) {
	idx, camDir := newTestIndex(t)
	filename := filepath.Join(camDir, "camera1_recording_20260101_000000.mp4")
	require.NoError(t, os.WriteFile(filename, []byte("data"), 0o644))

	id, err := idx.Register("camera1", filename, time.Now(), "machine_on")
	require.NoError(t, err)

	rec, ok := idx.Get(id)
	require.True(t, ok)
	assert.Equal(t, StatusRecording, rec.Status)

	require.NoError(t, idx.Finalize(id, time.Now(), 5.0, 100))
	rec, _ = idx.Get(id)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.EqualValues(t, 4, rec.FileSizeBytes)
}

func TestListMergesIndexAndDiskDeduped(t *testing.T) {
	idx, camDir := newTestIndex(t)
	filename := filepath.Join(camDir, "indexed.mp4")
	require.NoError(t, os.WriteFile(filename, []byte("x"), 0o644))
	_, err := idx.Register("camera1", filename, time.Now(), "")
	require.NoError(t, err)

	orphan := filepath.Join(camDir, "orphan.mp4")
	require.NoError(t, os.WriteFile(orphan, []byte("y"), 0o644))

	files, err := idx.List(ListFilter{})
	require.NoError(t, err)
	require.Len(t, files, 2)

	var unknownCount int
	for _, f := range files {
		if f.Status == StatusUnknown {
			unknownCount++
		}
	}
	assert.Equal(t, 1, unknownCount)
}

func TestCleanupRemovesOldCompletedFiles(t *testing.T) {
	idx, camDir := newTestIndex(t)
	filename := filepath.Join(camDir, "old.mp4")
	require.NoError(t, os.WriteFile(filename, []byte("z"), 0o644))

	old := time.Now().Add(-100 * 24 * time.Hour)
	id, err := idx.Register("camera1", filename, old, "")
	require.NoError(t, err)
	require.NoError(t, idx.Finalize(id, old, 1, 1))

	result := idx.Cleanup(30 * 24 * time.Hour)
	assert.Equal(t, 1, result.FilesRemoved)
	_, ok := idx.Get(id)
	assert.False(t, ok)
	_, statErr := os.Stat(filename)
	assert.True(t, os.IsNotExist(statErr))
}

func TestVerifyIntegrityFindsMissingAndOrphaned(t *testing.T) {
	idx, camDir := newTestIndex(t)
	missingFile := filepath.Join(camDir, "gone.mp4")
	id, err := idx.Register("camera1", missingFile, time.Now(), "")
	require.NoError(t, err)

	orphan := filepath.Join(camDir, "orphan.mp4")
	require.NoError(t, os.WriteFile(orphan, []byte("o"), 0o644))

	report, err := idx.VerifyIntegrity()
	require.NoError(t, err)
	assert.Contains(t, report.MissingFiles, id)
	assert.Len(t, report.OrphanedFiles, 1)
	assert.Equal(t, 1, report.FixedIssues)
}
