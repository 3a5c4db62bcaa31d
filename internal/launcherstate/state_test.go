package launcherstate_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentsupervisor/internal/apperrors"
	"github.com/kandev/agentsupervisor/internal/launcherstate"
)

func TestReadMissingFileIsNotFound(t *testing.T) {
	_, err := launcherstate.Read(t.TempDir(), "a1")
	assert.True(t, apperrors.Is(err, apperrors.NotFound))
}

func TestReadUnparseableFileIsExternalFailure(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(launcherstate.StatePath(dir, "a1"), []byte("not json"), 0o644))

	_, err := launcherstate.Read(dir, "a1")
	assert.True(t, apperrors.Is(err, apperrors.ExternalFailure))
}

func TestReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	st := launcherstate.State{ID: "a1", Type: "worker", Status: "running", PID: 1234}
	data, err := json.Marshal(st)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(launcherstate.StatePath(dir, "a1"), data, 0o644))

	got, err := launcherstate.Read(dir, "a1")
	require.NoError(t, err)
	assert.Equal(t, "running", got.Status)
	assert.True(t, launcherstate.IsReady(got))
}

func TestIsReadyFalseForNilOrNonRunning(t *testing.T) {
	assert.False(t, launcherstate.IsReady(nil))
	assert.False(t, launcherstate.IsReady(&launcherstate.State{Status: "starting"}))
}

func TestShutdownSignalLifecycle(t *testing.T) {
	dir := t.TempDir()
	path := launcherstate.ShutdownSignalPath(dir, "a1")

	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))

	require.NoError(t, launcherstate.RequestShutdown(dir, "a1"))
	_, err = os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, launcherstate.ClearShutdownSignal(dir, "a1"))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// idempotent
	require.NoError(t, launcherstate.ClearShutdownSignal(dir, "a1"))
}

func TestProbePortIsStableAndInRange(t *testing.T) {
	a := launcherstate.ProbePort("agent-1")
	b := launcherstate.ProbePort("agent-1")
	assert.Equal(t, a, b)
	assert.GreaterOrEqual(t, a, 8000)
	assert.Less(t, a, 9000)
}

func TestProbePortDoesNotCollideForShortIdsSharingAPrefix(t *testing.T) {
	assert.NotEqual(t, launcherstate.ProbePort("a"), launcherstate.ProbePort("ab"),
		"SHA-256 over the full id should not collide the way a 4-byte-prefix hash would for short ids sharing a prefix")
}

func TestLogPathAndStatePathAreDistinct(t *testing.T) {
	dir := "/var/lib/agentsupervisor/state"
	assert.NotEqual(t, launcherstate.StatePath(dir, "a1"), launcherstate.LogPath(dir, "a1"))
	assert.Equal(t, filepath.Join(dir, "agent-a1.json"), launcherstate.StatePath(dir, "a1"))
}
