package probe

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/corvidlabs/watchloop/internal/breaker"
	"github.com/corvidlabs/watchloop/internal/model"
	"github.com/stretchr/testify/require"
)

// writeFakeProbe writes the given shell script to a temporary executable
// file standing in for the probe binary and returns its path; what the
// fake prints is entirely up to the calling test's script.
func writeFakeProbe(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake probe script requires a POSIX shell")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "fakeprobe.sh")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestRunCheckParsesSuccessfulResponse(t *testing.T) {
	script := "#!/bin/sh\ncat <<'EOF'\n{\"changed\": true, \"content_hash\": \"abc\", \"diff_snippet\": \"price changed\"}\nEOF\n"
	bin := writeFakeProbe(t, script)

	a := New(Config{BinaryPath: bin, Timeout: 2 * time.Second, Breaker: breaker.Defaults()})
	m := &model.MonitorState{Name: "widget-price"}
	obs := a.RunCheck(context.Background(), m, 1)

	require.False(t, obs.IsError())
	require.True(t, obs.Changed)
	require.Equal(t, "abc", obs.ContentHash)
}

func TestRunCheckReportsProbeErrorField(t *testing.T) {
	script := "#!/bin/sh\ncat <<'EOF'\n{\"error\": \"site unreachable\"}\nEOF\n"
	bin := writeFakeProbe(t, script)

	a := New(Config{BinaryPath: bin, Timeout: 2 * time.Second, Breaker: breaker.Defaults()})
	m := &model.MonitorState{Name: "widget-price"}
	obs := a.RunCheck(context.Background(), m, 1)

	require.True(t, obs.IsError())
	require.Equal(t, "site unreachable", obs.Err.Message)
}

func TestRunCheckOpensBreakerAfterConsecutiveFailures(t *testing.T) {
	script := "#!/bin/sh\nexit 1\n"
	bin := writeFakeProbe(t, script)

	a := New(Config{BinaryPath: bin, Timeout: 2 * time.Second, Breaker: breaker.Config{ConsecutiveFailThreshold: 2, OpenStateDuration: time.Minute}})
	m := &model.MonitorState{Name: "widget-price"}

	obs1 := a.RunCheck(context.Background(), m, 1)
	require.True(t, obs1.IsError())
	obs2 := a.RunCheck(context.Background(), m, 2)
	require.True(t, obs2.IsError())

	obs3 := a.RunCheck(context.Background(), m, 3)
	require.True(t, obs3.IsError())
	require.Contains(t, obs3.Err.Message, "circuit open")
}

func TestInvokeReturnsErrorWithoutBinary(t *testing.T) {
	a := New(Config{})
	_, err := a.ListWatches(context.Background())
	require.Error(t, err)
}
