package engine

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/corvidlabs/watchloop/internal/testutil/httpmock"
	"github.com/stretchr/testify/require"
)

const sampleIntents = `
[meta]
mode = "e2e"

[[intents]]
name = "price-retailer-widget"
url = "https://example.test/widget"
intent_type = "price"
domain_class = "retailer"
engine = "http"
extraction = "auto"
interval_secs = 1

[[intents.mutations]]
cycle = 100
field = "product_price"
value = "$1.00"
expect_detection = true
`

func writeFakeProbe(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake probe script requires a POSIX shell")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "fakeprobe.sh")
	script := "#!/bin/sh\n" +
		"case \"$1\" in\n" +
		"  new) echo '{}' ;;\n" +
		"  delete) echo '{}' ;;\n" +
		"  list) echo '[]' ;;\n" +
		"  test) echo '{\"changed\": false}' ;;\n" +
		"esac\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestNewRejectsMissingIntentsPath(t *testing.T) {
	_, err := New(Defaults())
	require.Error(t, err)
}

func TestNewRejectsInvalidIntentFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "intents.toml")
	require.NoError(t, os.WriteFile(path, []byte(`[[intents]]
name = ""
`), 0o644))

	_, err := New(Defaults(), WithIntents(path))
	require.Error(t, err)
}

func TestRunWritesStateKnowledgeAndReportArtifacts(t *testing.T) {
	dir := t.TempDir()
	intentsPath := filepath.Join(dir, "intents.toml")
	require.NoError(t, os.WriteFile(intentsPath, []byte(sampleIntents), 0o644))
	stateDir := filepath.Join(dir, "state")

	probeBin := writeFakeProbe(t)
	mutSrv := httpmock.NewServer([]httpmock.RouteSpec{
		{Pattern: "/api/state", Status: http.StatusOK, Body: `{"status":"ok"}`},
	})
	defer mutSrv.Close()

	e, err := New(Defaults(),
		WithIntents(intentsPath),
		WithStateDir(stateDir),
		WithProbeBinary(probeBin),
		WithE2EServer(mutSrv.URL()),
		WithDuration(2*time.Second),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Run(ctx))

	for _, name := range []string{"state.json", "knowledge.json", "report.json", "report.txt"} {
		_, statErr := os.Stat(filepath.Join(stateDir, name))
		require.NoErrorf(t, statErr, "expected %s to exist", name)
	}

	snap := e.Snapshot()
	require.Contains(t, snap.Monitors, "price-retailer-widget")
	require.Greater(t, snap.TotalCycles, 0)
}

func TestRequestShutdownStopsSchedulerPromptly(t *testing.T) {
	dir := t.TempDir()
	intentsPath := filepath.Join(dir, "intents.toml")
	require.NoError(t, os.WriteFile(intentsPath, []byte(sampleIntents), 0o644))
	stateDir := filepath.Join(dir, "state")

	probeBin := writeFakeProbe(t)
	mutSrv := httpmock.NewServer([]httpmock.RouteSpec{
		{Pattern: "/api/state", Status: http.StatusOK, Body: `{"status":"ok"}`},
	})
	defer mutSrv.Close()

	e, err := New(Defaults(),
		WithIntents(intentsPath),
		WithStateDir(stateDir),
		WithProbeBinary(probeBin),
		WithE2EServer(mutSrv.URL()),
		WithDuration(time.Hour),
	)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	e.RequestShutdown()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return promptly after RequestShutdown")
	}
}
