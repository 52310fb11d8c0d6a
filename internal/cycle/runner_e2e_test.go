package cycle

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/corvidlabs/watchloop/internal/config"
	"github.com/corvidlabs/watchloop/internal/events"
	"github.com/corvidlabs/watchloop/internal/experiment"
	"github.com/corvidlabs/watchloop/internal/knowledge"
	"github.com/corvidlabs/watchloop/internal/model"
	"github.com/corvidlabs/watchloop/internal/mutation"
	"github.com/corvidlabs/watchloop/internal/probe"
	"github.com/corvidlabs/watchloop/internal/score"
	"github.com/corvidlabs/watchloop/internal/testutil/httpmock"
	"github.com/stretchr/testify/require"
)

// writeCycleAwareProbe writes a fake probe binary whose "test" response
// depends on the cycle passed in the WATCHLOOP_TEST_CYCLE environment
// variable: it reports changed=true only on
// the cycles listed in changedAt, matching where this test applies a
// mutation, so the evaluator's expectation and the probe's observation
// actually line up (the fake probe is a stand-in for the fact that a real
// probe would observe the mutated page).
func writeCycleAwareProbe(t *testing.T, changedAt map[int]bool) string {
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
		"  test)\n" +
		"    cycle=$WATCHLOOP_TEST_CYCLE\n" +
		"    case \"$cycle\" in\n"
	for c, changed := range changedAt {
		if changed {
			script += fmt.Sprintf("      %d) echo '{\"changed\": true, \"content_hash\": \"h%d\", \"diff_snippet\": \"diff\", \"agent\": {\"notified\": true}}' ;;\n", c, c)
		}
	}
	script += "      *) echo '{\"changed\": false}' ;;\n" +
		"    esac\n" +
		"    ;;\n" +
		"esac\n"

	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

// setTestCycleEnv passes the current cycle to the fake probe through an
// extra env var the fake script reads, since the
// real probe contract has no "current cycle" argument (the orchestrator
// tracks cycles, not the probe).
//
// Rather than modify the production probe.Adapter for a test-only need,
// this test sets the env var as part of the test process's own
// environment before each RunCycle call, since exec.Cmd inherits it via
// cmd.Environ().
func setTestCycleEnv(t *testing.T, cycle int) {
	t.Helper()
	require.NoError(t, os.Setenv("WATCHLOOP_TEST_CYCLE", fmt.Sprintf("%d", cycle)))
}

func newTestRunner(t *testing.T, probeBin string, mutationURL string) (*Runner, *model.RunState) {
	t.Helper()
	in := model.Intent{
		Name:        "price-retailer-widget",
		URL:         "https://example.test/widget",
		IntentType:  model.IntentPrice,
		DomainClass: "retailer",
		Mode:        model.ModeE2E,
		Engine:      "http",
		Extraction:  "auto",
		Selector:    "",
		IntervalSecs: 60,
		Mutations: []model.Mutation{
			{Cycle: 2, Field: "product_price", Value: "$79.99", ExpectDetection: true},
		},
	}
	run := model.NewRunState("test-run", model.ModeE2E, time.Now())
	run.Monitors[in.Name] = model.NewMonitorState(in)

	probeAdapter := probe.New(probe.Config{BinaryPath: probeBin, Timeout: 5 * time.Second, Breaker: probe.Defaults().Breaker})
	mutationCli := mutation.New(mutation.Config{BaseURL: mutationURL, Timeout: mutation.Defaults().Timeout})
	scorer := score.New(config.Defaults())
	experimenter := experiment.New(experiment.Defaults())
	kb := knowledge.New()
	bus := events.NewBus(nil)

	r := New(run, map[string]model.Intent{in.Name: in}, probeAdapter, mutationCli, scorer, experimenter, kb, bus, nil, nil, nil)
	return r, run
}

func TestRunCyclePriceMutationDetected(t *testing.T) {
	probeBin := writeCycleAwareProbe(t, map[int]bool{2: true})

	mutSrv := httpmock.NewServer([]httpmock.RouteSpec{
		{Pattern: "/api/state", Status: http.StatusOK, Body: `{"status":"ok"}`},
	})
	defer mutSrv.Close()

	r, run := newTestRunner(t, probeBin, mutSrv.URL())
	ctx := context.Background()

	var last score.Breakdown
	for c := 0; c <= 2; c++ {
		setTestCycleEnv(t, c)
		b, err := r.RunCycle(ctx, "price-retailer-widget")
		require.NoError(t, err)
		last = b
	}

	m := run.Monitors["price-retailer-widget"]
	require.Equal(t, 1, m.Confusion.TP)
	require.Equal(t, 2, m.Confusion.TN)
	require.Equal(t, 0, m.Confusion.FP)
	require.Equal(t, 0, m.Confusion.FN)
	require.Equal(t, model.ClassTP, m.RecentEvaluations[len(m.RecentEvaluations)-1].Class)
	require.GreaterOrEqual(t, m.DetectionLatencies[len(m.DetectionLatencies)-1], 1)
	require.InDelta(t, 1.0, last.F1, 1e-9)
	require.Len(t, m.AppliedMutations, 1)
}

func TestRunCycleUnknownMonitorReturnsNotFound(t *testing.T) {
	probeBin := writeCycleAwareProbe(t, nil)
	mutSrv := httpmock.NewServer([]httpmock.RouteSpec{{Pattern: "/api/state", Status: http.StatusOK, Body: `{}`}})
	defer mutSrv.Close()

	r, _ := newTestRunner(t, probeBin, mutSrv.URL())
	_, err := r.RunCycle(context.Background(), "does-not-exist")
	require.ErrorIs(t, err, ErrMonitorNotFound)
}

func TestRunCyclePlansExperimentWhenNoneActive(t *testing.T) {
	probeBin := writeCycleAwareProbe(t, nil)
	mutSrv := httpmock.NewServer([]httpmock.RouteSpec{{Pattern: "/api/state", Status: http.StatusOK, Body: `{}`}})
	defer mutSrv.Close()

	r, run := newTestRunner(t, probeBin, mutSrv.URL())
	setTestCycleEnv(t, 0)
	_, err := r.RunCycle(context.Background(), "price-retailer-widget")
	require.NoError(t, err)

	m := run.Monitors["price-retailer-widget"]
	require.True(t, m.HasActiveExperiment())
	exp := run.Experiments[m.ActiveExperimentID]
	require.NotNil(t, exp)
	require.Equal(t, model.FieldExtraction, exp.Field)
}

func TestDueMonitorWithNoPriorObservationIsDue(t *testing.T) {
	m := &model.MonitorState{Config: model.MonitorConfig{IntervalSecs: 60}}
	require.True(t, Due(m, time.Now()))
}

func TestDueMonitorRespectsInterval(t *testing.T) {
	m := &model.MonitorState{Config: model.MonitorConfig{IntervalSecs: 60}, LastObservedAt: time.Now()}
	require.False(t, Due(m, time.Now()))
	require.True(t, Due(m, time.Now().Add(61*time.Second)))
}

func TestMinIntervalDefaultsToOneSecondWhenNoMonitors(t *testing.T) {
	run := model.NewRunState("empty", model.ModeE2E, time.Now())
	require.Equal(t, time.Second, MinInterval(run))
}
