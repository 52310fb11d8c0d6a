package events

import (
	"context"
	"testing"
	"time"

	"github.com/corvidlabs/watchloop/internal/telemetry/metrics"
	"github.com/corvidlabs/watchloop/internal/telemetry/tracing"
	"github.com/stretchr/testify/require"
)

func TestBusBasicPublishSubscribe(t *testing.T) {
	bus := NewBus(metrics.NewNoopProvider())
	sub, err := bus.Subscribe(10)
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	ev := Event{Category: CategoryKnowledge, Type: TypeRuleCreated}
	require.NoError(t, bus.Publish(ev))

	select {
	case got := <-sub.C():
		require.Equal(t, ev.Type, got.Type)
		require.Equal(t, ev.Category, got.Category)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

func TestBusDropBehavior(t *testing.T) {
	bus := NewBus(metrics.NewNoopProvider())
	sub, err := bus.Subscribe(1)
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	for i := 0; i < 5; i++ {
		_ = bus.Publish(Event{Category: CategoryCycle, Type: TypeCycleCompleted})
	}
	stats := bus.Stats()
	require.NotZero(t, stats.Published)
	require.NotZero(t, stats.Dropped)
}

func TestMultipleSubscribers(t *testing.T) {
	bus := NewBus(metrics.NewNoopProvider())
	sub1, _ := bus.Subscribe(2)
	sub2, _ := bus.Subscribe(2)
	defer func() { _ = sub1.Close() }()
	defer func() { _ = sub2.Close() }()

	_ = bus.Publish(Event{Category: CategoryExperiment, Type: TypeExperimentConcluded})

	recv := func(ch <-chan Event) bool {
		select {
		case <-ch:
			return true
		case <-time.After(200 * time.Millisecond):
			return false
		}
	}
	require.True(t, recv(sub1.C()))
	require.True(t, recv(sub2.C()))
}

func TestPublishCtxTracingCorrelation(t *testing.T) {
	bus := NewBus(metrics.NewNoopProvider())
	tr := tracing.NewSimpleTracer()
	ctx, span := tr.Start(context.Background(), "root")
	defer span.End()
	sub, err := bus.Subscribe(2)
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()
	require.NoError(t, bus.PublishCtx(ctx, Event{Category: CategoryProbe, Type: TypeMonitorProbeError}))
	select {
	case ev := <-sub.C():
		require.NotEmpty(t, ev.TraceID)
		require.NotEmpty(t, ev.SpanID)
	case <-time.After(300 * time.Millisecond):
		t.Fatal("timeout")
	}
}
