// Package metrics defines the minimal provider contract the orchestrator's
// cycle runner and event bus instrument against,
// independent of whether the backend is Prometheus, OTel, or a no-op.
package metrics

import "context"

// Provider is the metrics backend contract used internally.
type Provider interface {
	NewCounter(opts CounterOpts) Counter
	NewGauge(opts GaugeOpts) Gauge
	NewHistogram(opts HistogramOpts) Histogram
	NewTimer(h HistogramOpts) func() Timer
	Health(ctx context.Context) error
}

type Counter interface{ Inc(delta float64, labels ...string) }
type Gauge interface {
	Set(v float64, labels ...string)
	Add(delta float64, labels ...string)
}
type Histogram interface{ Observe(v float64, labels ...string) }
type Timer interface{ ObserveDuration(labels ...string) }

type CommonOpts struct {
	Namespace, Subsystem, Name, Help string
	Labels                           []string
}
type CounterOpts struct{ CommonOpts }
type GaugeOpts struct{ CommonOpts }
type HistogramOpts struct {
	CommonOpts
	Buckets []float64
}

// noop provider, used when no backend is configured.
type noopProvider struct{}
type noopCounter struct{}
type noopGauge struct{}
type noopHistogram struct{}
type noopTimer struct{}

func NewNoopProvider() Provider                               { return &noopProvider{} }
func (p *noopProvider) NewCounter(CounterOpts) Counter         { return noopCounter{} }
func (p *noopProvider) NewGauge(GaugeOpts) Gauge               { return noopGauge{} }
func (p *noopProvider) NewHistogram(HistogramOpts) Histogram   { return noopHistogram{} }
func (p *noopProvider) NewTimer(HistogramOpts) func() Timer {
	return func() Timer { return noopTimer{} }
}
func (p *noopProvider) Health(context.Context) error { return nil }
func (noopCounter) Inc(float64, ...string)           {}
func (noopGauge) Set(float64, ...string)             {}
func (noopGauge) Add(float64, ...string)             {}
func (noopHistogram) Observe(float64, ...string)     {}
func (noopTimer) ObserveDuration(...string)          {}

// Names of the orchestrator's own instrumentation, kept centralized as a
// single source of truth for the series emitted. The cycle runner uses
// MetricCyclesTotal, MetricConfusionTotal and MetricRulesLearned; the
// other names are declared but not emitted anywhere.
const (
	NamespaceWatchloop = "watchloop"

	MetricCyclesTotal         = "cycles_total"
	MetricCycleDuration       = "cycle_duration_seconds"
	MetricObservationsTotal   = "observations_total"
	MetricConfusionTotal      = "confusion_total"
	MetricExperimentsActive   = "experiments_active"
	MetricExperimentsConcluded = "experiments_concluded_total"
	MetricRulesLearned        = "rules_learned_total"
	MetricProbeBreakerOpen    = "probe_breaker_open_total"
)
