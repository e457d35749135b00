package metrics

import (
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every devloop metric.
const Namespace = "devloop"

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	cycles        *prom.CounterVec
	cycleDuration prom.Histogram
	stepDuration  *prom.HistogramVec
	outputWrites  *prom.CounterVec
	reloads       *prom.CounterVec
	reloadClients prom.Gauge
	restarts      *prom.CounterVec
	superseded    prom.Counter
}

// NewPrometheusRecorder constructs the devloop metrics and registers them on reg.
// A nil reg gets a fresh registry.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	// Builds range from sub-second stylesheet compiles to minute long release builds.
	buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

	pr := &PrometheusRecorder{
		cycles: prom.NewCounterVec(prom.CounterOpts{
			Namespace: Namespace,
			Name:      "cycles_total",
			Help:      "Build cycles by outcome",
		}, []string{"outcome"}),
		cycleDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: Namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration from cycle start to decision",
			Buckets:   buckets,
		}),
		stepDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: Namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of individual build steps",
			Buckets:   buckets,
		}, []string{"step", "result"}),
		outputWrites: prom.NewCounterVec(prom.CounterOpts{
			Namespace: Namespace,
			Name:      "output_writes_total",
			Help:      "Output store operations by result",
		}, []string{"result"}),
		reloads: prom.NewCounterVec(prom.CounterOpts{
			Namespace: Namespace,
			Name:      "reload_broadcasts_total",
			Help:      "Reload messages broadcast by kind",
		}, []string{"kind"}),
		reloadClients: prom.NewGauge(prom.GaugeOpts{
			Namespace: Namespace,
			Name:      "reload_clients",
			Help:      "Connected live reload clients",
		}),
		restarts: prom.NewCounterVec(prom.CounterOpts{
			Namespace: Namespace,
			Name:      "process_restarts_total",
			Help:      "Served process starts by result",
		}, []string{"result"}),
		superseded: prom.NewCounter(prom.CounterOpts{
			Namespace: Namespace,
			Name:      "superseded_cycles_total",
			Help:      "Cycles whose results were discarded for a newer cycle",
		}),
	}
	reg.MustRegister(pr.cycles, pr.cycleDuration, pr.stepDuration, pr.outputWrites,
		pr.reloads, pr.reloadClients, pr.restarts, pr.superseded)
	return pr
}

func (p *PrometheusRecorder) IncCycleOutcome(outcome string) {
	p.cycles.WithLabelValues(outcome).Inc()
}

func (p *PrometheusRecorder) ObserveCycleDuration(d time.Duration) {
	p.cycleDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveStepDuration(step string, result ResultLabel, d time.Duration) {
	p.stepDuration.WithLabelValues(step, string(result)).Observe(d.Seconds())
}

func (p *PrometheusRecorder) AddOutputWrites(result string, n int) {
	if n > 0 {
		p.outputWrites.WithLabelValues(result).Add(float64(n))
	}
}

func (p *PrometheusRecorder) IncReloadBroadcast(kind string) {
	p.reloads.WithLabelValues(kind).Inc()
}

func (p *PrometheusRecorder) SetReloadClients(n int) { p.reloadClients.Set(float64(n)) }

func (p *PrometheusRecorder) IncProcessRestart(result ResultLabel) {
	p.restarts.WithLabelValues(string(result)).Inc()
}

func (p *PrometheusRecorder) IncSupersededCycles() { p.superseded.Inc() }
