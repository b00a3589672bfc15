// Package metrics exposes pipeline and position metrics in Prometheus format.
//
//   - perpx_pipelines_total{status}            finished pipelines (SUCCESS|FAILED|RESET)
//   - perpx_pipeline_errors_total{kind}        classified failures, watchdog resets included
//   - perpx_steps_total{step,status}           resolved steps (CONFIRMED|FAILED|SKIPPED)
//   - perpx_pipeline_duration_seconds{status}  start to terminal state
//   - perpx_pipeline_live                      1 while a pipeline blocks new requests
//   - perpx_abandoned_operations_total         submitted ops left behind by a reset
//   - perpx_open_positions / perpx_unrealized_pnl_usd
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alejandrodnm/perpx/internal/domain"
)

// Collector turns coordinator and position updates into metrics.
// Each Collector owns its registry so tests do not share global state.
type Collector struct {
	reg *prometheus.Registry

	pipelines *prometheus.CounterVec
	errs      *prometheus.CounterVec
	steps     *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	live      prometheus.Gauge
	abandoned prometheus.Counter
	positions prometheus.Gauge
	pnl       prometheus.Gauge

	// estado visto del pipeline actual, para contar cada transición una vez
	seenID       string
	seenTerminal bool
	seenSteps    [len(domain.Steps)]domain.StepStatus
}

// New creates a Collector with Go runtime and process collectors registered.
func New() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		pipelines: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "perpx_pipelines_total", Help: "Finished pipelines by status"},
			[]string{"status"},
		),
		errs: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "perpx_pipeline_errors_total", Help: "Pipeline failures by error kind"},
			[]string{"kind"},
		),
		steps: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "perpx_steps_total", Help: "Resolved steps by step and status"},
			[]string{"step", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "perpx_pipeline_duration_seconds",
				Help:    "Pipeline duration from start to terminal state",
				Buckets: []float64{1, 5, 10, 20, 30, 60, 90, 120, 180},
			},
			[]string{"status"},
		),
		live: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "perpx_pipeline_live", Help: "1 while a pipeline is running"},
		),
		abandoned: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "perpx_abandoned_operations_total", Help: "Submitted operations abandoned by a reset"},
		),
		positions: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "perpx_open_positions", Help: "Open positions in the local journal"},
		),
		pnl: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "perpx_unrealized_pnl_usd", Help: "Sum of unrealized PnL of open positions"},
		),
	}
	c.reg.MustRegister(c.pipelines, c.errs, c.steps, c.duration, c.live, c.abandoned, c.positions, c.pnl)
	c.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return c
}

// PipelineChanged is a Coordinator subscriber. It runs under the coordinator
// lock, so it only touches its own state.
func (c *Collector) PipelineChanged(v domain.PipelineView) {
	p := v.Pipeline
	if p.ID == "" {
		// validando: aún no hay pipeline
		return
	}
	if p.ID != c.seenID {
		c.seenID = p.ID
		c.seenTerminal = false
		for i := range c.seenSteps {
			c.seenSteps[i] = domain.StepNotStarted
		}
	}

	for i, r := range p.Steps {
		if r.Status == c.seenSteps[i] {
			continue
		}
		c.seenSteps[i] = r.Status
		switch r.Status {
		case domain.StepConfirmed, domain.StepFailed, domain.StepSkipped:
			c.steps.WithLabelValues(string(r.Step), string(r.Status)).Inc()
		}
	}

	if !p.Status.IsTerminal() {
		c.live.Set(1)
		return
	}
	c.live.Set(0)
	if c.seenTerminal {
		return
	}
	c.seenTerminal = true

	c.pipelines.WithLabelValues(string(p.Status)).Inc()
	if p.Err != nil {
		c.errs.WithLabelValues(string(p.Err.Kind)).Inc()
	}
	if p.FinishedAt != nil {
		c.duration.WithLabelValues(string(p.Status)).Observe(p.FinishedAt.Sub(p.StartedAt).Seconds())
	}
	if n := len(v.Abandoned); n > 0 {
		c.abandoned.Add(float64(n))
	}
}

// PositionsChanged is a positions.Store subscriber.
func (c *Collector) PositionsChanged(positions []domain.Position) {
	c.positions.Set(float64(len(positions)))
	total := 0.0
	for _, p := range positions {
		total += p.PnL.InexactFloat64()
	}
	c.pnl.Set(total)
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// Serve exposes /metrics and /healthz on addr until ctx is cancelled.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("/metrics", c.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics: serving", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
