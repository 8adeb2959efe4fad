package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/snapshot-harvester/internal/progress"
)

// PrometheusSink exports per-item pipeline counters.
type PrometheusSink struct {
	items        *prometheus.CounterVec
	attempts     *prometheus.CounterVec
	itemDuration *prometheus.HistogramVec
	inFlight     *prometheus.GaugeVec
	runs         *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors against reg (default registerer when nil).
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_items_total",
			Help: "Items finished per stage, partitioned by result.",
		}, []string{"stage", "result"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_attempts_total",
			Help: "Adapter attempts per stage, partitioned by outcome kind.",
		}, []string{"stage", "outcome"}),
		itemDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_item_duration_seconds",
			Help:    "Wall time per finished item including retries.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"stage"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harvester_stage_items_remaining",
			Help: "Items not yet finished in the running stage.",
		}, []string{"stage"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_runs_total",
			Help: "Finished runs partitioned by terminal state.",
		}, []string{"state"}),
	}
	for _, collector := range []prometheus.Collector{s.items, s.attempts, s.itemDuration, s.inFlight, s.runs} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		stage := string(evt.Stage)
		switch evt.Kind {
		case progress.KindStageStart:
			s.inFlight.WithLabelValues(stage).Set(float64(evt.Items))
		case progress.KindAttempt:
			outcome := string(evt.Outcome)
			if outcome == "" {
				outcome = "ok"
			}
			s.attempts.WithLabelValues(stage, outcome).Inc()
		case progress.KindItemDone:
			s.items.WithLabelValues(stage, itemResult(evt)).Inc()
			s.inFlight.WithLabelValues(stage).Dec()
			if evt.Dur > 0 {
				s.itemDuration.WithLabelValues(stage).Observe(evt.Dur.Seconds())
			}
		case progress.KindStageDone:
			s.inFlight.WithLabelValues(stage).Set(0)
		case progress.KindRunDone:
			s.runs.WithLabelValues(evt.Note).Inc()
		}
	}
	return nil
}

func itemResult(evt progress.Event) string {
	switch {
	case evt.Success && evt.Skipped:
		return "skipped"
	case evt.Success:
		return "success"
	default:
		return "failure"
	}
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
