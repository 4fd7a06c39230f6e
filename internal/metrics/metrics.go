package metrics

import (
	"context"
	"errors"
	"path"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"archzfs/installer/internal/shell"
)

// Metrics is one run's collectors on a private registry, so repeated runs in
// one process (tests) never collide on registration.
type Metrics struct {
	reg *prometheus.Registry

	commands      *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	stageFailures *prometheus.CounterVec
	completed     prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zfs_installer_commands_total",
				Help: "External commands run by the installer, by tool and outcome.",
			},
			[]string{"tool", "outcome"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "zfs_installer_stage_duration_seconds",
				Help:    "Duration of installer stages in seconds.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"stage"},
		),
		stageFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zfs_installer_stage_failures_total",
				Help: "Installer stages that failed, by stage.",
			},
			[]string{"stage"},
		),
		completed: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "zfs_installer_completed",
				Help: "1 once the installation finalized successfully.",
			},
		),
	}
	m.reg.MustRegister(m.commands, m.stageDuration, m.stageFailures, m.completed)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) ObserveStage(stage string, start time.Time, err error) {
	m.stageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	if err != nil {
		m.stageFailures.WithLabelValues(stage).Inc()
	}
}

func (m *Metrics) SetCompleted(ok bool) {
	if ok {
		m.completed.Set(1)
		return
	}
	m.completed.Set(0)
}

// WriteTextfile writes every collector in the node-exporter textfile format.
func (m *Metrics) WriteTextfile(file string) error {
	if file == "" {
		return nil
	}
	return prometheus.WriteToTextfile(file, m.reg)
}

// Tool is the label a command is counted under. Chrooted commands count as
// the tool they run inside the target.
func Tool(c shell.Cmd) string {
	if len(c.Args) == 0 {
		return ""
	}
	if c.Args[0] == "arch-chroot" && len(c.Args) > 2 {
		return path.Base(c.Args[2])
	}
	return path.Base(c.Args[0])
}

func outcome(res shell.Result, err error) string {
	switch {
	case errors.Is(err, shell.ErrTimeout):
		return "timeout"
	case err != nil:
		return "error"
	case res.Code != 0:
		return "failed"
	default:
		return "ok"
	}
}

type instrumented struct {
	next shell.Runner
	m    *Metrics
}

// Instrument counts every command run through next.
func (m *Metrics) Instrument(next shell.Runner) shell.Runner {
	return &instrumented{next: next, m: m}
}

func (r *instrumented) Run(ctx context.Context, c shell.Cmd) (shell.Result, error) {
	res, err := r.next.Run(ctx, c)
	r.m.commands.WithLabelValues(Tool(c), outcome(res, err)).Inc()
	return res, err
}
