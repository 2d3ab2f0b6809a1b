package dcserver

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/function61/drivecopy/pkg/copyjob"
	"github.com/function61/drivecopy/pkg/dctypes"
	"github.com/function61/drivecopy/pkg/scheduler"
	"github.com/function61/gokit/promconstmetrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsController struct {
	registry *prometheus.Registry

	httpRequests  *prometheus.CounterVec
	notifications *prometheus.CounterVec
	rejections    *prometheus.CounterVec
	copiedBytes   prometheus.Counter
	smartFailures prometheus.Counter

	copyProgress *prometheus.GaugeVec
	inSync       *prometheus.GaugeVec
	openJobs     prometheus.Gauge
	activeGroups prometheus.Gauge

	// sweeps report their runtime after the fact, so these carry the "value at" timestamp
	sweepRuntime *promconstmetrics.Ref

	constMetricsCollector *promconstmetrics.Collector
}

func newMetricsController() *metricsController {
	reg := prometheus.NewRegistry()

	constMetricsCollector := promconstmetrics.NewCollector()

	vdLabels := []string{"raid_group", "virtual_drive"}

	m := &metricsController{
		registry: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dc_http_requests_total",
			Help: "HTTP server's handled requests",
		}, []string{"code", "method"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dc_notifications_total",
			Help: "Events emitted by the copy engine",
		}, []string{"code"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dc_copy_rejections_total",
			Help: "Refused copy requests by reason",
		}, []string{"reason"}),
		copiedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dc_copied_bytes_total",
			Help: "Bytes moved by the data mover",
		}),
		smartFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dc_smart_scan_failures_total",
			Help: "SMART scans that did not produce a report",
		}),
		copyProgress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dc_copy_progress_ratio",
			Help: "Progress of the open copy job of a virtual drive",
		}, vdLabels),
		inSync: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dc_position_in_sync_ratio",
			Help: "Share of regions of a raid group position that do not need rebuild",
		}, vdLabels),
		openJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dc_copy_jobs_open",
			Help: "Open copy jobs (of groups this controller drives)",
		}),
		activeGroups: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dc_raid_groups_active",
			Help: "Raid groups this controller drives",
		}),
		sweepRuntime:          constMetricsCollector.Register("dc_sweep_runtime_seconds", "Scheduler sweep's runtime (seconds)", prometheus.Labels{}, "sweep"),
		constMetricsCollector: constMetricsCollector,
	}

	reg.MustRegister(
		m.httpRequests,
		m.notifications,
		m.rejections,
		m.copiedBytes,
		m.smartFailures,
		m.copyProgress,
		m.inSync,
		m.openJobs,
		m.activeGroups,
		m.constMetricsCollector)

	return m
}

func (m *metricsController) MetricsHTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// instruments a HTTP handler
func (m *metricsController) WrapHTTPServer(actual http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stats := httpsnoop.CaptureMetrics(actual, w, r)

		m.httpRequests.With(prometheus.Labels{
			"code":   strconv.Itoa(stats.Code),
			"method": r.Method,
		}).Inc()
	})
}

func (m *metricsController) observeNotification(item dctypes.Notification) {
	m.notifications.With(prometheus.Labels{"code": string(item.Code)}).Inc()

	if item.Code == dctypes.EventCopyDenied {
		m.rejections.With(prometheus.Labels{"reason": string(item.Reason)}).Inc()
	}
}

// builds a cancellable metrics collection task. runs outside of the scheduler goroutine,
// since it asks the scheduler for a snapshot
func (m *metricsController) Task(eng *engine) func(context.Context) error {
	return func(ctx context.Context) error {
		metricsCollectionInterval := time.NewTicker(5 * time.Second)
		defer metricsCollectionInterval.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-metricsCollectionInterval.C:
				var statuses []copyjob.VirtualDriveStatus
				if err := eng.sched.Do(ctx, func(time.Time) error {
					var err error
					statuses, err = eng.orch.Status()
					return err
				}); err != nil {
					if ctx.Err() != nil {
						return nil
					}

					return err
				}

				m.collect(statuses, eng.sched.Snapshot())
			}
		}
	}
}

func (m *metricsController) collect(statuses []copyjob.VirtualDriveStatus, sweeps []scheduler.SweepSpec) {
	openJobs := 0
	activeGroups := map[dctypes.RaidGroupID]bool{}

	m.copyProgress.Reset()

	for _, status := range statuses {
		labels := prometheus.Labels{
			"raid_group":    string(status.VirtualDrive.RaidGroup),
			"virtual_drive": string(status.VirtualDrive.ID),
		}

		m.inSync.With(labels).Set(float64(status.ParentProgress) / 100)

		if !status.Active {
			continue
		}

		activeGroups[status.VirtualDrive.RaidGroup] = true

		if status.Job != nil {
			openJobs++
			m.copyProgress.With(labels).Set(float64(status.Percent) / 100)
		}
	}

	m.openJobs.Set(float64(openJobs))
	m.activeGroups.Set(float64(len(activeGroups)))

	for _, sweep := range sweeps {
		if lastRun := sweep.LastRun; lastRun != nil {
			m.constMetricsCollector.Observe(m.sweepRuntime, lastRun.Finished.Sub(lastRun.Started).Seconds(), lastRun.Finished, sweep.Description)
		}
	}
}
