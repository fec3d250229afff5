package coordinator

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report coordinator activity.
type Metrics struct {
	tasksDispatched  *prometheus.CounterVec
	taskRetries      *prometheus.CounterVec
	taskDuration     *prometheus.HistogramVec
	duplicateResults prometheus.Counter
	missionOutcomes  *prometheus.CounterVec
	missionsInFlight prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// defaultMetrics returns the package-level metrics instance registered with the
// global Prometheus registry. The collectors are created only once to avoid
// duplicate registration panics when the coordinator is instantiated multiple
// times (e.g. in unit tests or multi-instance runners).
func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// The caller is responsible for supplying a fresh registry when unique metric
// names are required (for example in tests). Any registration error will panic
// which mirrors the semantics of promauto helpers and surfaces configuration
// bugs early.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	tasksDispatched := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "atrium",
			Subsystem: "coordinator",
			Name:      "tasks_dispatched_total",
			Help:      "Total task dispatch attempts, including retries.",
		},
		[]string{"capability"},
	)
	taskRetries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "atrium",
			Subsystem: "coordinator",
			Name:      "task_retries_total",
			Help:      "Number of task dispatches that were retries of a failed attempt.",
		},
		[]string{"capability"},
	)
	taskDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "atrium",
			Subsystem: "coordinator",
			Name:      "task_duration_seconds",
			Help:      "Time from first dispatch to terminal task state.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"capability", "status"},
	)
	duplicateResults := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "atrium",
			Subsystem: "coordinator",
			Name:      "duplicate_results_total",
			Help:      "Result messages discarded because their task was unknown or already terminal.",
		},
	)
	missionOutcomes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "atrium",
			Subsystem: "coordinator",
			Name:      "mission_outcomes_total",
			Help:      "Mission outcome events published, labelled by terminal status.",
		},
		[]string{"status"},
	)
	missionsInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "atrium",
			Subsystem: "coordinator",
			Name:      "missions_in_flight",
			Help:      "Missions currently between decomposition and outcome publication.",
		},
	)

	collectors := []prometheus.Collector{
		tasksDispatched, taskRetries, taskDuration, duplicateResults, missionOutcomes, missionsInFlight,
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch target := collector.(type) {
				case *prometheus.CounterVec:
					switch target {
					case tasksDispatched:
						tasksDispatched = already.ExistingCollector.(*prometheus.CounterVec)
					case taskRetries:
						taskRetries = already.ExistingCollector.(*prometheus.CounterVec)
					case missionOutcomes:
						missionOutcomes = already.ExistingCollector.(*prometheus.CounterVec)
					}
				case *prometheus.HistogramVec:
					taskDuration = already.ExistingCollector.(*prometheus.HistogramVec)
				case prometheus.Gauge:
					missionsInFlight = already.ExistingCollector.(prometheus.Gauge)
				case prometheus.Counter:
					duplicateResults = already.ExistingCollector.(prometheus.Counter)
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		tasksDispatched:  tasksDispatched,
		taskRetries:      taskRetries,
		taskDuration:     taskDuration,
		duplicateResults: duplicateResults,
		missionOutcomes:  missionOutcomes,
		missionsInFlight: missionsInFlight,
	}
}

// ObserveDispatch records a dispatch attempt for a capability.
func (m *Metrics) ObserveDispatch(capability string, retry bool) {
	if m == nil {
		return
	}
	m.tasksDispatched.WithLabelValues(capability).Inc()
	if retry {
		m.taskRetries.WithLabelValues(capability).Inc()
	}
}

// ObserveTaskDone records the time a task spent between creation and its
// terminal state.
func (m *Metrics) ObserveTaskDone(capability, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.taskDuration.WithLabelValues(capability, status).Observe(duration.Seconds())
}

// ObserveDuplicate counts a discarded duplicate or unknown result.
func (m *Metrics) ObserveDuplicate() {
	if m == nil {
		return
	}
	m.duplicateResults.Inc()
}

// ObserveOutcome counts a published mission outcome.
func (m *Metrics) ObserveOutcome(status string) {
	if m == nil {
		return
	}
	m.missionOutcomes.WithLabelValues(status).Inc()
}

// MissionStarted and MissionFinished track the in-flight gauge.
func (m *Metrics) MissionStarted() {
	if m == nil {
		return
	}
	m.missionsInFlight.Inc()
}

func (m *Metrics) MissionFinished() {
	if m == nil {
		return
	}
	m.missionsInFlight.Dec()
}
