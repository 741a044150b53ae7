package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/danmuck/patchnet/internal/scheduler"
)

const namespace = "patchnet"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"module", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"module", "method", "path", "status"},
	)
	statusPublishes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "status",
			Name:      "publishes_total",
			Help:      "Status messages published to the broker.",
		},
		[]string{"module", "success"},
	)
	bridgeMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "messages_total",
			Help:      "OSC messages forwarded from sink jacks.",
		},
		[]string{"module", "jack", "success"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, statusPublishes, bridgeMessages)
	})
}

func RecordHTTPRequest(module, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(module, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(module, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordStatusPublish(module string, success bool) {
	RegisterMetrics()
	statusPublishes.WithLabelValues(module, strconv.FormatBool(success)).Inc()
}

func RecordBridgeMessage(module string, jack uint16, success bool) {
	RegisterMetrics()
	bridgeMessages.WithLabelValues(module, strconv.Itoa(int(jack)), strconv.FormatBool(success)).Inc()
}

// SnapshotFunc returns the latest published loop snapshot.
type SnapshotFunc func() *scheduler.Snapshot

// TransportCollector exports scheduler and registry counters from
// snapshots, so the loop never touches Prometheus itself.
type TransportCollector struct {
	module   string
	snapshot SnapshotFunc

	cycles    *prometheus.Desc
	frames    *prometheus.Desc
	errors    *prometheus.Desc
	loss      *prometheus.Desc
	overruns  *prometheus.Desc
	peers     *prometheus.Desc
	patches   *prometheus.Desc
	discovery *prometheus.Desc
	link      *prometheus.Desc
	halted    *prometheus.Desc
	level     *prometheus.Desc
}

var _ prometheus.Collector = (*TransportCollector)(nil)

func NewTransportCollector(module string, snapshot SnapshotFunc) *TransportCollector {
	labels := prometheus.Labels{"module": module}
	desc := func(sub, name, help string, variable ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, sub, name), help, variable, labels)
	}
	return &TransportCollector{
		module:    module,
		snapshot:  snapshot,
		cycles:    desc("scheduler", "cycles_total", "Scheduler cycles run."),
		frames:    desc("transport", "frames_total", "Datagrams by direction and kind.", "direction", "kind"),
		errors:    desc("transport", "errors_total", "Transport failures by reason.", "reason"),
		loss:      desc("transport", "loss_total", "Sequence anomalies on received frames.", "event"),
		overruns:  desc("scheduler", "overruns_total", "Cycles that exceeded the budget."),
		peers:     desc("registry", "peers", "Known peers by state.", "state"),
		patches:   desc("registry", "patches", "Local patches."),
		discovery: desc("registry", "events_total", "Discovery and membership events.", "event"),
		link:      desc("backend", "link_up", "1 when the link is up and data is flowing."),
		halted:    desc("scheduler", "halted", "1 while a halt is in effect."),
		level:     desc("jack", "level", "Mean absolute signal level per jack, 0 to 1.", "jack", "direction"),
	}
}

func (c *TransportCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{c.cycles, c.frames, c.errors, c.loss, c.overruns, c.peers, c.patches, c.discovery, c.link, c.halted, c.level} {
		ch <- d
	}
}

func (c *TransportCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.snapshot()
	if snap == nil {
		return
	}
	k := snap.Counters
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}

	counter(c.cycles, k.Cycles)
	counter(c.overruns, k.Overruns)
	counter(c.frames, k.DataFrames, "rx", "data")
	counter(c.frames, k.Beacons, "rx", "beacon")
	counter(c.frames, k.Sent, "tx", "data")
	counter(c.frames, k.BeaconsSent, "tx", "beacon")
	counter(c.errors, k.FormatErrors, "format")
	counter(c.errors, k.IntegrityErrors, "integrity")
	counter(c.errors, k.BeaconErrors, "beacon")
	counter(c.errors, k.Busy, "busy")
	counter(c.errors, k.LinkDowns, "link_down")
	counter(c.errors, k.SendErrors, "send")
	counter(c.errors, k.BudgetDrops, "budget_drop")
	counter(c.loss, k.Gaps, "gap")
	counter(c.loss, k.GapFrames, "gap_frames")
	counter(c.loss, k.Substituted, "substituted")
	counter(c.loss, k.Duplicates, "duplicate")
	counter(c.loss, k.Resyncs, "resync")
	counter(c.errors, k.HaltDrops, "halt_drop")

	halted := 0.0
	if snap.Halted {
		halted = 1
	}
	gauge(c.halted, halted)
	for _, l := range snap.Lights {
		gauge(c.level, l.Level, strconv.Itoa(int(l.Jack)), l.Direction.String())
	}

	byState := make(map[string]int)
	for _, p := range snap.Peers {
		byState[p.State.String()]++
	}
	for state, n := range byState {
		gauge(c.peers, float64(n), state)
	}
	gauge(c.patches, float64(len(snap.Patches)))

	r := snap.Registry
	counter(c.discovery, r.PeersAnnounced, "announced")
	counter(c.discovery, r.PeersStale, "stale")
	counter(c.discovery, r.PeersEvicted, "evicted")
	counter(c.discovery, r.Joins, "join")
	counter(c.discovery, r.Leaves, "leave")
	counter(c.discovery, r.JoinRetries, "join_retry")
	counter(c.discovery, r.Rejoins, "rejoin")

	up := 0.0
	if snap.Link == "up" && !snap.LinkSuspended {
		up = 1
	}
	gauge(c.link, up)
}
