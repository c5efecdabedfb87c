package telemetry

import "github.com/prometheus/client_golang/prometheus"

var (
	descSessionsOpen = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "sessions_open"),
		"Sessions currently open, by proxy.", []string{"proxy"}, nil)
	descSessionsInitialized = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "sessions_initialized"),
		"Open sessions that completed the initialize exchange, by proxy.", []string{"proxy"}, nil)
	descSessionQueueDepth = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "session_queue_depth"),
		"Events waiting on session queues, by proxy.", []string{"proxy"}, nil)
	descSessionsOpened = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "sessions_opened_total"),
		"Sessions opened since start, by proxy.", []string{"proxy"}, nil)
	descSessionsClosed = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "sessions_closed_total"),
		"Sessions closed since start, by proxy.", []string{"proxy"}, nil)
	descSessionsReaped = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "sessions_reaped_total"),
		"Sessions reclaimed by the reaper, by proxy and cause.", []string{"proxy", "cause"}, nil)

	descAdmissionLiveSessions = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "admission_live_sessions"),
		"Sessions currently counted against the admission bounds.", nil, nil)
	descAdmissionLiveClients = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "admission_live_clients"),
		"Distinct client addresses with live sessions.", nil, nil)
	descAdmissionRejections = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "admission_rejections_recent"),
		"Rejected admissions still inside the retention window, by kind.", []string{"kind"}, nil)

	descHeartbeatSessions = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "heartbeat_sessions"),
		"Sessions with an active heartbeat loop.", nil, nil)
	descHeartbeatDegraded = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "heartbeat_degraded_sessions"),
		"Heartbeat loops with at least one missed ping in a row.", nil, nil)
	descHeartbeatsSent = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "heartbeats_sent_total"),
		"Heartbeat pings sent since start.", nil, nil)
	descHeartbeatsFailed = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "heartbeats_failed_total"),
		"Heartbeat pings that missed their delivery deadline.", nil, nil)
	descHeartbeatRTT = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "heartbeat_rtt_mean_seconds"),
		"Mean heartbeat round-trip time across live sessions.", nil, nil)
)

// statsCollector reads the live stats surfaces at scrape time and
// emits their figures as const metrics.
type statsCollector struct {
	cfg Config
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descSessionsOpen
	ch <- descSessionsInitialized
	ch <- descSessionQueueDepth
	ch <- descSessionsOpened
	ch <- descSessionsClosed
	ch <- descSessionsReaped
	ch <- descAdmissionLiveSessions
	ch <- descAdmissionLiveClients
	ch <- descAdmissionRejections
	ch <- descHeartbeatSessions
	ch <- descHeartbeatDegraded
	ch <- descHeartbeatsSent
	ch <- descHeartbeatsFailed
	ch <- descHeartbeatRTT
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	if src := c.cfg.Sessions; src != nil {
		for proxy, stats := range src.Sessions() {
			ch <- prometheus.MustNewConstMetric(descSessionsOpen, prometheus.GaugeValue, float64(stats.Sessions), proxy)
			ch <- prometheus.MustNewConstMetric(descSessionsInitialized, prometheus.GaugeValue, float64(stats.Initialized), proxy)
			ch <- prometheus.MustNewConstMetric(descSessionQueueDepth, prometheus.GaugeValue, float64(stats.QueuedEvents), proxy)
			ch <- prometheus.MustNewConstMetric(descSessionsOpened, prometheus.CounterValue, float64(stats.Opened), proxy)
			ch <- prometheus.MustNewConstMetric(descSessionsClosed, prometheus.CounterValue, float64(stats.Closed), proxy)
			ch <- prometheus.MustNewConstMetric(descSessionsReaped, prometheus.CounterValue, float64(stats.ReapedIdle), proxy, "idle")
			ch <- prometheus.MustNewConstMetric(descSessionsReaped, prometheus.CounterValue, float64(stats.ReapedUninitialized), proxy, "uninitialized")
			ch <- prometheus.MustNewConstMetric(descSessionsReaped, prometheus.CounterValue, float64(stats.ReapedBackendDown), proxy, "backend_down")
		}
	}
	if src := c.cfg.Admission; src != nil {
		stats := src.Stats()
		ch <- prometheus.MustNewConstMetric(descAdmissionLiveSessions, prometheus.GaugeValue, float64(stats.LiveSessions))
		ch <- prometheus.MustNewConstMetric(descAdmissionLiveClients, prometheus.GaugeValue, float64(stats.LiveClients))
		for kind, n := range stats.ByKind {
			ch <- prometheus.MustNewConstMetric(descAdmissionRejections, prometheus.GaugeValue, float64(n), string(kind))
		}
	}
	if src := c.cfg.Heartbeats; src != nil {
		stats := src.Stats()
		ch <- prometheus.MustNewConstMetric(descHeartbeatSessions, prometheus.GaugeValue, float64(stats.Sessions))
		ch <- prometheus.MustNewConstMetric(descHeartbeatDegraded, prometheus.GaugeValue, float64(stats.Degraded))
		ch <- prometheus.MustNewConstMetric(descHeartbeatsSent, prometheus.CounterValue, float64(stats.Sent))
		ch <- prometheus.MustNewConstMetric(descHeartbeatsFailed, prometheus.CounterValue, float64(stats.Failed))
		ch <- prometheus.MustNewConstMetric(descHeartbeatRTT, prometheus.GaugeValue, stats.MeanRTT.Seconds())
	}
}
