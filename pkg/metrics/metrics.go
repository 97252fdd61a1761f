package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Object store gauges, refreshed by Collector
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sagenet_nodes_total",
			Help: "Total number of known nodes by state",
		},
		[]string{"state"},
	)

	NetworksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sagenet_networks_total",
			Help: "Total number of networks by state",
		},
		[]string{"state"},
	)

	BackupRecords = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sagenet_backup_records",
			Help: "Backup records for this node's network by status",
		},
		[]string{"status"},
	)

	// Notification metrics
	NotificationsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sagenet_notifications_sent_total",
			Help: "Outbound notifications by type and result",
		},
		[]string{"type", "result"},
	)

	NotificationsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sagenet_notifications_received_total",
			Help: "Inbound notifications by type and result",
		},
		[]string{"type", "result"},
	)

	NotificationSyncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sagenet_notification_sync_duration_seconds",
			Help:    "Round trip time of synchronous notifications",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// Admin endpoint metrics
	AdminRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sagenet_admin_requests_total",
			Help: "Total number of admin endpoint requests by method and status",
		},
		[]string{"method", "status"},
	)

	AdminRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sagenet_admin_request_duration_seconds",
			Help:    "Admin endpoint request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Lock metrics
	LockAcquisitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sagenet_lock_acquisitions_total",
			Help: "Lock acquisition attempts by result (acquired, reclaimed, busy)",
		},
		[]string{"result"},
	)

	LockHoldDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sagenet_lock_hold_duration_seconds",
			Help:    "Time between lock acquisition and release",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		},
	)

	// Daemon metrics
	DaemonCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sagenet_daemon_cycles_total",
			Help: "Periodic task cycles by daemon and result",
		},
		[]string{"daemon", "result"},
	)

	// Backup metrics
	BackupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sagenet_backups_total",
			Help: "Backup runs by result",
		},
		[]string{"result"},
	)

	BackupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sagenet_backup_duration_seconds",
			Help:    "Duration of a full backup run",
			Buckets: prometheus.ExponentialBuckets(0.1, 3, 10),
		},
	)

	BackupsDeleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sagenet_backups_deleted_total",
			Help: "Backups removed by the cleaner by reason and result",
		},
		[]string{"reason", "result"},
	)

	// Hello metrics
	HelloRounds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sagenet_hello_rounds_total",
			Help: "Hello exchanges with the sage by result",
		},
		[]string{"result"},
	)

	PeersSeen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sagenet_peers_seen",
			Help: "Peers counted in the last processed peer list",
		},
	)

	AutoscaleRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sagenet_autoscale_requests_total",
			Help: "New node requests sent to the sage",
		},
	)

	// Restore metrics
	RestoresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sagenet_restores_total",
			Help: "Restore attempts by result",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(NetworksTotal)
	prometheus.MustRegister(BackupRecords)
	prometheus.MustRegister(NotificationsSent)
	prometheus.MustRegister(NotificationsReceived)
	prometheus.MustRegister(NotificationSyncDuration)
	prometheus.MustRegister(AdminRequestsTotal)
	prometheus.MustRegister(AdminRequestDuration)
	prometheus.MustRegister(LockAcquisitions)
	prometheus.MustRegister(LockHoldDuration)
	prometheus.MustRegister(DaemonCycles)
	prometheus.MustRegister(BackupsTotal)
	prometheus.MustRegister(BackupDuration)
	prometheus.MustRegister(BackupsDeleted)
	prometheus.MustRegister(HelloRounds)
	prometheus.MustRegister(PeersSeen)
	prometheus.MustRegister(AutoscaleRequests)
	prometheus.MustRegister(RestoresTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
