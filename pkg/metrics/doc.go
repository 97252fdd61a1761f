/*
Package metrics exposes sagenet's Prometheus metrics and health endpoints.

Every metric is a package-level variable registered with the default registry
in init, so components record observations directly:

	metrics.NotificationsSent.WithLabelValues(string(t), "ok").Inc()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.BackupDuration)

# Metric families

  - sagenet_notifications_*: outbound and inbound notification counts, sync
    round trip latency
  - sagenet_admin_*: admin endpoint requests, recorded by the gRPC interceptor
  - sagenet_lock_*: acquisitions by result (acquired, reclaimed, busy) and
    hold time
  - sagenet_daemon_cycles_total: periodic task cycles per daemon
  - sagenet_backup*: backup runs, durations, cleaner deletions, record gauges
  - sagenet_hello_rounds_total, sagenet_peers_seen,
    sagenet_autoscale_requests_total: gossip and autoscale
  - sagenet_restores_total: restore attempts
  - sagenet_nodes_total, sagenet_networks_total: object store gauges kept
    fresh by Collector

# Health

RegisterComponent/UpdateComponent record component health. GetHealth reports
"unhealthy" when a critical component fails and "degraded" when only a
non-critical one does. GetReadiness waits for every critical component
(store, coordination and admin by default) to register as healthy.
HealthHandler, ReadyHandler and LivenessHandler serve these as JSON.
*/
package metrics
