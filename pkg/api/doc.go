/*
Package api serves a node's administrative endpoints.

Server exposes a single gRPC method, sagenet.admin.v1.Admin/Notify. The
request is a JSON notify.Envelope inside a google.protobuf.BytesValue and the
response is the JSON notify.Receipt produced by the node's Receiver. The
service descriptor is declared by hand because the wire message is a
well-known type; no generated stubs are required.

Every call passes through RecoveryInterceptor and MetricsInterceptor, which
record sagenet_admin_requests_total and sagenet_admin_request_duration_seconds.

HealthServer serves /health, /ready, /live and /metrics over plain HTTP.
*/
package api
