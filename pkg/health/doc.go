/*
Package health checks the components a node depends on.

A Monitor holds named checks and runs them together on an interval. Each
result feeds a Status that turns unhealthy only after Retries consecutive
failures and healthy again on the first success; the outcome is reported
to the component registry in pkg/metrics, which backs the /health and
/ready endpoints.

Three checkers are provided:

  - TCPChecker dials an address, used for the local admin listener and the
    sage's admin endpoint.
  - HTTPChecker requests a URL and checks the status range, used for the
    sage's /live endpoint.
  - FuncChecker wraps a function, used for the object and coordination
    stores.

Addresses may be resolved at check time through AddressFunc so that a
changing sage is followed without rebuilding the monitor.
*/
package health
