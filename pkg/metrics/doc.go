/*
Package metrics defines the Prometheus instrumentation shared across
the daemons.

All collectors are package level and registered at init, so importing
any instrumented package is enough to expose its series. Serve binds
the /metrics endpoint on its own listener, separate from the control
api.

Worker series are labelled by sync type, stream series by entity type
and outcome. The gauges WorkersAlive and WorkersFailed mirror the
coordinator's registry and failed tenant list.
*/
package metrics
