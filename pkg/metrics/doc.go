/*
Package metrics provides Prometheus collectors and component health tracking
for the moonbridge daemon.

Collectors cover the concurrency layers (sessions open, global and
per-provider inflight gauges), tool-call outcomes and durations, provider
errors and router fallbacks, progress backpressure drops, and best-effort
repository failures. Register installs them on the default registry and
Handler serves them at /metrics.

The health checker tracks named components with a criticality flag: a failed
critical component (daemon, storage) makes the daemon unhealthy, while a
failed non-critical one (cache, a single provider) only degrades it.
HealthHandler serves the aggregate at /healthz; the daemon package
additionally writes a periodic snapshot to the health file.
*/
package metrics
