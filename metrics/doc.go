/*
Package metrics implements the recorders of the proxy and the filter
loader.

Two backends are available: the Go implementation of the Coda Hale
metrics library (https://github.com/dropwizard/metrics), exposing the
values as JSON, and Prometheus. The All type records into both.

The collected metrics include the duration of every single filter, the
duration of the phases, the time waiting for the backend services, the
total time of serving the requests, the failures of the requests by
error kind, and the results of the filter compilations.

When no metrics are configured, Default discards the measurements.
*/
package metrics
