// Package sinks implements progress consumers: structured logs, Prometheus
// collectors and a repository-backed store sink.
package sinks
