// Package metric holds the operation metrics registry.
//
// grove is a short-lived CLI, so there is no /metrics endpoint. Instead
// each invocation can dump its registry to a node-exporter textfile
// (grove.prom) for collection by an agent.
package metric
