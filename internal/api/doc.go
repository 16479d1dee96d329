// Package api exposes the operator HTTP interface of the GigaCrew daemon:
// order queries, buyer disputes, waiting for deliverables, hiring through
// the service index, health and Prometheus metrics.
package api
