/*
Package health aggregates component liveness for the agent's local
status endpoint.

Components register named checkers (transport connectivity, queue
pressure, persistence usability); the monitor serves their combined
status as JSON next to the metrics endpoint, returning 503 when any
component reports unhealthy.
*/
package health
