// Package fake provides in-memory doubles for the handoff core's interfaces:
// a map-backed storage hub, a scriptable request server, and a scriptable
// worker wrapper that records lifecycle ordering. Used by package tests and
// useful to consumers writing their own.
package fake
