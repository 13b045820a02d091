// Package api defines the capability interfaces and error taxonomy shared
// between the supervisor side (listener runners, reload orchestrator) and the
// worker side (request dispatcher) of the request-handoff core.
//
// The orchestrator is written strictly against these interfaces; whether a
// worker lives in-process or in a spawned subprocess is decided once at
// startup and never inspected afterwards.
package api
