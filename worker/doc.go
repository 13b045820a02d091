// Package worker implements the worker-side request dispatcher and the two
// worker wrapper variants the orchestrator can run against: an in-process
// dispatcher fed over a socketpair, and a spawned subprocess.
//
// The dispatcher walks a fixed state machine (idle, awaiting handshake,
// verified, serving, draining, stopped) and is deliberately fail-fast: one
// corrupted frame means the channel is desynchronized and the whole serving
// loop ends. Noticing the death and reacting is the supervisor's job.
package worker
