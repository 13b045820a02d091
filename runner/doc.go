// Package runner owns the listening sockets and the worker lifecycle behind
// them. An InstanceRunner binds one address, accepts connections, and feeds
// them to its current worker; the Orchestrator reconciles the set of runners
// against configuration reloads, replacing workers without dropping the
// listening socket whenever the bind target allows it.
package runner
