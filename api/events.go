package api

// InstanceCrashed describes a worker whose serving task completed while it
// had not been asked to stop. It fires exactly once per crash and is the only
// path by which the supervisor learns of an unintentional worker death;
// restart policy belongs to the surrounding orchestration layer.
type InstanceCrashed struct {
	Addr  string
	Port  int
	TLS   bool
	Cause error
}

// CrashFunc receives crash notifications from instance runners.
type CrashFunc func(InstanceCrashed)
