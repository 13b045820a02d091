// Package fdpass implements the descriptor channel: a local unix-domain
// connection used solely to move live socket descriptors from the supervisor
// to a worker, each paired with one SocketRequest metadata frame.
//
// The descriptor travels as SCM_RIGHTS ancillary data on the same message as
// its metadata. A payload that arrives without ancillary data is a protocol
// violation and fails the channel rather than being silently skipped.
package fdpass
