// Package broker implements the control channel and the remote reference
// broker: a table mapping 64-bit handles to live local objects, a duplex
// call protocol over any byte stream, and automatic proxies for the two
// storage capability sets.
//
// Objects never cross the boundary. A call that refers to a remote object
// carries its handle, so a worker's storage writes mutate the supervisor's
// actual store.
package broker
