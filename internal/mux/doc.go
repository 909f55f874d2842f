// Package mux multiplexes framed client connections onto one upstream handler.
//
// A Mux owns two disjoint collections. Live connections sit in the Registry and
// receive read readiness from the Reactor. Connections whose assembled frame
// was refused with Busy move to the ParkedQueue, are detached from the reactor
// and keep the frame in their buffer until RetryParked delivers it. The kernel
// socket buffer becomes the backpressure queue for a parked client.
//
// Everything here runs on the reactor goroutine; nothing is locked.
package mux
