// Package upstream is the controller side of the daemon: a bounded queue that
// implements mux.Handler and the drivers that carry queued messages to the
// controller.
package upstream
