// Package daemon owns the btmuxd runtime: one reactor goroutine running the
// multiplexer, the upstream queue worker and driver, a retry ticker and the
// optional admin HTTP server. Everything outside the reactor reaches the
// multiplexer through Loop.Call or Loop.Post.
package daemon
