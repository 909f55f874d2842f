// Package transport provides the epoll reactor and raw non-blocking sockets the
// multiplexer runs on. Only Linux is supported; other platforms build but every
// constructor returns ErrUnsupported.
package transport
