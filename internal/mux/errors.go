package mux

import "errors"

var (
	ErrConnNotFound     = errors.New("mux: connection not found")
	ErrParkedQueueFull  = errors.New("mux: parked queue full")
	ErrParkTimeout      = errors.New("mux: parked too long")
	ErrClosedByAdmin    = errors.New("mux: closed by administrator")
	ErrSlowConsumer     = errors.New("mux: broadcast write would block")
	ErrShutdown         = errors.New("mux: shutting down")
	ErrAlreadyListening = errors.New("mux: listener already attached")
)
