// Package frame owns the client wire framing.
//
// Every frame is a fixed 6-byte little-endian header followed by the body:
//
//	offset 0: uint16 message_type
//	offset 2: uint16 channel_id
//	offset 4: uint16 body_length
//	offset 6: body_length bytes of opaque payload
//
// Payload meaning belongs to the controller and is not interpreted here.
package frame
