// Package protocol implements the PanL agent wire format.
//
// Every frame starts with a one byte command id followed by fixed width,
// packed, little-endian fields. Text fields carry a one byte prefix holding
// the UTF-8 byte length of the text.
//
// Transmissions from the hub are prefixed by an address header:
//
//	[SET_ADDRESS][destination][u16 payload length]
//
// where destination 0xFF targets every panel behind the agent.
//
// A connection opens with a 9 byte handshake carrying the agent's 64-bit
// unique id. After that each read buffer is decoded by a Parser, which
// turns frames into typed events. The parser does not reassemble frames
// split across reads: a buffer that ends mid-frame is a protocol violation
// and the caller closes the connection.
//
// Time points sent by panels carry a PM flag in bit 11 of the minutes
// field. The parser reconciles it with the hub clock so that events always
// hold a day offset relative to the hub's date. GET_TIMELINE additionally
// uses bit 15 to ask for slots before the point instead of after it.
package protocol
