// Package wire implements the two binary ingest formats spoken by doorbell
// devices: the WebSocket frame format and the UDP datagram format. Both are
// big-endian with a fixed header followed by an opaque payload. Decoders
// never panic on hostile input; they report "no packet" instead.
package wire
