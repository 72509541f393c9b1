// Package protocol implements the binary UDP packet format of the VAD
// service: audio and reset packets sent by clients, and event packets sent
// back when a session starts or stops speaking.
//
// Every packet starts with [PacketType:1][PacketLen:2][SessionIDLen:1]
// followed by the session id bytes and a type-specific payload. Multi-byte
// integers are big-endian; the PCM audio inside audio packets is
// little-endian 16-bit mono.
package protocol
