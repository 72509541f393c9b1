package protocol

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Protocol constants
const (
	// Packet types
	PacketTypeAudio = 0x02 // client -> server
	PacketTypeReset = 0x03 // client -> server
	PacketTypeEvent = 0x10 // server -> client

	// Event kinds
	EventKindStart = 0x01
	EventKindEnd   = 0x02

	// Packet structure sizes
	HeaderSize             = 4 // 1 + 2 + 1 bytes
	MaxSessionIDSize       = 255
	AudioPayloadHeaderSize = 4  // Sequence number (4 bytes)
	EventPayloadSize       = 13 // 1 + 4 + 8 bytes
	MaxPacketSize          = 65535
)

// Header represents the fixed packet header
// Layout: [PacketType:1][PacketLen:2][SessionIDLen:1]
type Header struct {
	PacketType   uint8  // 0x02=Audio, 0x03=Reset, 0x10=Event
	PacketLen    uint16 // Total packet size (header + session id + payload)
	SessionIDLen uint8  // Length of the session id that follows the header
}

// AudioPayload represents the audio packet payload
// Layout: [Sequence:4][AudioData:N]
type AudioPayload struct {
	Sequence  uint32 // Packet sequence number
	AudioData []byte // 16-bit little-endian mono PCM
}

// EventPayload represents the event packet payload
// Layout: [Kind:1][Sequence:4][TimestampMs:8]
type EventPayload struct {
	Kind        uint8  // 0x01=start, 0x02=end
	Sequence    uint32 // Sequence of the audio packet that caused the event
	TimestampMs int64  // Unix epoch milliseconds
}

// ParsedPacket represents a fully parsed packet
type ParsedPacket struct {
	Header    *Header
	SessionID string
	Audio     *AudioPayload // Only set for audio packets
	Event     *EventPayload // Only set for event packets
}

// ParseHeader parses the fixed packet header
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("header too short: expected %d bytes, got %d", HeaderSize, len(data))
	}

	header := &Header{
		PacketType:   data[0],
		PacketLen:    binary.BigEndian.Uint16(data[1:3]),
		SessionIDLen: data[3],
	}

	return header, nil
}

// ParseAudioPayload parses the audio packet payload (4-byte sequence + audio data)
func ParseAudioPayload(data []byte) (*AudioPayload, error) {
	if len(data) < AudioPayloadHeaderSize {
		return nil, fmt.Errorf("audio payload too short: expected at least %d bytes, got %d",
			AudioPayloadHeaderSize, len(data))
	}

	payload := &AudioPayload{
		Sequence: binary.BigEndian.Uint32(data[0:4]),
	}

	// Copy audio data (remaining bytes after sequence)
	if len(data) > AudioPayloadHeaderSize {
		payload.AudioData = make([]byte, len(data)-AudioPayloadHeaderSize)
		copy(payload.AudioData, data[AudioPayloadHeaderSize:])
	}

	return payload, nil
}

// ParseEventPayload parses the 13-byte event payload
func ParseEventPayload(data []byte) (*EventPayload, error) {
	if len(data) != EventPayloadSize {
		return nil, fmt.Errorf("event payload size mismatch: expected %d bytes, got %d", EventPayloadSize, len(data))
	}

	payload := &EventPayload{
		Kind:        data[0],
		Sequence:    binary.BigEndian.Uint32(data[1:5]),
		TimestampMs: int64(binary.BigEndian.Uint64(data[5:13])),
	}
	if !IsValidEventKind(payload.Kind) {
		return nil, fmt.Errorf("invalid event kind: 0x%02x", payload.Kind)
	}

	return payload, nil
}

// ParsePacket parses a complete packet (header + session id + payload)
func ParsePacket(data []byte) (*ParsedPacket, error) {
	header, err := ParseHeader(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	// Validate packet length matches actual data
	if int(header.PacketLen) != len(data) {
		return nil, fmt.Errorf("packet length mismatch: header says %d bytes, got %d bytes",
			header.PacketLen, len(data))
	}

	if err := ValidateHeader(header); err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}

	idEnd := HeaderSize + int(header.SessionIDLen)
	packet := &ParsedPacket{
		Header:    header,
		SessionID: string(data[HeaderSize:idEnd]),
	}
	payloadData := data[idEnd:]

	// Parse payload based on packet type
	switch header.PacketType {
	case PacketTypeAudio:
		payload, err := ParseAudioPayload(payloadData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse audio payload: %w", err)
		}
		packet.Audio = payload

	case PacketTypeReset:
		// no payload

	case PacketTypeEvent:
		payload, err := ParseEventPayload(payloadData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse event payload: %w", err)
		}
		packet.Event = payload

	default:
		return nil, fmt.Errorf("unknown packet type: 0x%02x", header.PacketType)
	}

	return packet, nil
}

// ValidateHeader validates the packet header fields
func ValidateHeader(header *Header) error {
	if !IsValidPacketType(header.PacketType) {
		return fmt.Errorf("invalid packet type: 0x%02x", header.PacketType)
	}

	if header.SessionIDLen == 0 {
		return fmt.Errorf("session id cannot be empty")
	}

	minLen := HeaderSize + int(header.SessionIDLen)
	if int(header.PacketLen) < minLen {
		return fmt.Errorf("packet length too small: %d (minimum %d)", header.PacketLen, minLen)
	}

	// Validate expected payload sizes
	payloadSize := int(header.PacketLen) - minLen
	switch header.PacketType {
	case PacketTypeAudio:
		if payloadSize < AudioPayloadHeaderSize {
			return fmt.Errorf("audio packet payload too small: expected at least %d, got %d",
				AudioPayloadHeaderSize, payloadSize)
		}
	case PacketTypeReset:
		if payloadSize != 0 {
			return fmt.Errorf("reset packet carries %d unexpected payload bytes", payloadSize)
		}
	case PacketTypeEvent:
		if payloadSize != EventPayloadSize {
			return fmt.Errorf("event packet payload size mismatch: expected %d, got %d",
				EventPayloadSize, payloadSize)
		}
	}

	return nil
}

// IsValidPacketType checks if the packet type is valid
func IsValidPacketType(ptype uint8) bool {
	return ptype == PacketTypeAudio || ptype == PacketTypeReset || ptype == PacketTypeEvent
}

// IsValidEventKind checks if the event kind is valid
func IsValidEventKind(kind uint8) bool {
	return kind == EventKindStart || kind == EventKindEnd
}

// appendHeader starts a packet of the given type and payload size.
func appendHeader(ptype uint8, sessionID string, payloadSize int) ([]byte, error) {
	if len(sessionID) == 0 {
		return nil, fmt.Errorf("session id cannot be empty")
	}
	if len(sessionID) > MaxSessionIDSize {
		return nil, fmt.Errorf("session id too long: %d bytes (maximum %d)", len(sessionID), MaxSessionIDSize)
	}

	total := HeaderSize + len(sessionID) + payloadSize
	if total > MaxPacketSize {
		return nil, fmt.Errorf("packet too large: %d bytes (maximum %d)", total, MaxPacketSize)
	}

	buf := make([]byte, 0, total)
	buf = append(buf, ptype)
	buf = binary.BigEndian.AppendUint16(buf, uint16(total))
	buf = append(buf, uint8(len(sessionID)))
	buf = append(buf, sessionID...)
	return buf, nil
}

// EncodeAudioPacket builds an audio packet
func EncodeAudioPacket(sessionID string, sequence uint32, pcm []byte) ([]byte, error) {
	buf, err := appendHeader(PacketTypeAudio, sessionID, AudioPayloadHeaderSize+len(pcm))
	if err != nil {
		return nil, err
	}
	buf = binary.BigEndian.AppendUint32(buf, sequence)
	return append(buf, pcm...), nil
}

// EncodeResetPacket builds a reset packet
func EncodeResetPacket(sessionID string) ([]byte, error) {
	return appendHeader(PacketTypeReset, sessionID, 0)
}

// EncodeEventPacket builds an event packet
func EncodeEventPacket(sessionID string, kind uint8, sequence uint32, at time.Time) ([]byte, error) {
	if !IsValidEventKind(kind) {
		return nil, fmt.Errorf("invalid event kind: 0x%02x", kind)
	}
	buf, err := appendHeader(PacketTypeEvent, sessionID, EventPayloadSize)
	if err != nil {
		return nil, err
	}
	buf = append(buf, kind)
	buf = binary.BigEndian.AppendUint32(buf, sequence)
	return binary.BigEndian.AppendUint64(buf, uint64(at.UnixMilli())), nil
}

// EventKindName returns "start" or "end".
func EventKindName(kind uint8) string {
	switch kind {
	case EventKindStart:
		return "start"
	case EventKindEnd:
		return "end"
	default:
		return fmt.Sprintf("unknown(0x%02x)", kind)
	}
}

// EventKindFromName maps "start" and "end" to their wire values.
func EventKindFromName(name string) (uint8, error) {
	switch name {
	case "start":
		return EventKindStart, nil
	case "end":
		return EventKindEnd, nil
	default:
		return 0, fmt.Errorf("unknown event kind %q", name)
	}
}

// String returns a human-readable representation of the header
func (h *Header) String() string {
	var packetType string

	switch h.PacketType {
	case PacketTypeAudio:
		packetType = "Audio"
	case PacketTypeReset:
		packetType = "Reset"
	case PacketTypeEvent:
		packetType = "Event"
	default:
		packetType = fmt.Sprintf("Unknown(0x%02x)", h.PacketType)
	}

	return fmt.Sprintf("Header{Type:%s, Len:%d, SessionIDLen:%d}", packetType, h.PacketLen, h.SessionIDLen)
}

// String returns a human-readable representation of the audio payload
func (a *AudioPayload) String() string {
	return fmt.Sprintf("AudioPayload{Sequence:%d, AudioDataLen:%d}", a.Sequence, len(a.AudioData))
}

// String returns a human-readable representation of the event payload
func (e *EventPayload) String() string {
	return fmt.Sprintf("EventPayload{Kind:%s, Sequence:%d, TimestampMs:%d}", EventKindName(e.Kind), e.Sequence, e.TimestampMs)
}
