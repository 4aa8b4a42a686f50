package protocol

import "encoding/binary"

// Encode builds one wire frame: uint32 payload length (BE), type byte,
// payload verbatim. A nil payload encodes a bare command frame.
func Encode(t PacketType, payload []byte) []byte {
	frame := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	frame[4] = byte(t)
	copy(frame[HeaderSize:], payload)
	return frame
}

// EncodeConfig builds the 13-byte Config payload: 1-byte needUsername flag
// followed by bell, motion and relay durations as int32 milliseconds (BE).
func EncodeConfig(needUsername bool, bellMs, motionMs, relayMs int32) []byte {
	payload := make([]byte, 13)
	if needUsername {
		payload[0] = 1
	}
	binary.BigEndian.PutUint32(payload[1:5], uint32(bellMs))
	binary.BigEndian.PutUint32(payload[5:9], uint32(motionMs))
	binary.BigEndian.PutUint32(payload[9:13], uint32(relayMs))
	return Encode(TypeConfig, payload)
}

// EncodeUsernameAck builds the 1-byte Username confirmation frame.
func EncodeUsernameAck(valid bool) []byte {
	payload := []byte{0}
	if valid {
		payload[0] = 1
	}
	return Encode(TypeUsername, payload)
}
