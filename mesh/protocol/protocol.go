// Package protocol defines the two on-air envelope formats shared by the mesh
// engines and their JSON codecs.
//
// The long-range flooding mesh carries Packets:
//
//	{ "id": <uint32>, "src": "node-id", "dst": "*", "ttl": 5,
//	  "type": "data|ack|beacon", "payload": {} }
//
// The short-range proximity mesh carries Frames:
//
//	{ "type": "probe|probe_ack|data|response", "src": "node-id",
//	  "command": "...", "payload": {} }
//
// Both are length-bounded JSON text. Malformed input decodes to a typed error
// so receive paths can drop it without replying.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Packet types (flooding mesh).
const (
	PacketData   = "data"
	PacketAck    = "ack"
	PacketBeacon = "beacon"
)

// Frame types (proximity mesh).
const (
	FrameProbe    = "probe"
	FrameProbeAck = "probe_ack"
	FrameData     = "data"
	FrameResponse = "response"
)

// Broadcast is the wildcard destination of a flooded Packet.
const Broadcast = "*"

const (
	// MaxFrameSize is the proximity link's per-transmission limit.
	MaxFrameSize = 250

	// MaxPacketSize is the long-range radio's per-transmission limit.
	MaxPacketSize = 255
)

var (
	ErrMalformed    = errors.New("protocol: malformed envelope")
	ErrMissingField = errors.New("protocol: missing required field")
	ErrBadPayload   = errors.New("protocol: payload is not an object")
	ErrTooLarge     = errors.New("protocol: encoded envelope exceeds frame size")
)

// IsDecodeError reports whether err came from decoding a received buffer, as
// opposed to an encode-side failure.
func IsDecodeError(err error) bool {
	return errors.Is(err, ErrMalformed) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrBadPayload)
}

// Packet is the flooding-mesh envelope. Id is a per-source counter; equal ids
// from different sources can collide in the dedup cache, which the mesh
// accepts as a design risk.
type Packet struct {
	Id      uint32         `json:"id"`
	Src     string         `json:"src"`
	Dst     string         `json:"dst"`
	Ttl     int            `json:"ttl"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// Frame is the proximity-mesh envelope. Command and Payload are only present
// on data frames; probe and probe_ack carry just the sender identity.
type Frame struct {
	Type    string         `json:"type"`
	Src     string         `json:"src"`
	Command string         `json:"command,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// EncodePacket serializes p, enforcing the long-range radio's frame limit.
func EncodePacket(p *Packet) ([]byte, error) {
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode packet: %w", err)
	}
	if len(data) > MaxPacketSize {
		return nil, ErrTooLarge
	}
	return data, nil
}

// DecodePacket parses a received buffer into a Packet. Any error it returns
// satisfies IsDecodeError and must cause the caller to drop the buffer.
func DecodePacket(data []byte) (*Packet, error) {
	raw, err := rawFields(data)
	if err != nil {
		return nil, err
	}
	for _, field := range []string{"id", "src", "dst", "ttl", "type"} {
		if _, ok := raw[field]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrMissingField, field)
		}
	}
	var p Packet
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, decodeFailure(raw["payload"])
	}
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	return &p, nil
}

// EncodeFrame serializes f, enforcing the proximity link's frame limit.
func EncodeFrame(f *Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode frame: %w", err)
	}
	if len(data) > MaxFrameSize {
		return nil, ErrTooLarge
	}
	return data, nil
}

// DecodeFrame parses a received buffer into a Frame. Any error it returns
// satisfies IsDecodeError.
func DecodeFrame(data []byte) (*Frame, error) {
	raw, err := rawFields(data)
	if err != nil {
		return nil, err
	}
	for _, field := range []string{"type", "src"} {
		if _, ok := raw[field]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrMissingField, field)
		}
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, decodeFailure(raw["payload"])
	}
	return &f, nil
}

func rawFields(data []byte) (map[string]json.RawMessage, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, ErrMalformed
	}
	return raw, nil
}

// decodeFailure classifies a field-level unmarshal failure: a payload that is
// present but not a JSON object is the one case called out separately.
func decodeFailure(payload json.RawMessage) error {
	if len(payload) > 0 && payload[0] != '{' && string(payload) != "null" {
		return ErrBadPayload
	}
	return ErrMalformed
}
