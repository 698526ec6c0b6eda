// ABOUTME: Wire message definitions for the websocket player protocol
// ABOUTME: JSON control frames plus a binary chunk format for audio
package wsplayer

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// ProtocolVersion is bumped on incompatible wire changes.
const ProtocolVersion = 1

// AudioChunkMessageType tags binary frames carrying PCM.
const AudioChunkMessageType = 0x01

// Message wraps every JSON control frame.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds a control frame with a marshaled payload.
func NewMessage(msgType string, payload interface{}) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshaling %s payload: %w", msgType, err)
	}
	return Message{Type: msgType, Payload: data}, nil
}

// ServerHello opens the handshake from the engine side.
type ServerHello struct {
	ServerID string `json:"server_id"`
	Name     string `json:"name"`
	Version  int    `json:"version"`
}

// PlayerHello is the device's handshake response.
type PlayerHello struct {
	PlayerID     string       `json:"player_id"`
	Name         string       `json:"name"`
	Version      int          `json:"version"`
	Capabilities Capabilities `json:"capabilities"`
}

// Capabilities mirrors the device's feature flags on the wire.
type Capabilities struct {
	Group       bool `json:"group"`
	Crossfade   bool `json:"crossfade"`
	EnqueueNext bool `json:"enqueue_next"`
	Volume      bool `json:"volume"`
}

// Command is a transport control frame from the engine.
type Command struct {
	Command    string `json:"command"` // pause, resume, stop, seek, volume, mute, join, leave
	PositionMs int64  `json:"position_ms,omitempty"`
	Volume     int    `json:"volume,omitempty"`
	Muted      bool   `json:"muted,omitempty"`
	LeaderID   string `json:"leader_id,omitempty"`
}

// StreamStart announces the format of the upcoming binary chunks.
type StreamStart struct {
	Codec      string `json:"codec"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	BitDepth   int    `json:"bit_depth"`
}

// StateUpdate is the device's periodic status report.
type StateUpdate struct {
	Status    string `json:"status"`
	Volume    int    `json:"volume"`
	Muted     bool   `json:"muted"`
	ElapsedMs int64  `json:"elapsed_ms"`
}

// EncodeAudioChunk frames PCM for the wire.
// Binary format: [message_type:1][timestamp_us:8][pcm:N].
func EncodeAudioChunk(timestampUs int64, pcm []byte) []byte {
	chunk := make([]byte, 1+8+len(pcm))
	chunk[0] = AudioChunkMessageType
	binary.BigEndian.PutUint64(chunk[1:9], uint64(timestampUs))
	copy(chunk[9:], pcm)
	return chunk
}

// DecodeAudioChunk splits a binary frame into timestamp and PCM.
func DecodeAudioChunk(frame []byte) (int64, []byte, error) {
	if len(frame) < 9 || frame[0] != AudioChunkMessageType {
		return 0, nil, fmt.Errorf("malformed audio chunk (%d bytes)", len(frame))
	}
	ts := int64(binary.BigEndian.Uint64(frame[1:9]))
	return ts, frame[9:], nil
}
