package protocol

import (
	"encoding/json"
	"fmt"
)

// Command names understood by the synthesis service
const (
	CommandSetVoice = "set_voice"
	CommandTTS      = "tts"
	CommandPing     = "ping"
	CommandClose    = "close"
)

// Command represents an outbound frame. The service dispatches on the
// "command" field; the remaining fields are populated per command.
type Command struct {
	Command string `json:"command"`
	Voice   string `json:"voice,omitempty"`
	Text    string `json:"text,omitempty"`
}

// SetVoice builds a voice-selection command
func SetVoice(voice string) Command {
	return Command{Command: CommandSetVoice, Voice: voice}
}

// TTS builds a synthesis request for a single text segment
func TTS(text string) Command {
	return Command{Command: CommandTTS, Text: text}
}

// Ping builds a heartbeat command
func Ping() Command {
	return Command{Command: CommandPing}
}

// Close builds the graceful-shutdown command
func Close() Command {
	return Command{Command: CommandClose}
}

// MessageID is the server-assigned identifier that groups the audio
// fragments of one synthesis response. The reference service issues
// epoch-millisecond numbers, so ids arrive as JSON numbers or strings
// and are kept opaque on this side.
type MessageID string

// UnmarshalJSON accepts both the numeric and the string encoding
func (id *MessageID) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty message id")
	}
	if string(data) == "null" {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("invalid message id: %w", err)
		}
		*id = MessageID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid message id: %w", err)
	}
	*id = MessageID(n.String())
	return nil
}

// FrameKind identifies what an inbound frame carries
type FrameKind string

const (
	KindConnected  FrameKind = "connected"
	KindVoiceSet   FrameKind = "voice_set"
	KindProcessing FrameKind = "processing"
	KindPong       FrameKind = "pong"
	KindAudioChunk FrameKind = "audio_chunk"
	KindError      FrameKind = "error"
	KindUnknown    FrameKind = "unknown"
)

// ServerFrame is the superset of fields the service puts on inbound
// frames. Which fields are meaningful depends on Kind. The service
// dispatches inbound frames on "type" first, then "status", then the
// presence of "error"; Kind mirrors that order.
type ServerFrame struct {
	Type   string `json:"type"`
	Status string `json:"status"`
	Error  string `json:"error"`

	// connected / voice_set
	Voices       []string `json:"voices"`
	CurrentVoice string   `json:"current_voice"`
	Voice        string   `json:"voice"`

	// processing / audio_chunk
	MessageID MessageID `json:"message_id"`
	Text      string    `json:"text"`

	// audio_chunk only. Audio carries one slice of the base64 encoding
	// of the synthesized WAV; older server builds send it under
	// "audio_chunk" instead of "audio".
	Audio       string `json:"audio"`
	AudioLegacy string `json:"audio_chunk"`
	ChunkIndex  int    `json:"chunk_index"`
	TotalChunks int    `json:"total_chunks"`
	IsFinal     bool   `json:"is_final"`
}

// Kind classifies the frame
func (f *ServerFrame) Kind() FrameKind {
	switch f.Type {
	case "audio_chunk":
		return KindAudioChunk
	case "processing":
		return KindProcessing
	}
	switch f.Status {
	case "connected":
		return KindConnected
	case "voice_set":
		return KindVoiceSet
	case "pong":
		return KindPong
	}
	if f.Error != "" {
		return KindError
	}
	return KindUnknown
}

// Payload returns the base64 fragment slice regardless of which key
// the server used
func (f *ServerFrame) Payload() string {
	if f.Audio != "" {
		return f.Audio
	}
	return f.AudioLegacy
}

// Decode parses a raw inbound frame. It fails only on malformed JSON;
// frames of unrecognized shape decode successfully with KindUnknown so
// the caller can report them without dropping the connection.
func Decode(data []byte) (*ServerFrame, error) {
	var frame ServerFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	return &frame, nil
}
