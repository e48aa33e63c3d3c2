// Package upstream speaks the realtime transcription backend's websocket
// protocol.
package upstream

import "encoding/json"

// Client event types sent to the backend.
const (
	TypeSessionUpdate          = "session.update"
	TypeInputAudioBufferAppend = "input_audio_buffer.append"
	TypeInputAudioBufferCommit = "input_audio_buffer.commit"
	TypeInputAudioBufferClear  = "input_audio_buffer.clear"
)

// Server event types received from the backend.
const (
	EventSessionCreated            = "session.created"
	EventSessionUpdated            = "session.updated"
	EventInputAudioBufferCommitted = "input_audio_buffer.committed"
	EventInputAudioBufferCleared   = "input_audio_buffer.cleared"
	EventSpeechStarted             = "input_audio_buffer.speech_started"
	EventSpeechStopped             = "input_audio_buffer.speech_stopped"
	EventTranscriptionStarted      = "conversation.item.input_audio_transcription.started"
	EventTranscriptionCompleted    = "conversation.item.input_audio_transcription.completed"
	EventTranscriptionFailed       = "conversation.item.input_audio_transcription.failed"
	EventResponseCreated           = "response.created"
	EventResponseOutputItemAdded   = "response.output_item.added"
	EventResponseTextDelta         = "response.text.delta"
	EventResponseTextDone          = "response.text.done"
	EventResponseContentPartAdded  = "response.content_part.added"
	EventResponseContentPartDone   = "response.content_part.done"
	EventResponseOutputItemDone    = "response.output_item.done"
	EventResponseDone              = "response.done"
	EventError                     = "error"
)

// ClientEvent is the common header of every event sent upstream.
type ClientEvent struct {
	EventID string `json:"event_id,omitempty"`
	Type    string `json:"type"`
}

// SessionUpdateEvent carries a full session configuration. It is always sent
// whole, never as a diff.
type SessionUpdateEvent struct {
	ClientEvent
	Session SessionConfig `json:"session"`
}

// SessionConfig is the session payload of session.update.
// TurnDetection has no omitempty: an explicit null disables server VAD.
type SessionConfig struct {
	Modalities              []string             `json:"modalities"`
	Instructions            string               `json:"instructions,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *TranscriptionConfig `json:"input_audio_transcription"`
	TurnDetection           *TurnDetection       `json:"turn_detection"`
	Temperature             float64              `json:"temperature,omitempty"`
	MaxResponseOutputTokens any                  `json:"max_response_output_tokens,omitempty"`
}

type TranscriptionConfig struct {
	Model    string `json:"model"`
	Prompt   string `json:"prompt,omitempty"`
	Language string `json:"language,omitempty"`
}

type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
	CreateResponse    bool    `json:"create_response"`
}

type AppendEvent struct {
	ClientEvent
	Audio string `json:"audio"`
}

type CommitEvent struct {
	ClientEvent
}

type ClearEvent struct {
	ClientEvent
}

// ServerEvent is a flattened view of every inbound event the relay reads.
// Fields absent from a given type stay zero.
type ServerEvent struct {
	EventID      string       `json:"event_id"`
	Type         string       `json:"type"`
	ItemID       string       `json:"item_id,omitempty"`
	Transcript   string       `json:"transcript,omitempty"`
	AudioStartMs int          `json:"audio_start_ms,omitempty"`
	AudioEndMs   int          `json:"audio_end_ms,omitempty"`
	Delta        string       `json:"delta,omitempty"`
	Text         string       `json:"text,omitempty"`
	Error        *ErrorDetail `json:"error,omitempty"`
}

type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
	EventID string `json:"event_id,omitempty"`
}

// UnmarshalJSON accepts either the error object or a bare message string.
func (d *ErrorDetail) UnmarshalJSON(data []byte) error {
	var msg string
	if err := json.Unmarshal(data, &msg); err == nil {
		*d = ErrorDetail{Message: msg}
		return nil
	}
	type plain ErrorDetail
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*d = ErrorDetail(p)
	return nil
}
