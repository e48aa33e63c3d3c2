package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants exchanged with the browser.
type MessageType string

const (
	// client -> relay
	TypeSetPrompt             MessageType = "set_prompt"
	TypeSetVADParams          MessageType = "set_vad_params"
	TypeSetTranscriptionModel MessageType = "set_transcription_model"
	TypeAudioChunk            MessageType = "audio_chunk"
	TypeAudioCommit           MessageType = "audio_commit"
	TypeClearAudioBuffer      MessageType = "clear_audio_buffer"

	// relay -> client
	TypeReady              MessageType = "ready"
	TypeTranscription      MessageType = "transcription"
	TypeTranscriptionError MessageType = "transcription_error"
	TypeSpeechStarted      MessageType = "speech_started"
	TypeSpeechStopped      MessageType = "speech_stopped"
	TypeError              MessageType = "error"
)

// Error codes carried by outbound error messages.
const (
	CodeInvalidModel           = "invalid_model"
	CodeInvalidClientMessage   = "invalid_client_message"
	CodeUpstreamUnavailable    = "upstream_unavailable"
	CodeUpstreamUnauthorized   = "upstream_unauthorized"
	CodeUpstreamClosed         = "upstream_closed"
	CodeUpstreamError          = "upstream_error"
	CodeMalformedUpstreamEvent = "malformed_upstream_event"
	CodeSessionExpired         = "session_expired"
	CodeSessionInUse           = "session_id_in_use"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type SetPrompt struct {
	Type   MessageType `json:"type"`
	Prompt string      `json:"prompt"`
}

type SetVADParams struct {
	Type              MessageType `json:"type"`
	Threshold         float64     `json:"threshold"`
	SilenceDurationMs int         `json:"silence_duration_ms"`
	PrefixPaddingMs   int         `json:"prefix_padding_ms"`
}

type SetTranscriptionModel struct {
	Type  MessageType `json:"type"`
	Model string      `json:"model"`
}

type AudioChunk struct {
	Type  MessageType `json:"type"`
	Audio string      `json:"audio"`
}

type AudioCommit struct {
	Type MessageType `json:"type"`
}

type ClearAudioBuffer struct {
	Type MessageType `json:"type"`
}

type Ready struct {
	Type      MessageType `json:"type"`
	Message   string      `json:"message"`
	SessionID string      `json:"session_id,omitempty"`
}

type Transcription struct {
	Type   MessageType `json:"type"`
	Text   string      `json:"text"`
	ItemID string      `json:"item_id"`
}

type TranscriptionError struct {
	Type   MessageType `json:"type"`
	Error  string      `json:"error"`
	ItemID string      `json:"item_id"`
}

type SpeechStarted struct {
	Type         MessageType `json:"type"`
	AudioStartMs int         `json:"audio_start_ms"`
	ItemID       string      `json:"item_id,omitempty"`
}

type SpeechStopped struct {
	Type       MessageType `json:"type"`
	AudioEndMs int         `json:"audio_end_ms"`
	ItemID     string      `json:"item_id,omitempty"`
}

type Error struct {
	Type      MessageType `json:"type"`
	Error     string      `json:"error"`
	Code      string      `json:"code,omitempty"`
	Retryable bool        `json:"retryable,omitempty"`
}

// NewError builds an outbound error message.
func NewError(code, message string) Error {
	return Error{Type: TypeError, Error: message, Code: code}
}

// ParseClientMessage decodes one inbound client frame into its typed variant.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeSetPrompt:
		var msg SetPrompt
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeSetVADParams:
		var msg SetVADParams
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Threshold <= 0 || msg.Threshold > 1 {
			return nil, errors.New("invalid set_vad_params: threshold must be in (0,1]")
		}
		if msg.SilenceDurationMs < 0 || msg.PrefixPaddingMs < 0 {
			return nil, errors.New("invalid set_vad_params: durations must be >= 0")
		}
		return msg, nil
	case TypeSetTranscriptionModel:
		var msg SetTranscriptionModel
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.Model = strings.TrimSpace(msg.Model)
		if msg.Model == "" {
			return nil, errors.New("invalid set_transcription_model: model is required")
		}
		return msg, nil
	case TypeAudioChunk:
		var msg AudioChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeAudioCommit:
		return AudioCommit{Type: env.Type}, nil
	case TypeClearAudioBuffer:
		return ClearAudioBuffer{Type: env.Type}, nil
	default:
		return nil, ErrUnsupportedType
	}
}
