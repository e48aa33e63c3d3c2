// Package interpreter classifies upstream realtime events and decides, for
// each one, the single local state change and the optional client message it
// produces.
package interpreter

import (
	"encoding/json"
	"strings"

	"github.com/ent0n29/scribe/internal/protocol"
	"github.com/ent0n29/scribe/internal/reliability"
	"github.com/ent0n29/scribe/internal/upstream"
)

// Kind is the closed set of upstream event classes the relay understands.
type Kind string

const (
	KindSessionCreated         Kind = "session_created"
	KindSessionUpdated         Kind = "session_updated"
	KindCommitted              Kind = "committed"
	KindCleared                Kind = "cleared"
	KindSpeechStarted          Kind = "speech_started"
	KindSpeechStopped          Kind = "speech_stopped"
	KindTranscriptionStarted   Kind = "transcription_started"
	KindTranscriptionCompleted Kind = "transcription_completed"
	KindTranscriptionFailed    Kind = "transcription_failed"
	KindResponseCreated        Kind = "response_created"
	KindResponseOutputAdded    Kind = "response_output_added"
	KindResponseTextDelta      Kind = "response_text_delta"
	KindResponseTextDone       Kind = "response_text_done"
	KindContentPartAdded       Kind = "content_part_added"
	KindContentPartDone        Kind = "content_part_done"
	KindOutputItemDone         Kind = "output_item_done"
	KindResponseDone           Kind = "response_done"
	KindError                  Kind = "error"
	KindUnknown                Kind = "unknown"
	KindMalformed              Kind = "malformed"
)

var kindByType = map[string]Kind{
	upstream.EventSessionCreated:            KindSessionCreated,
	upstream.EventSessionUpdated:            KindSessionUpdated,
	upstream.EventInputAudioBufferCommitted: KindCommitted,
	upstream.EventInputAudioBufferCleared:   KindCleared,
	upstream.EventSpeechStarted:             KindSpeechStarted,
	upstream.EventSpeechStopped:             KindSpeechStopped,
	upstream.EventTranscriptionStarted:      KindTranscriptionStarted,
	upstream.EventTranscriptionCompleted:    KindTranscriptionCompleted,
	upstream.EventTranscriptionFailed:       KindTranscriptionFailed,
	upstream.EventResponseCreated:           KindResponseCreated,
	upstream.EventResponseOutputItemAdded:   KindResponseOutputAdded,
	upstream.EventResponseTextDelta:         KindResponseTextDelta,
	upstream.EventResponseTextDone:          KindResponseTextDone,
	upstream.EventResponseContentPartAdded:  KindContentPartAdded,
	upstream.EventResponseContentPartDone:   KindContentPartDone,
	upstream.EventResponseOutputItemDone:    KindOutputItemDone,
	upstream.EventResponseDone:              KindResponseDone,
	upstream.EventError:                     KindError,
}

// Effect is the local state update an event requires.
type Effect uint8

const (
	EffectNone Effect = iota
	// EffectTerminate clears the response-in-progress flag.
	EffectTerminate
	// EffectTerminateAndReset also zeroes buffered duration and chunk count.
	EffectTerminateAndReset
)

func (e Effect) String() string {
	switch e {
	case EffectTerminate:
		return "terminate"
	case EffectTerminateAndReset:
		return "terminate_and_reset"
	default:
		return "none"
	}
}

const (
	defaultTranscriptionError = "transcription failed"
	defaultUpstreamError      = "upstream error"
)

// Outcome is the result of interpreting one upstream frame.
type Outcome struct {
	Kind   Kind
	Type   string
	Effect Effect
	// Reply is nil or one of the protocol outbound message structs.
	Reply any
	// Detail carries error text for logging.
	Detail string
	// ItemID is set for transcription events.
	ItemID string
}

// Interpret classifies one raw upstream frame. It never fails: unparseable
// input yields KindMalformed, which terminates the in-flight response so the
// session cannot wait forever on an answer it will never be able to read.
func Interpret(raw []byte) Outcome {
	var ev upstream.ServerEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return malformed(err.Error())
	}
	if ev.Type == "" {
		return malformed("missing event type")
	}

	kind, ok := kindByType[ev.Type]
	if !ok {
		return Outcome{Kind: KindUnknown, Type: ev.Type}
	}
	out := Outcome{Kind: kind, Type: ev.Type, ItemID: ev.ItemID}

	switch kind {
	case KindTranscriptionCompleted:
		out.Effect = EffectTerminateAndReset
		out.Reply = protocol.Transcription{
			Type:   protocol.TypeTranscription,
			Text:   ev.Transcript,
			ItemID: ev.ItemID,
		}
	case KindTranscriptionFailed:
		msg := errorMessage(ev.Error)
		if msg == "" {
			msg = defaultTranscriptionError
		}
		out.Effect = EffectTerminate
		out.Detail = msg
		out.Reply = protocol.TranscriptionError{
			Type:   protocol.TypeTranscriptionError,
			Error:  msg,
			ItemID: ev.ItemID,
		}
	case KindSpeechStarted:
		out.Reply = protocol.SpeechStarted{
			Type:         protocol.TypeSpeechStarted,
			AudioStartMs: ev.AudioStartMs,
			ItemID:       ev.ItemID,
		}
	case KindSpeechStopped:
		out.Reply = protocol.SpeechStopped{
			Type:       protocol.TypeSpeechStopped,
			AudioEndMs: ev.AudioEndMs,
			ItemID:     ev.ItemID,
		}
	case KindError:
		msg := errorMessage(ev.Error)
		if msg == "" {
			msg = defaultUpstreamError
		}
		code := ""
		if ev.Error != nil {
			code = ev.Error.Code
		}
		out.Effect = EffectTerminate
		if strings.Contains(strings.ToLower(msg), "buffer") {
			out.Effect = EffectTerminateAndReset
		}
		out.Detail = msg
		out.Reply = protocol.Error{
			Type:      protocol.TypeError,
			Error:     msg,
			Code:      protocol.CodeUpstreamError,
			Retryable: reliability.IsRetryableUpstreamError(code),
		}
	case KindResponseDone:
		out.Effect = EffectTerminate
	default:
		// Session, buffer and generic response lifecycle events are logged
		// only. Conversational text parts are never relayed as transcripts.
	}
	return out
}

func malformed(detail string) Outcome {
	return Outcome{
		Kind:   KindMalformed,
		Effect: EffectTerminate,
		Reply:  protocol.NewError(protocol.CodeMalformedUpstreamEvent, "malformed upstream event"),
		Detail: detail,
	}
}

func errorMessage(d *upstream.ErrorDetail) string {
	if d == nil {
		return ""
	}
	return strings.TrimSpace(d.Message)
}
