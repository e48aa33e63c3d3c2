package upstream

import "github.com/google/uuid"

// VADParams are the server-side voice activity detection settings.
type VADParams struct {
	Threshold         float64
	SilenceDurationMs int
	PrefixPaddingMs   int
}

// Settings is the mutable, session-scoped part of the upstream configuration.
type Settings struct {
	TranscriptionModel      string
	Prompt                  string
	VAD                     VADParams
	MaxResponseOutputTokens int
}

const transcribeOnlyInstructions = "Transcribe the user's speech. Do not reply."

// BuildSessionUpdate renders settings as a complete session.update event.
func BuildSessionUpdate(s Settings) SessionUpdateEvent {
	var maxTokens any = "inf"
	if s.MaxResponseOutputTokens > 0 {
		maxTokens = s.MaxResponseOutputTokens
	}
	return SessionUpdateEvent{
		ClientEvent: ClientEvent{EventID: newEventID(), Type: TypeSessionUpdate},
		Session: SessionConfig{
			Modalities:        []string{"text"},
			Instructions:      transcribeOnlyInstructions,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
			InputAudioTranscription: &TranscriptionConfig{
				Model:  s.TranscriptionModel,
				Prompt: s.Prompt,
			},
			TurnDetection: &TurnDetection{
				Type:              "server_vad",
				Threshold:         s.VAD.Threshold,
				PrefixPaddingMs:   s.VAD.PrefixPaddingMs,
				SilenceDurationMs: s.VAD.SilenceDurationMs,
				CreateResponse:    false,
			},
			MaxResponseOutputTokens: maxTokens,
		},
	}
}

func NewAppend(audioBase64 string) AppendEvent {
	return AppendEvent{ClientEvent: ClientEvent{Type: TypeInputAudioBufferAppend}, Audio: audioBase64}
}

func NewCommit() CommitEvent {
	return CommitEvent{ClientEvent: ClientEvent{EventID: newEventID(), Type: TypeInputAudioBufferCommit}}
}

func NewClear() ClearEvent {
	return ClearEvent{ClientEvent: ClientEvent{EventID: newEventID(), Type: TypeInputAudioBufferClear}}
}

func newEventID() string {
	return "evt_" + uuid.NewString()
}
