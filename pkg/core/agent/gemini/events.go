package gemini

import (
	"strings"

	"google.golang.org/genai"

	"github.com/hwbuddy/hwbuddy-live/pkg/core/agent"
)

// MapServerMessage converts one Live API message into agent events, in the
// order the client should see them.
func MapServerMessage(msg *genai.LiveServerMessage) []agent.Event {
	if msg == nil {
		return nil
	}
	var out []agent.Event

	if sc := msg.ServerContent; sc != nil {
		if sc.Interrupted {
			out = append(out, agent.Event{Kind: agent.EventInterrupted})
		}
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				if part == nil || part.Thought {
					continue
				}
				if part.InlineData != nil && strings.HasPrefix(part.InlineData.MIMEType, "audio/") && len(part.InlineData.Data) > 0 {
					out = append(out, agent.Event{Kind: agent.EventAudio, Audio: part.InlineData.Data})
				}
				if part.Text != "" {
					out = append(out, agent.Event{Kind: agent.EventText, Text: part.Text})
				}
			}
		}
		if tr := sc.OutputTranscription; tr != nil && tr.Text != "" {
			out = append(out, agent.Event{Kind: agent.EventText, Text: tr.Text})
		}
		if tr := sc.InputTranscription; tr != nil && tr.Text != "" {
			out = append(out, agent.Event{
				Kind: agent.EventRaw,
				Type: "input_transcription",
				Data: map[string]any{"text": tr.Text, "finished": tr.Finished},
			})
		}
		if sc.TurnComplete {
			out = append(out, agent.Event{Kind: agent.EventTurnComplete})
		}
	}

	if tc := msg.ToolCall; tc != nil {
		for _, fc := range tc.FunctionCalls {
			if fc == nil {
				continue
			}
			out = append(out, agent.Event{Kind: agent.EventToolCall, Tool: fc.Name})
		}
	}

	if msg.GoAway != nil {
		out = append(out, agent.Event{Kind: agent.EventRaw, Type: "go_away"})
	}
	return out
}

func captureDeclaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        agent.CaptureToolName,
		Description: agent.CaptureToolDescription,
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"reason": {
					Type:        genai.TypeString,
					Description: "Why the picture is needed, e.g. to see the equation the student is stuck on.",
				},
			},
		},
	}
}

func connectConfig(cfg Config) *genai.LiveConnectConfig {
	return &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		},
		SystemInstruction:        genai.NewContentFromText(cfg.SystemInstruction, genai.RoleUser),
		Tools:                    []*genai.Tool{{FunctionDeclarations: []*genai.FunctionDeclaration{captureDeclaration()}}},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
}
