package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hwbuddy/hwbuddy-live/pkg/core/agent"
)

// CloseDuplicateSession is the websocket close code sent to a second
// connection for a session that already has a live one.
const CloseDuplicateSession = 4409

const (
	TypeAudio          = "audio"
	TypeStartRecording = "start_recording"
	TypeStopRecording  = "stop_recording"
	TypePing           = "ping"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// ClientAudio carries one chunk of 16-bit PCM microphone audio.
type ClientAudio struct {
	Type string `json:"type"`
	Data string `json:"data"`

	PCM []byte `json:"-"`
}

type ClientStartRecording struct {
	Type string `json:"type"`
}

type ClientStopRecording struct {
	Type string `json:"type"`
}

type ClientPing struct {
	Type string `json:"type"`
}

func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case TypeAudio:
		var msg ClientAudio
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio frame", "")
		}
		if strings.TrimSpace(msg.Data) == "" {
			return nil, badRequest("audio.data is required", "data")
		}
		pcm, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			return nil, badRequest("audio.data must be base64", "data")
		}
		msg.PCM = pcm
		return msg, nil
	case TypeStartRecording:
		return ClientStartRecording{Type: typ}, nil
	case TypeStopRecording:
		return ClientStopRecording{Type: typ}, nil
	case TypePing:
		return ClientPing{Type: typ}, nil
	default:
		return nil, unsupported("unsupported message type", "type")
	}
}

// ServerMessage is every frame the server sends. Data holds base64 audio for
// "audio" frames and the raw payload for "adk_event" frames.
type ServerMessage struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	Content   string `json:"content,omitempty"`
	Tool      string `json:"tool,omitempty"`
	Message   string `json:"message,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Code      string `json:"code,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

func Audio(pcm []byte) ServerMessage {
	return ServerMessage{Type: "audio", Data: base64.StdEncoding.EncodeToString(pcm)}
}

func Text(content string) ServerMessage {
	return ServerMessage{Type: "text", Content: content}
}

func ToolCall(tool string) ServerMessage {
	if tool == "" {
		tool = "unknown"
	}
	return ServerMessage{Type: "tool_call", Tool: tool, Message: "I need to see your homework. Taking a picture..."}
}

func TurnComplete(message string) ServerMessage {
	return ServerMessage{Type: "turn_complete", Message: message}
}

func Interrupted() ServerMessage {
	return ServerMessage{Type: "interrupted", Message: "I was interrupted, go ahead!"}
}

func AgentReady() ServerMessage {
	return ServerMessage{Type: "agent_ready", Message: "Ready to help with your homework!"}
}

func Error(code, message string) ServerMessage {
	return ServerMessage{Type: "error", Code: code, Message: message}
}

func Warning(code, message string) ServerMessage {
	return ServerMessage{Type: "warning", Code: code, Message: message}
}

func ADKEvent(eventType string, data map[string]any) ServerMessage {
	return ServerMessage{Type: "adk_event", EventType: eventType, Data: data}
}

func CaptureRequested(reason string) ServerMessage {
	return ServerMessage{Type: "capture_requested", Reason: reason, Message: "Taking a picture of your work..."}
}

func ImageReceived(data map[string]any) ServerMessage {
	return ServerMessage{Type: "image_received", Data: data, Message: "Got your picture!"}
}

// ImageAnalyzed tells the client the tutor has the uploaded picture and is
// answering over audio.
func ImageAnalyzed(userAsk string) ServerMessage {
	msg := ServerMessage{Type: "image_analyzed", Message: "Looking at your picture now!"}
	if userAsk != "" {
		msg.Data = map[string]any{"user_ask": userAsk}
	}
	return msg
}

func ImageError(message string) ServerMessage {
	return ServerMessage{Type: "image_error", Code: "image_error", Message: message}
}

func RecordingStarted() ServerMessage {
	return ServerMessage{Type: "recording_started", Message: "Recording started, speak now!"}
}

func RecordingStopped() ServerMessage {
	return ServerMessage{Type: "recording_stopped", Message: "Processing your question..."}
}

func Pong() ServerMessage {
	return ServerMessage{Type: "pong"}
}

// FromEvent maps an agent event to the frame the client sees. ok is false for
// events that have nothing to show.
func FromEvent(ev agent.Event) (msg ServerMessage, ok bool) {
	switch ev.Kind {
	case agent.EventAudio:
		if len(ev.Audio) == 0 {
			return ServerMessage{}, false
		}
		return Audio(ev.Audio), true
	case agent.EventText:
		if ev.Text == "" {
			return ServerMessage{}, false
		}
		return Text(ev.Text), true
	case agent.EventToolCall:
		return ToolCall(ev.Tool), true
	case agent.EventTurnComplete:
		return TurnComplete("Ready for your next question!"), true
	case agent.EventInterrupted:
		return Interrupted(), true
	case agent.EventRaw:
		if ev.Type == "" {
			return ServerMessage{}, false
		}
		return ADKEvent(ev.Type, ev.Data), true
	default:
		return ServerMessage{}, false
	}
}
