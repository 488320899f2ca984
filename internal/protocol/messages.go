package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/katidev/kati/internal/transcript"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientControl      MessageType = "client_control"
	TypeCallState          MessageType = "call_state"
	TypeTranscriptMessage  MessageType = "transcript_message"
	TypeTranscriptSnapshot MessageType = "transcript_snapshot"
	TypeSystemEvent        MessageType = "system_event"
	TypeErrorEvent         MessageType = "error_event"
)

// Control actions accepted from viewers.
const (
	ActionToggleCall         = "toggle_call"
	ActionNewConversation    = "new_conversation"
	ActionSelectConversation = "select_conversation"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientControl struct {
	Type           MessageType `json:"type"`
	Action         string      `json:"action"`
	ConversationID int         `json:"conversation_id,omitempty"`
}

// CallState is pushed on every phase change and once a second while a call
// is active so viewers can render the running duration.
type CallState struct {
	Type            MessageType `json:"type"`
	Phase           string      `json:"phase"`
	Active          bool        `json:"active"`
	DurationSeconds int         `json:"duration_seconds"`
	Duration        string      `json:"duration"`
}

type TranscriptMessage struct {
	Type    MessageType        `json:"type"`
	Message transcript.Message `json:"message"`
}

// TranscriptSnapshot replaces the viewer's transcript wholesale, sent on
// connect and when a stored conversation is selected.
type TranscriptSnapshot struct {
	Type           MessageType          `json:"type"`
	ConversationID int                  `json:"conversation_id,omitempty"`
	Messages       []transcript.Message `json:"messages"`
}

type SystemEvent struct {
	Type   MessageType `json:"type"`
	Code   string      `json:"code"`
	Detail string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		switch msg.Action {
		case ActionToggleCall, ActionNewConversation:
		case ActionSelectConversation:
			if msg.ConversationID <= 0 {
				return nil, errors.New("select_conversation requires conversation_id")
			}
		default:
			return nil, fmt.Errorf("unknown control action %q", msg.Action)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// FormatDuration renders elapsed call time as m:ss for display.
func FormatDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}
