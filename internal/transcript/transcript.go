package transcript

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of the running conversation shown during a call.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Log is the in-memory transcript of the current conversation. A voice
// round trip appends the user and assistant turns together so viewers never
// observe a user turn without its reply on the way.
type Log struct {
	mu       sync.RWMutex
	messages []Message
}

func NewLog() *Log { return &Log{} }

func (l *Log) Append(role Role, content string) Message {
	msg := newMessage(role, content)
	l.mu.Lock()
	l.messages = append(l.messages, msg)
	l.mu.Unlock()
	return msg
}

// AppendExchange records a completed round trip as an atomic pair.
func (l *Log) AppendExchange(userText, assistantText string) (Message, Message) {
	user := newMessage(RoleUser, userText)
	assistant := newMessage(RoleAssistant, assistantText)
	l.mu.Lock()
	l.messages = append(l.messages, user, assistant)
	l.mu.Unlock()
	return user, assistant
}

// Replace swaps in a full transcript, used when the viewer selects a stored
// conversation.
func (l *Log) Replace(messages []Message) {
	copied := make([]Message, len(messages))
	copy(copied, messages)
	l.mu.Lock()
	l.messages = copied
	l.mu.Unlock()
}

func (l *Log) Clear() {
	l.mu.Lock()
	l.messages = nil
	l.mu.Unlock()
}

func (l *Log) Messages() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Message, len(l.messages))
	copy(out, l.messages)
	return out
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}

func newMessage(role Role, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}
