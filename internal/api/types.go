package api

import "time"

// User is the backend's identity record.
type User struct {
	UserID    int       `json:"user_id"`
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	FullName  string    `json:"full_name,omitempty"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// AuthResponse is returned by login and register.
type AuthResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	User        User   `json:"user"`
}

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type Registration struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email,omitempty"`
	FullName string `json:"full_name,omitempty"`
}

// Interaction is the decoded result of the combined voice round trip:
// synthesized audio plus the transcription and reply the backend smuggles
// through response headers.
type Interaction struct {
	Audio         []byte
	MIME          string
	Transcription string
	Reply         string
}

type Transcription struct {
	Text     string  `json:"text"`
	Duration float64 `json:"duration,omitempty"`
}

type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatResponse struct {
	Response            string         `json:"response"`
	ConversationHistory []HistoryEntry `json:"conversation_history"`
}

// Conversation timestamps arrive as bare ISO strings without a zone, so they
// stay strings here; display is the only consumer.
type Conversation struct {
	ConversationID int    `json:"conversation_id"`
	UserID         int    `json:"user_id"`
	Title          string `json:"title"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

type Message struct {
	MessageID     int     `json:"message_id"`
	Role          string  `json:"role"`
	Content       string  `json:"content"`
	AudioDuration float64 `json:"audio_duration,omitempty"`
	CreatedAt     string  `json:"created_at"`
}

type CreatedConversation struct {
	ConversationID int    `json:"conversation_id"`
	Status         string `json:"status"`
}

type Health struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
}
