package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/katidev/kati/internal/capture"
)

// TokenSource supplies the persisted bearer token and supports the global
// teardown the backend's 401 responses demand.
type TokenSource interface {
	Token() (string, bool)
	Clear() error
}

// Client is the authenticated HTTP boundary to the assistant backend. Every
// request carries the persisted bearer token; any 401 clears the persisted
// session and fires the auth-expired hook, regardless of which operation
// triggered it.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	tokens        TokenSource
	onAuthExpired func()
}

func New(baseURL string, timeout time.Duration, tokens TokenSource) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{Timeout: timeout},
		tokens:     tokens,
	}
}

// OnAuthExpired registers the global teardown hook invoked after any 401.
func (c *Client) OnAuthExpired(fn func()) {
	c.onAuthExpired = fn
}

func (c *Client) Register(ctx context.Context, reg Registration) (AuthResponse, error) {
	var out AuthResponse
	if err := c.postJSON(ctx, "/api/auth/register", reg, &out); err != nil {
		return AuthResponse{}, err
	}
	return out, nil
}

func (c *Client) Login(ctx context.Context, creds Credentials) (AuthResponse, error) {
	var out AuthResponse
	if err := c.postJSON(ctx, "/api/auth/login", creds, &out); err != nil {
		// A 401 here means wrong credentials, not an expired session.
		var be *BackendError
		if errors.As(err, &be) && be.Status == http.StatusUnauthorized {
			be.sentinel = ErrInvalidCredentials
		}
		return AuthResponse{}, err
	}
	return out, nil
}

func (c *Client) Me(ctx context.Context) (User, error) {
	var out User
	if err := c.getJSON(ctx, "/api/auth/me", &out); err != nil {
		return User{}, err
	}
	return out, nil
}

// QuickInteraction uploads a finalized recording and performs the combined
// transcribe+respond+synthesize round trip. The response body is the
// synthesized audio; transcription and reply text travel base64-encoded in
// the X-Transcription and X-Response-Text headers and are decoded here so
// callers only ever see plain strings.
func (c *Client) QuickInteraction(ctx context.Context, art capture.Artifact) (Interaction, error) {
	resp, err := c.postMultipart(ctx, "/api/voice/quick-interaction", art)
	if err != nil {
		return Interaction{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Interaction{}, c.errorFromResponse(resp)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return Interaction{}, fmt.Errorf("read interaction audio: %w", err)
	}

	transcription, err := decodeHeaderText(resp.Header.Get("X-Transcription"))
	if err != nil {
		return Interaction{}, fmt.Errorf("decode transcription header: %w", err)
	}
	reply, err := decodeHeaderText(resp.Header.Get("X-Response-Text"))
	if err != nil {
		return Interaction{}, fmt.Errorf("decode reply header: %w", err)
	}

	return Interaction{
		Audio:         audio,
		MIME:          resp.Header.Get("Content-Type"),
		Transcription: transcription,
		Reply:         reply,
	}, nil
}

func (c *Client) Transcribe(ctx context.Context, art capture.Artifact) (Transcription, error) {
	resp, err := c.postMultipart(ctx, "/api/voice/transcribe", art)
	if err != nil {
		return Transcription{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Transcription{}, c.errorFromResponse(resp)
	}
	var out Transcription
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Transcription{}, fmt.Errorf("decode transcription: %w", err)
	}
	return out, nil
}

func (c *Client) Chat(ctx context.Context, message string, history []HistoryEntry) (ChatResponse, error) {
	if history == nil {
		history = []HistoryEntry{}
	}
	payload := struct {
		Message             string         `json:"message"`
		ConversationHistory []HistoryEntry `json:"conversation_history"`
	}{Message: message, ConversationHistory: history}

	var out ChatResponse
	if err := c.postJSON(ctx, "/api/voice/chat", payload, &out); err != nil {
		return ChatResponse{}, err
	}
	return out, nil
}

// Synthesize returns raw synthesized audio for text, with its content type.
func (c *Client) Synthesize(ctx context.Context, text, voice string) ([]byte, string, error) {
	payload := struct {
		Text  string `json:"text"`
		Voice string `json:"voice,omitempty"`
	}{Text: text, Voice: voice}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("marshal tts request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/voice/tts", bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("create tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", c.errorFromResponse(resp)
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read tts audio: %w", err)
	}
	return audio, resp.Header.Get("Content-Type"), nil
}

func (c *Client) Conversations(ctx context.Context, userID int) ([]Conversation, error) {
	var out []Conversation
	if err := c.getJSON(ctx, "/api/voice/conversations/"+strconv.Itoa(userID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Messages(ctx context.Context, conversationID int) ([]Message, error) {
	var out []Message
	if err := c.getJSON(ctx, "/api/voice/messages/"+strconv.Itoa(conversationID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateConversation and SaveMessage parameterize via query strings; the
// backend takes no body on these writes.
func (c *Client) CreateConversation(ctx context.Context, userID int, title string) (CreatedConversation, error) {
	q := url.Values{}
	q.Set("user_id", strconv.Itoa(userID))
	q.Set("title", title)

	var out CreatedConversation
	if err := c.postQuery(ctx, "/api/voice/create-conversation", q, &out); err != nil {
		return CreatedConversation{}, err
	}
	return out, nil
}

func (c *Client) SaveMessage(ctx context.Context, conversationID int, role, content string, audioDuration float64) error {
	q := url.Values{}
	q.Set("conversation_id", strconv.Itoa(conversationID))
	q.Set("role", role)
	q.Set("content", content)
	if audioDuration > 0 {
		q.Set("audio_duration", strconv.FormatFloat(audioDuration, 'f', -1, 64))
	}
	return c.postQuery(ctx, "/api/voice/save-message", q, nil)
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var out Health
	if err := c.getJSON(ctx, "/health", &out); err != nil {
		return Health{}, err
	}
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return c.doJSON(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doJSON(req, out)
}

func (c *Client) postQuery(ctx context.Context, path string, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return c.doJSON(req, out)
}

func (c *Client) postMultipart(ctx context.Context, path string, art capture.Artifact) (*http.Response, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="audio"; filename=%q`, art.Name))
	if art.MIME != "" {
		h.Set("Content-Type", art.MIME)
	}
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("create multipart field: %w", err)
	}
	if _, err := part.Write(art.Data); err != nil {
		return nil, fmt.Errorf("write multipart audio: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return c.do(req)
}

func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.errorFromResponse(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	if c.tokens != nil {
		if token, ok := c.tokens.Token(); ok {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	return resp, nil
}

func (c *Client) errorFromResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	detail := strings.TrimSpace(string(body))
	var obj struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &obj) == nil && strings.TrimSpace(obj.Detail) != "" {
		detail = strings.TrimSpace(obj.Detail)
	}

	be := &BackendError{Status: resp.StatusCode, Detail: detail}
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		be.sentinel = ErrUnauthorized
		c.teardown()
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		be.sentinel = ErrValidation
	}
	return be
}

func (c *Client) teardown() {
	if c.tokens != nil {
		_ = c.tokens.Clear()
	}
	if c.onAuthExpired != nil {
		c.onAuthExpired()
	}
}

func decodeHeaderText(encoded string) (string, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return "", nil
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}
