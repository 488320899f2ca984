package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/katidev/kati/internal/capture"
)

type memTokens struct {
	mu    sync.Mutex
	token string
	set   bool
}

func (m *memTokens) Token() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token, m.set
}

func (m *memTokens) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token, m.set = "", false
	return nil
}

func (m *memTokens) put(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token, m.set = token, true
}

func newTestClient(handler http.Handler) (*Client, *memTokens, *httptest.Server) {
	srv := httptest.NewServer(handler)
	tokens := &memTokens{}
	return New(srv.URL, 5*time.Second, tokens), tokens, srv
}

func TestLoginReturnsTokenAndUser(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/auth/login" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var creds Credentials
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
			t.Errorf("decode credentials: %v", err)
		}
		if creds.Username != "ada" {
			t.Errorf("username = %q, want ada", creds.Username)
		}
		json.NewEncoder(w).Encode(AuthResponse{
			AccessToken: "tok-123",
			TokenType:   "bearer",
			User:        User{UserID: 7, Username: "ada", IsActive: true},
		})
	})
	client, _, srv := newTestClient(handler)
	defer srv.Close()

	resp, err := client.Login(context.Background(), Credentials{Username: "ada", Password: "pw"})
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if resp.AccessToken != "tok-123" {
		t.Errorf("AccessToken = %q, want tok-123", resp.AccessToken)
	}
	if resp.User.UserID != 7 {
		t.Errorf("UserID = %d, want 7", resp.User.UserID)
	}
}

func TestLoginWrongPasswordMapsToInvalidCredentials(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"detail": "Incorrect username or password"})
	})
	client, _, srv := newTestClient(handler)
	defer srv.Close()

	_, err := client.Login(context.Background(), Credentials{Username: "ada", Password: "nope"})
	if err == nil {
		t.Fatal("Login() succeeded with wrong password")
	}
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("error = %v, want ErrInvalidCredentials", err)
	}
	if err.Error() != "Incorrect username or password" {
		t.Errorf("error text = %q, want backend detail", err.Error())
	}
}

func TestRequestsCarryBearerToken(t *testing.T) {
	var got string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(User{UserID: 7, Username: "ada"})
	})
	client, tokens, srv := newTestClient(handler)
	defer srv.Close()
	tokens.put("tok-123")

	if _, err := client.Me(context.Background()); err != nil {
		t.Fatalf("Me() error = %v", err)
	}
	if got != "Bearer tok-123" {
		t.Errorf("Authorization = %q, want Bearer tok-123", got)
	}
}

func TestQuickInteractionDecodesHeaderText(t *testing.T) {
	wantAudio := []byte{0x49, 0x44, 0x33, 0x04}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		file, header, err := r.FormFile("audio")
		if err != nil {
			t.Fatalf("missing audio field: %v", err)
		}
		defer file.Close()
		if header.Filename != "capture.wav" {
			t.Errorf("filename = %q, want capture.wav", header.Filename)
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Header().Set("X-Transcription", base64.StdEncoding.EncodeToString([]byte("hola")))
		w.Header().Set("X-Response-Text", base64.StdEncoding.EncodeToString([]byte("hola, ¿cómo estás?")))
		w.Write(wantAudio)
	})
	client, tokens, srv := newTestClient(handler)
	defer srv.Close()
	tokens.put("tok-123")

	art := capture.Artifact{Name: "capture.wav", MIME: "audio/wav", Data: []byte("RIFF....")}
	got, err := client.QuickInteraction(context.Background(), art)
	if err != nil {
		t.Fatalf("QuickInteraction() error = %v", err)
	}
	if got.Transcription != "hola" {
		t.Errorf("Transcription = %q, want hola", got.Transcription)
	}
	if got.Reply != "hola, ¿cómo estás?" {
		t.Errorf("Reply = %q", got.Reply)
	}
	if string(got.Audio) != string(wantAudio) {
		t.Errorf("Audio = %v, want %v", got.Audio, wantAudio)
	}
	if got.MIME != "audio/mpeg" {
		t.Errorf("MIME = %q, want audio/mpeg", got.MIME)
	}
}

func TestQuickInteractionMissingHeadersYieldEmptyText(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte{0x01})
	})
	client, _, srv := newTestClient(handler)
	defer srv.Close()

	got, err := client.QuickInteraction(context.Background(), capture.Artifact{Name: "capture.wav", Data: []byte("x")})
	if err != nil {
		t.Fatalf("QuickInteraction() error = %v", err)
	}
	if got.Transcription != "" || got.Reply != "" {
		t.Errorf("expected empty text, got %q / %q", got.Transcription, got.Reply)
	}
}

func TestUnauthorizedClearsSessionAndFiresHook(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"detail": "Could not validate credentials"})
	})
	client, tokens, srv := newTestClient(handler)
	defer srv.Close()
	tokens.put("stale-token")

	expired := false
	client.OnAuthExpired(func() { expired = true })

	_, err := client.Conversations(context.Background(), 7)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("error = %v, want ErrUnauthorized", err)
	}
	if _, ok := tokens.Token(); ok {
		t.Error("token survived a 401")
	}
	if !expired {
		t.Error("auth-expired hook not fired")
	}
}

func TestValidationErrorCarriesDetail(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"detail": "Username already registered"})
	})
	client, _, srv := newTestClient(handler)
	defer srv.Close()

	_, err := client.Register(context.Background(), Registration{Username: "ada", Password: "pw"})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("error = %v, want ErrValidation", err)
	}
	var be *BackendError
	if !errors.As(err, &be) {
		t.Fatalf("error type = %T, want *BackendError", err)
	}
	if be.Detail != "Username already registered" {
		t.Errorf("Detail = %q", be.Detail)
	}
}

func TestConversationsAndMessages(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/voice/conversations/7":
			json.NewEncoder(w).Encode([]Conversation{
				{ConversationID: 1, UserID: 7, Title: "morning check-in", CreatedAt: "2026-08-30T09:00:00"},
			})
		case "/api/voice/messages/1":
			json.NewEncoder(w).Encode([]Message{
				{MessageID: 10, Role: "user", Content: "hola", AudioDuration: 1.4},
				{MessageID: 11, Role: "assistant", Content: "hola, ¿cómo estás?"},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
		}
	})
	client, _, srv := newTestClient(handler)
	defer srv.Close()

	convs, err := client.Conversations(context.Background(), 7)
	if err != nil {
		t.Fatalf("Conversations() error = %v", err)
	}
	if len(convs) != 1 || convs[0].Title != "morning check-in" {
		t.Fatalf("unexpected conversations %+v", convs)
	}

	msgs, err := client.Messages(context.Background(), convs[0].ConversationID)
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if len(msgs) != 2 || msgs[1].Role != "assistant" {
		t.Fatalf("unexpected messages %+v", msgs)
	}
}

func TestSaveMessageEncodesQueryParams(t *testing.T) {
	var got string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.RawQuery
		json.NewEncoder(w).Encode(map[string]string{"status": "saved"})
	})
	client, _, srv := newTestClient(handler)
	defer srv.Close()

	if err := client.SaveMessage(context.Background(), 1, "user", "hola", 1.5); err != nil {
		t.Fatalf("SaveMessage() error = %v", err)
	}
	want := "audio_duration=1.5&content=hola&conversation_id=1&role=user"
	if got != want {
		t.Errorf("query = %q, want %q", got, want)
	}
}
