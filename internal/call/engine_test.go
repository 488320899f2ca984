package call

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/katidev/kati/internal/api"
	"github.com/katidev/kati/internal/archive"
	"github.com/katidev/kati/internal/auth"
	"github.com/katidev/kati/internal/capture"
	"github.com/katidev/kati/internal/playback"
	"github.com/katidev/kati/internal/protocol"
	"github.com/katidev/kati/internal/transcript"
)

type mockBackend struct {
	mu          sync.Mutex
	interaction api.Interaction
	err         error
	delay       time.Duration
	calls       int
	messages    []api.Message
	msgErr      error
}

func (b *mockBackend) QuickInteraction(ctx context.Context, _ capture.Artifact) (api.Interaction, error) {
	b.mu.Lock()
	b.calls++
	delay, inter, err := b.delay, b.interaction, b.err
	b.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return api.Interaction{}, ctx.Err()
		}
	}
	if err != nil {
		return api.Interaction{}, err
	}
	return inter, nil
}

func (b *mockBackend) Messages(_ context.Context, _ int) ([]api.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.msgErr != nil {
		return nil, b.msgErr
	}
	return b.messages, nil
}

func (b *mockBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type harness struct {
	engine  *Engine
	source  *capture.MockSource
	backend *mockBackend
	player  *playback.MockPlayer
	log     *transcript.Log
}

func newHarness(t *testing.T, silence time.Duration) *harness {
	t.Helper()
	source := capture.NewMockSource()
	source.SetScript([][]byte{[]byte("voice")}, 5*time.Millisecond)
	backend := &mockBackend{
		interaction: api.Interaction{
			Audio:         []byte{0x01, 0x02},
			MIME:          "audio/mpeg",
			Transcription: "hola",
			Reply:         "hola, ¿cómo estás?",
		},
	}
	player := playback.NewMockPlayer()
	transcriptLog := transcript.NewLog()
	sessions := auth.NewMemoryStore()
	if err := sessions.Save(auth.Session{AccessToken: "tok", User: api.User{UserID: 7, Username: "ada"}}); err != nil {
		t.Fatal(err)
	}

	recorder := capture.NewRecorder(source, silence)
	engine := NewEngine(recorder, backend, player, transcriptLog, archive.NewInMemoryStore(), sessions, nil, 5*time.Millisecond, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		engine.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &harness{engine: engine, source: source, backend: backend, player: player, log: transcriptLog}
}

func waitMsg(t *testing.T, events <-chan any, timeout time.Duration, match func(any) bool) any {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-events:
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
			return nil
		}
	}
}

func waitPhase(t *testing.T, events <-chan any, phase Phase) protocol.CallState {
	t.Helper()
	ev := waitMsg(t, events, 2*time.Second, func(ev any) bool {
		st, ok := ev.(protocol.CallState)
		return ok && st.Phase == string(phase)
	})
	return ev.(protocol.CallState)
}

// waitHangup waits for the first state with the call no longer active. The
// restart cycle emits idle states while the call is still up, so hang-up
// assertions match on the active flag rather than the phase.
func waitHangup(t *testing.T, events <-chan any) protocol.CallState {
	t.Helper()
	ev := waitMsg(t, events, 2*time.Second, func(ev any) bool {
		st, ok := ev.(protocol.CallState)
		return ok && !st.Active
	})
	return ev.(protocol.CallState)
}

func TestCallCycleRecordsUploadsAndPlays(t *testing.T) {
	h := newHarness(t, 40*time.Millisecond)
	events := h.engine.Events()

	h.engine.Toggle()
	waitPhase(t, events, PhaseRecording)
	waitPhase(t, events, PhaseProcessing)

	msg := waitMsg(t, events, 2*time.Second, func(ev any) bool {
		_, ok := ev.(protocol.TranscriptMessage)
		return ok
	}).(protocol.TranscriptMessage)
	if msg.Message.Role != transcript.RoleUser || msg.Message.Content != "hola" {
		t.Errorf("first transcript message = %+v", msg.Message)
	}

	// After playback the engine listens again on its own.
	waitPhase(t, events, PhaseRecording)
	if h.source.OpenCount() < 2 {
		t.Errorf("OpenCount = %d, want at least 2", h.source.OpenCount())
	}
	if len(h.player.Played()) == 0 {
		t.Error("reply audio never played")
	}

	h.engine.Toggle()
	st := waitHangup(t, events)
	if st.Phase != string(PhaseIdle) {
		t.Errorf("Phase = %q after toggle off, want idle", st.Phase)
	}
}

func TestToggleOffWhileRecordingDiscardsArtifact(t *testing.T) {
	h := newHarness(t, 500*time.Millisecond)
	events := h.engine.Events()

	h.engine.Toggle()
	waitPhase(t, events, PhaseRecording)

	h.engine.Toggle()
	waitHangup(t, events)

	time.Sleep(50 * time.Millisecond)
	if got := h.backend.callCount(); got != 0 {
		t.Errorf("backend calls = %d, want 0 after hang up", got)
	}
	if h.log.Len() != 0 {
		t.Errorf("transcript has %d messages, want 0", h.log.Len())
	}
	if got := h.source.ActiveStreams(); got != 0 {
		t.Errorf("ActiveStreams() = %d, want released device after hang up", got)
	}
	if got := h.source.ClosedStreams(); got != 1 {
		t.Errorf("ClosedStreams() = %d, want 1", got)
	}
}

func TestBackendErrorStopsLoopButKeepsCall(t *testing.T) {
	h := newHarness(t, 40*time.Millisecond)
	h.backend.err = &api.BackendError{Status: http.StatusInternalServerError, Detail: "stt unavailable"}
	events := h.engine.Events()

	h.engine.Toggle()
	ev := waitMsg(t, events, 2*time.Second, func(ev any) bool {
		_, ok := ev.(protocol.ErrorEvent)
		return ok
	}).(protocol.ErrorEvent)
	if ev.Code != "interaction_failed" {
		t.Errorf("Code = %q, want interaction_failed", ev.Code)
	}
	if !ev.Retryable {
		t.Error("500 surfaced as non-retryable")
	}
	if ev.Detail != "stt unavailable" {
		t.Errorf("Detail = %q", ev.Detail)
	}

	// The call stays up but listening does not resume on its own.
	st := waitPhase(t, events, PhaseIdle)
	if !st.Active {
		t.Error("backend error tore the call down")
	}
	opens := h.source.OpenCount()
	time.Sleep(60 * time.Millisecond)
	if h.source.OpenCount() != opens {
		t.Error("listening restarted after a failed round trip")
	}
	if h.log.Len() != 0 {
		t.Errorf("failed round trip left %d transcript messages", h.log.Len())
	}
}

func TestCaptureOpenFailureKeepsCall(t *testing.T) {
	h := newHarness(t, 40*time.Millisecond)
	h.source.SetOpenErr(&capture.AcquisitionError{Op: "open", Err: capture.ErrPermissionDenied})
	events := h.engine.Events()

	h.engine.Toggle()
	ev := waitMsg(t, events, 2*time.Second, func(ev any) bool {
		_, ok := ev.(protocol.ErrorEvent)
		return ok
	}).(protocol.ErrorEvent)
	if ev.Code != "capture_failed" {
		t.Errorf("Code = %q, want capture_failed", ev.Code)
	}

	st := waitPhase(t, events, PhaseIdle)
	if !st.Active {
		t.Error("capture failure tore the call down")
	}

	h.engine.Toggle()
	st = waitHangup(t, events)
	if st.Phase != string(PhaseIdle) {
		t.Errorf("Phase = %q after toggle off, want idle", st.Phase)
	}
}

func TestSilenceWithNoSpeechStillSubmits(t *testing.T) {
	h := newHarness(t, 40*time.Millisecond)
	// Quiet room: the source never produces a chunk, so the silence timeout
	// finalizes an empty artifact which is still sent to the backend.
	h.source.SetScript(nil, time.Millisecond)
	h.backend.err = &api.BackendError{Status: http.StatusBadRequest, Detail: "no audio received"}
	events := h.engine.Events()

	h.engine.Toggle()
	ev := waitMsg(t, events, 2*time.Second, func(ev any) bool {
		_, ok := ev.(protocol.ErrorEvent)
		return ok
	}).(protocol.ErrorEvent)
	if ev.Detail != "no audio received" {
		t.Errorf("Detail = %q, want backend detail", ev.Detail)
	}
	if h.backend.callCount() != 1 {
		t.Errorf("backend calls = %d, want 1", h.backend.callCount())
	}
}

func TestLateResultStillAppendsTranscript(t *testing.T) {
	h := newHarness(t, 40*time.Millisecond)
	h.backend.delay = 80 * time.Millisecond
	events := h.engine.Events()

	h.engine.Toggle()
	waitPhase(t, events, PhaseProcessing)
	h.engine.Toggle()
	waitHangup(t, events)

	waitMsg(t, events, 2*time.Second, func(ev any) bool {
		msg, ok := ev.(protocol.TranscriptMessage)
		return ok && msg.Message.Role == transcript.RoleAssistant
	})
	if h.log.Len() != 2 {
		t.Errorf("transcript has %d messages, want 2", h.log.Len())
	}

	// The late result must not resurrect the call.
	time.Sleep(50 * time.Millisecond)
	if h.engine.Status().Active {
		t.Error("late result restarted the call")
	}
}

func TestPlaybackFailureStillRestartsListening(t *testing.T) {
	h := newHarness(t, 40*time.Millisecond)
	h.player.FailWith(errors.New("ffplay exited"))
	events := h.engine.Events()

	h.engine.Toggle()
	ev := waitMsg(t, events, 2*time.Second, func(ev any) bool {
		e, ok := ev.(protocol.ErrorEvent)
		return ok && e.Code == "playback_failed"
	}).(protocol.ErrorEvent)
	if ev.Source != "player" {
		t.Errorf("Source = %q, want player", ev.Source)
	}

	waitPhase(t, events, PhaseRecording)
	if h.source.OpenCount() < 2 {
		t.Errorf("OpenCount = %d, want at least 2", h.source.OpenCount())
	}
}

func TestSelectConversationLoadsTranscript(t *testing.T) {
	h := newHarness(t, 40*time.Millisecond)
	h.backend.messages = []api.Message{
		{MessageID: 1, Role: "user", Content: "stored question", CreatedAt: "2026-08-30T09:00:00"},
		{MessageID: 2, Role: "assistant", Content: "stored answer", CreatedAt: "2026-08-30T09:00:05"},
	}
	events := h.engine.Events()

	h.engine.SelectConversation(3)
	ev := waitMsg(t, events, 2*time.Second, func(ev any) bool {
		_, ok := ev.(protocol.TranscriptSnapshot)
		return ok
	}).(protocol.TranscriptSnapshot)
	if ev.ConversationID != 3 {
		t.Errorf("ConversationID = %d, want 3", ev.ConversationID)
	}
	if len(ev.Messages) != 2 || ev.Messages[1].Content != "stored answer" {
		t.Fatalf("unexpected snapshot %+v", ev.Messages)
	}
	if h.log.Len() != 2 {
		t.Errorf("transcript has %d messages, want 2", h.log.Len())
	}
}

func TestNewConversationClearsTranscript(t *testing.T) {
	h := newHarness(t, 40*time.Millisecond)
	h.log.AppendExchange("old", "old reply")
	events := h.engine.Events()

	h.engine.NewConversation()
	ev := waitMsg(t, events, 2*time.Second, func(ev any) bool {
		_, ok := ev.(protocol.TranscriptSnapshot)
		return ok
	}).(protocol.TranscriptSnapshot)
	if len(ev.Messages) != 0 {
		t.Errorf("snapshot has %d messages, want 0", len(ev.Messages))
	}
	if h.log.Len() != 0 {
		t.Errorf("transcript has %d messages, want 0", h.log.Len())
	}
}

func TestConversationSwitchRejectedDuringCall(t *testing.T) {
	h := newHarness(t, 500*time.Millisecond)
	events := h.engine.Events()

	h.engine.Toggle()
	waitPhase(t, events, PhaseRecording)

	h.engine.SelectConversation(3)
	ev := waitMsg(t, events, 2*time.Second, func(ev any) bool {
		_, ok := ev.(protocol.SystemEvent)
		return ok
	}).(protocol.SystemEvent)
	if ev.Code != "call_active" {
		t.Errorf("Code = %q, want call_active", ev.Code)
	}
}

func TestStatusReflectsCall(t *testing.T) {
	h := newHarness(t, 500*time.Millisecond)
	events := h.engine.Events()

	st := h.engine.Status()
	if st.Active || st.Phase != PhaseIdle {
		t.Fatalf("initial status = %+v", st)
	}

	h.engine.Toggle()
	waitPhase(t, events, PhaseRecording)
	st = h.engine.Status()
	if !st.Active || st.Phase != PhaseRecording {
		t.Errorf("status during call = %+v", st)
	}
}
