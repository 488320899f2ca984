package call

import (
	"context"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/katidev/kati/internal/api"
	"github.com/katidev/kati/internal/archive"
	"github.com/katidev/kati/internal/auth"
	"github.com/katidev/kati/internal/capture"
	"github.com/katidev/kati/internal/observability"
	"github.com/katidev/kati/internal/playback"
	"github.com/katidev/kati/internal/protocol"
	"github.com/katidev/kati/internal/reliability"
	"github.com/katidev/kati/internal/transcript"
)

// Phase is the engine's position in the call cycle.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseRecording  Phase = "recording"
	PhaseProcessing Phase = "processing"
	PhasePlaying    Phase = "playing"
)

// State is a snapshot of the call for status queries and viewers.
type State struct {
	Phase           Phase `json:"phase"`
	Active          bool  `json:"active"`
	DurationSeconds int   `json:"duration_seconds"`
}

// Backend is the slice of the API client the engine needs.
type Backend interface {
	QuickInteraction(ctx context.Context, art capture.Artifact) (api.Interaction, error)
	Messages(ctx context.Context, conversationID int) ([]api.Message, error)
}

// SessionSource exposes the logged-in identity for archive records.
type SessionSource interface {
	Current() (auth.Session, bool)
}

const (
	archiveSaveTimeout      = 2 * time.Second
	conversationLoadTimeout = 10 * time.Second
)

type commandKind int

const (
	cmdToggle commandKind = iota
	cmdNewConversation
	cmdSelectConversation
)

type command struct {
	kind           commandKind
	conversationID int
}

type roundTripResult struct {
	interaction api.Interaction
	err         error
	elapsed     time.Duration
}

// Engine runs the call loop: it owns the recorder's lifecycle, sends each
// finalized recording through the backend round trip, plays the reply, and
// starts listening again. All state transitions happen on the Run goroutine;
// the public methods only enqueue commands.
type Engine struct {
	recorder *capture.Recorder
	backend  Backend
	player   playback.Player
	log      *transcript.Log
	store    archive.Store
	sessions SessionSource
	metrics  *observability.Metrics

	startDelay   time.Duration
	restartDelay time.Duration

	cmds     chan command
	results  chan roundTripResult
	playDone chan error
	events   chan any

	// Loop-owned state, never touched off the Run goroutine.
	phase        Phase
	active       bool
	callStart    time.Time
	inFlight     bool
	startTimer   *time.Timer
	restartTimer *time.Timer
	ticker       *time.Ticker
	playCancel   context.CancelFunc

	status chan chan State
}

func NewEngine(
	recorder *capture.Recorder,
	backend Backend,
	player playback.Player,
	transcriptLog *transcript.Log,
	store archive.Store,
	sessions SessionSource,
	metrics *observability.Metrics,
	startDelay, restartDelay time.Duration,
) *Engine {
	if startDelay <= 0 {
		startDelay = 100 * time.Millisecond
	}
	if restartDelay <= 0 {
		restartDelay = 500 * time.Millisecond
	}
	return &Engine{
		recorder:     recorder,
		backend:      backend,
		player:       player,
		log:          transcriptLog,
		store:        store,
		sessions:     sessions,
		metrics:      metrics,
		startDelay:   startDelay,
		restartDelay: restartDelay,
		cmds:         make(chan command, 8),
		results:      make(chan roundTripResult, 1),
		playDone:     make(chan error, 1),
		events:       make(chan any, 64),
		status:       make(chan chan State),
		phase:        PhaseIdle,
	}
}

// Events carries protocol messages for viewers. Slow consumers lose events
// rather than stalling the loop.
func (e *Engine) Events() <-chan any { return e.events }

// Toggle starts the call when idle and ends it when active.
func (e *Engine) Toggle() { e.enqueue(command{kind: cmdToggle}) }

// NewConversation clears the transcript. Ignored while a call is active.
func (e *Engine) NewConversation() { e.enqueue(command{kind: cmdNewConversation}) }

// SelectConversation loads a stored conversation into the transcript.
// Ignored while a call is active.
func (e *Engine) SelectConversation(conversationID int) {
	e.enqueue(command{kind: cmdSelectConversation, conversationID: conversationID})
}

func (e *Engine) enqueue(cmd command) {
	select {
	case e.cmds <- cmd:
	default:
		log.Printf("call: command queue full, dropping command %d", cmd.kind)
	}
}

// Status reports the current call state. Safe from any goroutine.
func (e *Engine) Status() State {
	reply := make(chan State, 1)
	select {
	case e.status <- reply:
		return <-reply
	case <-time.After(time.Second):
		return State{Phase: PhaseIdle}
	}
}

// Run drives the engine until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	defer e.shutdown()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-e.cmds:
			e.handleCommand(ctx, cmd)
		case ev := <-e.recorder.Events():
			e.handleCapture(ctx, ev)
		case res := <-e.results:
			e.handleResult(ctx, res)
		case err := <-e.playDone:
			e.handlePlayDone(err)
		case <-timerC(e.startTimer):
			e.startTimer = nil
			e.beginRecording(ctx)
		case <-timerC(e.restartTimer):
			e.restartTimer = nil
			e.beginRecording(ctx)
		case <-tickerC(e.ticker):
			e.emitState()
		case reply := <-e.status:
			reply <- e.snapshot()
		}
	}
}

func (e *Engine) shutdown() {
	e.stopTimers()
	if e.ticker != nil {
		e.ticker.Stop()
		e.ticker = nil
	}
	if e.playCancel != nil {
		e.playCancel()
		e.playCancel = nil
	}
	if e.recorder.Recording() {
		e.recorder.Stop()
	}
}

func (e *Engine) handleCommand(ctx context.Context, cmd command) {
	switch cmd.kind {
	case cmdToggle:
		if e.active {
			e.endCall("user_ended")
		} else {
			e.startCall()
		}
	case cmdNewConversation:
		if e.active {
			e.emit(protocol.SystemEvent{Type: protocol.TypeSystemEvent, Code: "call_active", Detail: "end the call before switching conversations"})
			return
		}
		e.log.Clear()
		e.emit(protocol.TranscriptSnapshot{Type: protocol.TypeTranscriptSnapshot, Messages: []transcript.Message{}})
	case cmdSelectConversation:
		if e.active {
			e.emit(protocol.SystemEvent{Type: protocol.TypeSystemEvent, Code: "call_active", Detail: "end the call before switching conversations"})
			return
		}
		go e.loadConversation(ctx, cmd.conversationID)
	}
}

func (e *Engine) startCall() {
	e.active = true
	e.callStart = time.Now()
	e.countCall("started")
	if e.metrics != nil {
		e.metrics.ActiveCalls.Set(1)
	}
	e.ticker = time.NewTicker(time.Second)
	// Mirrors the UI's short settle delay before the first capture.
	e.startTimer = time.NewTimer(e.startDelay)
	e.emitState()
}

func (e *Engine) endCall(reason string) {
	wasActive := e.active
	e.active = false
	e.stopTimers()
	if e.ticker != nil {
		e.ticker.Stop()
		e.ticker = nil
	}
	if e.playCancel != nil {
		e.playCancel()
		e.playCancel = nil
	}
	// Stopping while recording still finalizes an artifact, but the loop
	// discards it because the call is no longer active.
	if e.recorder.Recording() {
		e.recorder.Stop()
	}
	if wasActive {
		e.countCall(reason)
	}
	if e.metrics != nil {
		e.metrics.ActiveCalls.Set(0)
	}
	e.setPhase(PhaseIdle)
}

func (e *Engine) beginRecording(ctx context.Context) {
	if !e.active {
		return
	}
	if err := e.recorder.Start(ctx); err != nil {
		if errors.Is(err, capture.ErrCaptureActive) {
			return
		}
		e.emit(protocol.ErrorEvent{
			Type:   protocol.TypeErrorEvent,
			Code:   "capture_failed",
			Source: "capture",
			Detail: err.Error(),
		})
		e.countCapture("start_failed")
		e.setPhase(PhaseIdle)
		return
	}
	e.setPhase(PhaseRecording)
}

func (e *Engine) handleCapture(ctx context.Context, ev capture.Event) {
	switch ev.Type {
	case capture.EventArtifactReady:
		art, ok := e.recorder.Artifact()
		e.recorder.Clear()
		if !e.active {
			return
		}
		if !ok {
			e.scheduleRestart()
			return
		}
		if e.inFlight {
			return
		}
		e.inFlight = true
		e.setPhase(PhaseProcessing)
		go e.roundTrip(ctx, art)
	case capture.EventCaptureError:
		e.countCapture("error")
		detail := ""
		if ev.Err != nil {
			detail = ev.Err.Error()
		}
		e.emit(protocol.ErrorEvent{
			Type:   protocol.TypeErrorEvent,
			Code:   "capture_failed",
			Source: "capture",
			Detail: detail,
		})
		if e.active {
			e.setPhase(PhaseIdle)
		}
	}
}

func (e *Engine) roundTrip(ctx context.Context, art capture.Artifact) {
	start := time.Now()
	inter, err := e.backend.QuickInteraction(ctx, art)
	res := roundTripResult{interaction: inter, err: err, elapsed: time.Since(start)}
	select {
	case e.results <- res:
	case <-ctx.Done():
	}
}

func (e *Engine) handleResult(ctx context.Context, res roundTripResult) {
	e.inFlight = false

	if res.err != nil {
		e.recordBackendError(res.err)
		e.countCall("round_trip_failed")
		e.emit(protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			Code:      "interaction_failed",
			Source:    "backend",
			Retryable: reliability.IsRetryableBackendError(res.err),
			Detail:    res.err.Error(),
		})
		// The call stays up; listening does not resume on its own after a
		// failed round trip.
		if e.active {
			e.setPhase(PhaseIdle)
		}
		return
	}

	if e.metrics != nil {
		e.metrics.ObserveRoundTrip(res.elapsed)
	}
	e.countCall("exchange")

	// A result that arrives after the call ended still lands in the
	// transcript and plays; only the listen restart depends on the call
	// still being active.
	user, assistant := e.log.AppendExchange(res.interaction.Transcription, res.interaction.Reply)
	e.emit(protocol.TranscriptMessage{Type: protocol.TypeTranscriptMessage, Message: user})
	e.emit(protocol.TranscriptMessage{Type: protocol.TypeTranscriptMessage, Message: assistant})

	e.archiveExchange(res)

	if len(res.interaction.Audio) == 0 {
		e.scheduleRestart()
		return
	}
	if e.active {
		e.setPhase(PhasePlaying)
	}
	playCtx, cancel := context.WithCancel(ctx)
	e.playCancel = cancel
	go func() {
		err := e.player.Play(playCtx, res.interaction.Audio, res.interaction.MIME)
		cancel()
		select {
		case e.playDone <- err:
		case <-ctx.Done():
		}
	}()
}

func (e *Engine) handlePlayDone(err error) {
	e.playCancel = nil
	if err != nil && !errors.Is(err, context.Canceled) {
		e.emit(protocol.ErrorEvent{
			Type:   protocol.TypeErrorEvent,
			Code:   "playback_failed",
			Source: "player",
			Detail: err.Error(),
		})
	}
	e.scheduleRestart()
}

func (e *Engine) scheduleRestart() {
	e.setPhase(PhaseIdle)
	if !e.active {
		return
	}
	if e.restartTimer != nil {
		e.restartTimer.Stop()
	}
	e.restartTimer = time.NewTimer(e.restartDelay)
}

func (e *Engine) archiveExchange(res roundTripResult) {
	if e.store == nil {
		return
	}
	username := ""
	if e.sessions != nil {
		if sess, ok := e.sessions.Current(); ok {
			username = sess.User.Username
		}
	}
	record := archive.ExchangeRecord{
		Username:      username,
		Transcription: res.interaction.Transcription,
		Reply:         res.interaction.Reply,
		RoundTripMS:   res.elapsed.Milliseconds(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), archiveSaveTimeout)
		defer cancel()
		if err := e.store.SaveExchange(ctx, record); err != nil {
			log.Printf("call: archive save failed: %v", err)
		}
	}()
}

func (e *Engine) loadConversation(ctx context.Context, conversationID int) {
	loadCtx, cancel := context.WithTimeout(ctx, conversationLoadTimeout)
	defer cancel()

	msgs, err := e.backend.Messages(loadCtx, conversationID)
	if err != nil {
		e.emit(protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			Code:      "conversation_load_failed",
			Source:    "backend",
			Retryable: reliability.IsRetryableBackendError(err),
			Detail:    err.Error(),
		})
		return
	}

	converted := make([]transcript.Message, 0, len(msgs))
	for _, m := range msgs {
		converted = append(converted, transcript.Message{
			ID:        uuid.NewString(),
			Role:      transcript.Role(m.Role),
			Content:   m.Content,
			Timestamp: parseBackendTime(m.CreatedAt),
		})
	}
	e.log.Replace(converted)
	e.emit(protocol.TranscriptSnapshot{
		Type:           protocol.TypeTranscriptSnapshot,
		ConversationID: conversationID,
		Messages:       converted,
	})
}

func (e *Engine) setPhase(p Phase) {
	e.phase = p
	e.emitState()
}

func (e *Engine) snapshot() State {
	s := State{Phase: e.phase, Active: e.active}
	if e.active {
		s.DurationSeconds = int(time.Since(e.callStart).Seconds())
	}
	return s
}

func (e *Engine) emitState() {
	s := e.snapshot()
	e.emit(protocol.CallState{
		Type:            protocol.TypeCallState,
		Phase:           string(s.Phase),
		Active:          s.Active,
		DurationSeconds: s.DurationSeconds,
		Duration:        protocol.FormatDuration(s.DurationSeconds),
	})
}

func (e *Engine) emit(msg any) {
	select {
	case e.events <- msg:
	default:
		log.Printf("call: event channel full, dropping %T", msg)
	}
}

func (e *Engine) stopTimers() {
	if e.startTimer != nil {
		e.startTimer.Stop()
		e.startTimer = nil
	}
	if e.restartTimer != nil {
		e.restartTimer.Stop()
		e.restartTimer = nil
	}
}

func (e *Engine) countCall(event string) {
	if e.metrics != nil {
		e.metrics.CallEvents.WithLabelValues(event).Inc()
	}
}

func (e *Engine) countCapture(event string) {
	if e.metrics != nil {
		e.metrics.CaptureEvents.WithLabelValues(event).Inc()
	}
}

func (e *Engine) recordBackendError(err error) {
	if e.metrics == nil {
		return
	}
	status := "transport"
	var be *api.BackendError
	if errors.As(err, &be) {
		status = strconv.Itoa(be.Status)
	}
	e.metrics.BackendErrors.WithLabelValues("quick_interaction", status).Inc()
}

func parseBackendTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func tickerC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}
