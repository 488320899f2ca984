package capture

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// ErrCaptureActive is returned by Start while a capture is already open.
// Only one device stream may exist at a time.
var ErrCaptureActive = errors.New("capture already in progress")

type EventType string

const (
	// EventArtifactReady fires exactly once per finalized recording.
	EventArtifactReady EventType = "artifact_ready"
	// EventCaptureError fires when the device fails before any audio arrived.
	EventCaptureError EventType = "capture_error"
)

type Event struct {
	Type     EventType
	Artifact Artifact
	Err      error
}

// Recorder drives one microphone recording session at a time: start, chunk
// accumulation, silence timeout, and finalization into an Artifact.
type Recorder struct {
	source         Source
	silenceTimeout time.Duration
	events         chan Event

	mu        sync.Mutex
	recording bool
	acquiring bool
	gotChunk  bool
	gen       uint64
	stream    Stream
	timer     *time.Timer
	pumpDone  chan struct{}
	chunks    [][]byte
	artifact  *Artifact
}

func NewRecorder(source Source, silenceTimeout time.Duration) *Recorder {
	if silenceTimeout <= 0 {
		silenceTimeout = 3 * time.Second
	}
	return &Recorder{
		source:         source,
		silenceTimeout: silenceTimeout,
		events:         make(chan Event, 8),
	}
}

// Events delivers artifact-ready and capture-error notifications. The channel
// is never closed; consumers select on it for the life of the process.
func (r *Recorder) Events() <-chan Event { return r.events }

// Start acquires the microphone and begins buffering chunks. Any previously
// finalized artifact is discarded. The silence timeout is armed immediately:
// if nothing stops the recording first, it stops itself.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.recording || r.acquiring {
		r.mu.Unlock()
		return ErrCaptureActive
	}
	r.acquiring = true
	r.gen++
	r.artifact = nil
	r.chunks = nil
	r.gotChunk = false
	gen := r.gen
	r.mu.Unlock()

	stream, err := r.source.Open(ctx)

	r.mu.Lock()
	r.acquiring = false
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.recording = true
	r.stream = stream
	r.pumpDone = make(chan struct{})
	r.timer = time.AfterFunc(r.silenceTimeout, func() {
		_ = r.Stop()
	})
	done := r.pumpDone
	r.mu.Unlock()

	go r.pump(stream, done, gen)
	return nil
}

// Stop finalizes the collected chunks into an artifact and releases the
// device. Calling it while not recording is a no-op.
func (r *Recorder) Stop() error {
	return r.stop(true)
}

// Clear discards the finalized artifact and residual chunk state. It does not
// touch an in-progress recording.
func (r *Recorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.artifact = nil
	if !r.recording {
		r.chunks = nil
	}
}

// Artifact returns the most recently finalized recording, if any.
func (r *Recorder) Artifact() (Artifact, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.artifact == nil {
		return Artifact{}, false
	}
	return *r.artifact, true
}

func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

func (r *Recorder) stop(finalize bool) error {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return nil
	}
	r.recording = false
	stream := r.stream
	r.stream = nil
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	done := r.pumpDone
	r.pumpDone = nil
	gen := r.gen
	r.mu.Unlock()

	// Release the device unconditionally, then wait for the pump to drain so
	// the artifact observes every chunk that made it out of the stream. The
	// device may flush buffered data during Close; the pump keeps
	// accumulating those tail chunks because they belong to this session.
	closeErr := stream.Close()
	if done != nil {
		<-done
	}

	r.mu.Lock()
	// A newer Start owns the chunk state now; this session's finalize is
	// abandoned rather than publishing over it.
	if r.gen != gen {
		r.mu.Unlock()
		return closeErr
	}
	if !finalize {
		r.chunks = nil
		r.mu.Unlock()
		return closeErr
	}
	art := r.source.Finalize(r.chunks)
	r.chunks = nil
	r.artifact = &art
	r.mu.Unlock()

	r.emit(Event{Type: EventArtifactReady, Artifact: art})
	return closeErr
}

func (r *Recorder) pump(stream Stream, done chan struct{}, gen uint64) {
	defer close(done)
	for c := range stream.Chunks() {
		if c.Err != nil {
			r.mu.Lock()
			first := !r.gotChunk
			r.mu.Unlock()
			if first {
				r.emit(Event{Type: EventCaptureError, Err: &AcquisitionError{Op: "capture", Err: c.Err}})
				go func() { _ = r.stop(false) }()
			} else {
				log.Printf("capture: device error mid-stream, finalizing partial recording: %v", c.Err)
				go func() { _ = r.stop(true) }()
			}
			continue
		}
		if len(c.Data) == 0 {
			continue
		}
		r.mu.Lock()
		if r.gen == gen {
			r.gotChunk = true
			r.chunks = append(r.chunks, append([]byte(nil), c.Data...))
		}
		r.mu.Unlock()
	}
}

func (r *Recorder) emit(evt Event) {
	select {
	case r.events <- evt:
	default:
		log.Printf("capture: event queue saturated, dropping %s", evt.Type)
	}
}
