package capture

import (
	"context"
	"errors"
	"fmt"
)

// Acquisition failures reported by Source.Open.
var (
	ErrPermissionDenied  = errors.New("microphone permission denied")
	ErrDeviceUnavailable = errors.New("no audio input device available")
)

// AcquisitionError wraps a platform capture failure that happened before any
// audio arrived.
type AcquisitionError struct {
	Op  string
	Err error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("audio acquisition failed during %s: %v", e.Op, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// Artifact is a finalized, immutable recording ready for upload.
type Artifact struct {
	Name string
	MIME string
	Data []byte
}

// Chunk is one fragment delivered by a live stream. Data and Err are
// mutually exclusive.
type Chunk struct {
	Data []byte
	Err  error
}

// Stream is a single live acquisition of the microphone. The chunk channel
// is closed when the device stops delivering, including after Close.
type Stream interface {
	Chunks() <-chan Chunk
	Close() error
}

// Source acquires the platform microphone and knows how to package the
// collected fragments into an uploadable artifact.
type Source interface {
	Open(ctx context.Context) (Stream, error)
	Finalize(chunks [][]byte) Artifact
}
