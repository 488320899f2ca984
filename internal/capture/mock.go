package capture

import (
	"bytes"
	"context"
	"sync"
	"time"
)

// MockSource is a scriptable capture source used in tests and as the dev
// fallback when no real device is configured.
type MockSource struct {
	mu            sync.Mutex
	script        [][]byte
	chunkInterval time.Duration
	openErr       error
	failErr       error
	failAfter     int // inject a device error after N chunks; 0 disables
	openCount     int
	activeStreams int
	closedStreams int
}

func NewMockSource() *MockSource {
	return &MockSource{
		script:        [][]byte{[]byte("mock-audio")},
		chunkInterval: time.Millisecond,
	}
}

// SetScript replaces the chunks each opened stream will deliver.
func (s *MockSource) SetScript(chunks [][]byte, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = chunks
	s.chunkInterval = interval
}

func (s *MockSource) SetOpenErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openErr = err
}

// FailAfter injects a device error after n chunks have been delivered.
// n == 0 fails before the first chunk.
func (s *MockSource) FailAfter(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAfter = n + 1
	s.openErr = nil
	s.failErr = err
}

func (s *MockSource) OpenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openCount
}

func (s *MockSource) ActiveStreams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeStreams
}

func (s *MockSource) ClosedStreams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closedStreams
}

var _ Source = (*MockSource)(nil)

func (s *MockSource) Open(_ context.Context) (Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openCount++
	if s.openErr != nil {
		return nil, s.openErr
	}
	s.activeStreams++

	st := &mockStream{
		source: s,
		chunks: make(chan Chunk, 32),
		stop:   make(chan struct{}),
	}
	script := make([][]byte, len(s.script))
	copy(script, s.script)
	go st.run(script, s.chunkInterval, s.failAfter, s.failErr)
	return st, nil
}

func (s *MockSource) Finalize(chunks [][]byte) Artifact {
	var buf bytes.Buffer
	for _, c := range chunks {
		buf.Write(c)
	}
	return Artifact{Name: "recording.webm", MIME: "audio/webm", Data: buf.Bytes()}
}

type mockStream struct {
	source   *MockSource
	chunks   chan Chunk
	stop     chan struct{}
	stopOnce sync.Once
}

func (s *mockStream) Chunks() <-chan Chunk { return s.chunks }

func (s *mockStream) run(script [][]byte, interval time.Duration, failAfter int, failErr error) {
	defer close(s.chunks)
	delivered := 0
	for {
		if failAfter > 0 && delivered == failAfter-1 {
			select {
			case s.chunks <- Chunk{Err: failErr}:
			case <-s.stop:
			}
			return
		}
		if delivered >= len(script) && failAfter == 0 {
			// Script exhausted: keep the stream open until closed, like a
			// real device with a quiet room.
			<-s.stop
			return
		}
		var data []byte
		if delivered < len(script) {
			data = script[delivered]
		}
		select {
		case <-s.stop:
			return
		case <-time.After(interval):
		}
		if data != nil {
			select {
			case s.chunks <- Chunk{Data: data}:
			case <-s.stop:
				return
			}
		}
		delivered++
	}
}

func (s *mockStream) Close() error {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.source.mu.Lock()
		s.source.activeStreams--
		s.source.closedStreams++
		s.source.mu.Unlock()
	})
	return nil
}
