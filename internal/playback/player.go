package playback

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Player renders one synthesized reply and returns when playback finishes.
// Playback is whole-artifact only; nothing here streams.
type Player interface {
	Play(ctx context.Context, data []byte, mime string) error
}

// FFplayPlayer shells out to ffplay, feeding the audio over stdin.
type FFplayPlayer struct {
	path string
}

func NewFFplayPlayer(path string) *FFplayPlayer {
	if path == "" {
		path = "ffplay"
	}
	return &FFplayPlayer{path: path}
}

func (p *FFplayPlayer) Play(ctx context.Context, data []byte, _ string) error {
	if len(data) == 0 {
		return nil
	}
	cmd := exec.CommandContext(ctx, p.path,
		"-nodisp",
		"-autoexit",
		"-loglevel", "error",
		"-",
	)
	cmd.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return fmt.Errorf("ffplay: %w: %s", err, detail)
		}
		return fmt.Errorf("ffplay: %w", err)
	}
	return nil
}

// Available reports whether the ffplay binary can be found.
func (p *FFplayPlayer) Available() bool {
	_, err := exec.LookPath(p.path)
	return err == nil
}

// MockPlayer records playback calls and simulates their duration. Used in
// tests and as the dev fallback when ffplay is absent.
type MockPlayer struct {
	mu       sync.Mutex
	delay    time.Duration
	failWith error
	played   [][]byte
}

func NewMockPlayer() *MockPlayer { return &MockPlayer{} }

func (p *MockPlayer) SetDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delay = d
}

func (p *MockPlayer) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failWith = err
}

func (p *MockPlayer) Played() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.played))
	copy(out, p.played)
	return out
}

func (p *MockPlayer) Play(ctx context.Context, data []byte, _ string) error {
	p.mu.Lock()
	delay := p.delay
	failWith := p.failWith
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	if failWith != nil {
		return failWith
	}

	p.mu.Lock()
	p.played = append(p.played, append([]byte(nil), data...))
	p.mu.Unlock()
	return nil
}
