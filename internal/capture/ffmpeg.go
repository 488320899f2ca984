package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/katidev/kati/internal/audio"
)

// FFmpegConfig describes how the microphone is captured via ffmpeg.
type FFmpegConfig struct {
	Path        string
	InputFormat string
	InputDevice string
	SampleRate  int
	// Format selects the artifact container: "wav" (raw PCM wrapped at
	// finalize) or "webm" (opus encoded by ffmpeg itself).
	Format string
}

// FFmpegSource streams microphone audio from an ffmpeg subprocess.
type FFmpegSource struct {
	cfg FFmpegConfig
}

func NewFFmpegSource(cfg FFmpegConfig) *FFmpegSource {
	if cfg.Path == "" {
		cfg.Path = "ffmpeg"
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "pulse"
	}
	if cfg.InputDevice == "" {
		cfg.InputDevice = "default"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Format == "" {
		cfg.Format = "wav"
	}
	return &FFmpegSource{cfg: cfg}
}

func (s *FFmpegSource) Open(ctx context.Context) (Stream, error) {
	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", s.cfg.InputFormat,
		"-i", s.cfg.InputDevice,
		"-ac", "1",
		"-ar", strconv.Itoa(s.cfg.SampleRate),
	}
	if s.cfg.Format == "webm" {
		args = append(args, "-f", "webm", "-c:a", "libopus", "-")
	} else {
		args = append(args, "-f", "s16le", "-")
	}

	cmd := exec.CommandContext(ctx, s.cfg.Path, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s not found", ErrDeviceUnavailable, s.cfg.Path)
		}
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	// ffmpeg exits immediately when the device cannot be opened; give it a
	// moment so acquisition failures surface here rather than mid-capture.
	select {
	case <-waitErr:
		return nil, classifyAcquireFailure(stderr.String())
	case <-time.After(250 * time.Millisecond):
	}

	st := &ffmpegStream{
		stdout:  stdout,
		stderr:  &stderr,
		process: cmd.Process,
		waitErr: waitErr,
		chunks:  make(chan Chunk, 32),
	}
	go st.read()
	return st, nil
}

func (s *FFmpegSource) Finalize(chunks [][]byte) Artifact {
	var buf bytes.Buffer
	for _, c := range chunks {
		buf.Write(c)
	}
	if s.cfg.Format == "webm" {
		return Artifact{Name: "recording.webm", MIME: "audio/webm", Data: buf.Bytes()}
	}
	return Artifact{
		Name: "recording.wav",
		MIME: "audio/wav",
		Data: audio.EncodeWAVPCM16LE(buf.Bytes(), s.cfg.SampleRate),
	}
}

func classifyAcquireFailure(stderr string) error {
	detail := strings.TrimSpace(stderr)
	lower := strings.ToLower(detail)
	switch {
	case strings.Contains(lower, "permission denied"),
		strings.Contains(lower, "not permitted"),
		strings.Contains(lower, "access denied"):
		return fmt.Errorf("%w: %s", ErrPermissionDenied, detail)
	case strings.Contains(lower, "no such"),
		strings.Contains(lower, "device not found"),
		strings.Contains(lower, "cannot open"),
		strings.Contains(lower, "connection refused"):
		return fmt.Errorf("%w: %s", ErrDeviceUnavailable, detail)
	case detail == "":
		return fmt.Errorf("%w: ffmpeg exited before capture started", ErrDeviceUnavailable)
	default:
		return &AcquisitionError{Op: "open", Err: errors.New(detail)}
	}
}

type ffmpegStream struct {
	stdout  io.ReadCloser
	stderr  *bytes.Buffer
	process *os.Process
	waitErr <-chan error
	chunks  chan Chunk

	stopOnce sync.Once
	stopErr  error
}

func (s *ffmpegStream) Chunks() <-chan Chunk { return s.chunks }

func (s *ffmpegStream) read() {
	defer close(s.chunks)
	buf := make([]byte, 4096)
	for {
		n, err := s.stdout.Read(buf)
		if n > 0 {
			s.chunks <- Chunk{Data: append([]byte(nil), buf[:n]...)}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				s.chunks <- Chunk{Err: err}
			}
			return
		}
	}
}

func (s *ffmpegStream) Close() error {
	s.stopOnce.Do(func() {
		if s.process != nil {
			_ = s.process.Signal(os.Interrupt)
		}

		select {
		case err, ok := <-s.waitErr:
			if ok {
				s.stopErr = normalizeExitErr(err)
			}
		case <-time.After(1200 * time.Millisecond):
			if s.process != nil {
				_ = s.process.Kill()
			}
			err, ok := <-s.waitErr
			if ok {
				s.stopErr = normalizeExitErr(err)
			}
		}

		if closeErr := s.stdout.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
			if s.stopErr == nil {
				s.stopErr = closeErr
			}
		}

		if s.stopErr != nil && s.stderr != nil && s.stderr.Len() > 0 {
			s.stopErr = fmt.Errorf("%w: %s", s.stopErr, strings.TrimSpace(s.stderr.String()))
		}
	})
	return s.stopErr
}

// ffmpeg exits non-zero when interrupted; that is a normal stop, not an error.
func normalizeExitErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}
