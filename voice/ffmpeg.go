package voice

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

const ffmpegProbeTimeout = 3 * time.Second

// FFmpegDevice captures the default microphone through an ffmpeg
// subprocess producing f32le samples.
type FFmpegDevice struct {
	// Binary defaults to "ffmpeg" on PATH.
	Binary string
	// Input overrides the platform input, e.g. ":1" on darwin or a pulse
	// source name on linux.
	Input string
}

// Open starts ffmpeg and waits for the first samples, so a refused device
// surfaces here rather than on the first read.
func (d FFmpegDevice) Open(ctx context.Context, format CaptureFormat) (SampleSource, error) {
	bin := d.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	if _, err := exec.LookPath(bin); err != nil {
		return nil, fmt.Errorf("ffmpeg is required for microphone capture (install ffmpeg and ensure it is in PATH): %w", err)
	}
	args, err := ffmpegCaptureArgs(runtime.GOOS, d.Input, format)
	if err != nil {
		return nil, err
	}

	// An os.Pipe rather than StdoutPipe: Wait never closes it under a
	// pending read, so kill can reap the process while the reader drains.
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("open ffmpeg stdout: %w", err)
	}
	cmd := exec.Command(bin, args...)
	cmd.Stdout = pw
	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr
	err = cmd.Start()
	_ = pw.Close()
	if err != nil {
		_ = pr.Close()
		return nil, fmt.Errorf("start ffmpeg capture: %w", err)
	}
	src := &ffmpegSource{cmd: cmd, pipe: pr, r: bufio.NewReaderSize(pr, 4*format.FrameSamples), stderr: stderr}

	probe := make(chan error, 1)
	go func() {
		_, err := src.r.Peek(4)
		probe <- err
	}()
	timer := time.NewTimer(ffmpegProbeTimeout)
	defer timer.Stop()
	select {
	case err := <-probe:
		if err != nil {
			src.kill()
			return nil, classifyFFmpegError(err, stderr.String())
		}
		return src, nil
	case <-ctx.Done():
		src.kill()
		<-probe
		return nil, ctx.Err()
	case <-timer.C:
		src.kill()
		<-probe
		return nil, fmt.Errorf("no audio from capture device within %s: %s", ffmpegProbeTimeout, strings.TrimSpace(stderr.String()))
	}
}

func ffmpegCaptureArgs(goos, input string, format CaptureFormat) ([]string, error) {
	var in []string
	switch goos {
	case "darwin":
		if input == "" {
			input = ":0"
		}
		in = []string{"-f", "avfoundation", "-i", input}
	case "linux":
		if input == "" {
			input = "default"
		}
		in = []string{"-f", "pulse", "-i", input}
	default:
		return nil, fmt.Errorf("microphone capture is not implemented for %s; supported platforms: darwin, linux", goos)
	}
	args := []string{"-hide_banner", "-loglevel", "error"}
	args = append(args, in...)
	args = append(args,
		"-ac", strconv.Itoa(format.Channels),
		"-ar", strconv.Itoa(format.SampleRate),
		"-f", "f32le", "-",
	)
	return args, nil
}

var permissionHints = []string{
	"permission denied",
	"not authorized",
	"operation not permitted",
	"access denied",
}

func classifyFFmpegError(err error, stderr string) error {
	msg := strings.ToLower(stderr)
	for _, hint := range permissionHints {
		if strings.Contains(msg, hint) {
			return fmt.Errorf("%w: %s", ErrPermissionDenied, strings.TrimSpace(stderr))
		}
	}
	if stderr = strings.TrimSpace(stderr); stderr != "" {
		return fmt.Errorf("ffmpeg capture failed: %s: %w", stderr, err)
	}
	return fmt.Errorf("ffmpeg capture failed: %w", err)
}

type ffmpegSource struct {
	cmd    *exec.Cmd
	pipe   *os.File
	r      *bufio.Reader
	stderr *tailBuffer
	once   sync.Once
	raw    []byte
}

func (s *ffmpegSource) ReadSamples(buf []float32) (int, error) {
	need := 4 * len(buf)
	if cap(s.raw) < need {
		s.raw = make([]byte, need)
	}
	raw := s.raw[:need]
	n, err := io.ReadAtLeast(s.r, raw, 4)
	if rem := n % 4; rem != 0 && err == nil {
		// Complete the split sample so the stream stays aligned.
		m, ferr := io.ReadFull(s.r, raw[n:n+4-rem])
		n += m
		err = ferr
	}
	samples := n / 4
	for i := 0; i < samples; i++ {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return samples, err
}

func (s *ffmpegSource) Close() error {
	s.kill()
	return nil
}

// kill stops the process, reaps it and closes the read side, which ends a
// pending read.
func (s *ffmpegSource) kill() {
	s.once.Do(func() {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
			_ = s.cmd.Wait()
		}
		_ = s.pipe.Close()
	})
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}

// FFplayPlayer plays each mp3 segment with a fresh ffplay process fed
// through stdin. Cancelling Play kills the process.
type FFplayPlayer struct {
	// Binary defaults to "ffplay" on PATH.
	Binary string
}

func (p FFplayPlayer) Play(ctx context.Context, audio []byte) error {
	bin := p.Binary
	if bin == "" {
		bin = "ffplay"
	}
	cmd := exec.Command(bin, "-nodisp", "-autoexit", "-loglevel", "error", "-i", "pipe:0")
	cmd.Stdin = bytes.NewReader(audio)
	stderr := &tailBuffer{limit: 2048}
	cmd.Stdout = io.Discard
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffplay: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()
	select {
	case err := <-waitErr:
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return fmt.Errorf("ffplay exited with %d: %s", exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
			}
			return fmt.Errorf("ffplay: %w", err)
		}
		return nil
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-waitErr
		return ctx.Err()
	}
}
