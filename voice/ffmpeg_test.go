package voice

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFFmpeg writes an executable shell script standing in for ffmpeg.
func fakeFFmpeg(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("capture only runs on linux and darwin")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestFFmpegDeviceReadsAndCloses(t *testing.T) {
	bin := fakeFFmpeg(t, "head -c 32768 /dev/zero\nexec sleep 30")
	src, err := FFmpegDevice{Binary: bin}.Open(context.Background(), DefaultCaptureFormat())
	require.NoError(t, err)

	buf := make([]float32, FrameSamples)
	filled := 0
	for filled < len(buf) {
		n, err := src.ReadSamples(buf[filled:])
		require.NoError(t, err)
		filled += n
	}
	assert.Equal(t, float32(0), buf[FrameSamples-1])

	// A read blocked on the lingering process ends when the source closes.
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, err := src.ReadSamples(buf); err != nil {
				readErr <- err
				return
			}
		}
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, src.Close())
	select {
	case err := <-readErr:
		assert.Error(t, err)
	case <-time.After(waitFor):
		t.Fatal("read did not end after close")
	}
	require.NoError(t, src.Close(), "close is idempotent")
}

func TestFFmpegDevicePermissionDenied(t *testing.T) {
	bin := fakeFFmpeg(t, "echo 'Failed to open device: Permission denied' >&2\nexit 1")
	_, err := FFmpegDevice{Binary: bin}.Open(context.Background(), DefaultCaptureFormat())
	assert.ErrorIs(t, err, ErrPermissionDenied)
}
