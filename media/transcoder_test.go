package media

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranscoderDefaults(t *testing.T) {
	tr := NewTranscoder(TranscoderConfig{OutputDir: "/tmp/out"})
	assert.Equal(t, "ffmpeg", tr.cfg.FFmpegPath)
	assert.Equal(t, "index.m3u8", tr.cfg.PlaylistName)
	assert.Equal(t, "segment_%d.ts", tr.cfg.SegmentPattern)
	assert.Equal(t, "session.sdp", tr.cfg.SDPName)
	assert.Equal(t, 2, tr.cfg.SegmentSeconds)
	assert.Equal(t, 5, tr.cfg.WindowSize)
	assert.Equal(t, defaultStopGrace, tr.cfg.StopGrace)
}

func TestBuildArgs(t *testing.T) {
	tr := NewTranscoder(TranscoderConfig{
		OutputDir:      "/tmp/out",
		SegmentSeconds: 4,
		WindowSize:     8,
	})
	args := tr.buildArgs("/tmp/out/session.sdp", "/tmp/out/index.m3u8")

	assert.Equal(t, "-nostdin", args[0])
	assert.Contains(t, args, "file,udp,rtp")
	assert.Contains(t, args, "/tmp/out/session.sdp")
	assert.Contains(t, args, "libx264")
	assert.Contains(t, args, "zerolatency")
	assert.Contains(t, args, "aac")
	assert.Contains(t, args, "delete_segments")
	assert.Contains(t, args, "/tmp/out/segment_%d.ts")
	assert.Equal(t, "/tmp/out/index.m3u8", args[len(args)-1])

	for i, a := range args {
		switch a {
		case "-hls_time":
			assert.Equal(t, "4", args[i+1])
		case "-hls_list_size":
			assert.Equal(t, "8", args[i+1])
		}
	}
}

func TestClearStaleArtifacts(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"index.m3u8", "segment_0.ts", "segment_1.ts", "session.sdp", "keep.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0755))

	require.NoError(t, clearStaleArtifacts(dir))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"keep.txt", "sub"}, names)
}

func TestStopNilHandle(t *testing.T) {
	tr := NewTranscoder(TranscoderConfig{OutputDir: t.TempDir()})
	assert.NoError(t, tr.Stop(context.Background(), nil))
}

func TestStartMissingBinary(t *testing.T) {
	tr := NewTranscoder(TranscoderConfig{
		FFmpegPath: "/nonexistent/ffmpeg",
		OutputDir:  t.TempDir(),
	})
	h, err := tr.Start(context.Background(), "v=0\r\n")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSpawn)
	assert.Nil(t, h)
}

func TestStartWritesSessionDescription(t *testing.T) {
	dir := t.TempDir()
	// stale leftovers from a previous run must be gone after Start
	require.NoError(t, os.WriteFile(filepath.Join(dir, "segment_9.ts"), []byte("x"), 0644))
	tr := NewTranscoder(TranscoderConfig{
		// a real binary that exits immediately on ffmpeg-style args
		FFmpegPath: "/bin/false",
		OutputDir:  dir,
	})
	desc := "v=0\r\ns=HLS Bridge\r\n"
	h, err := tr.Start(context.Background(), desc)
	require.NoError(t, err)
	defer tr.Stop(context.Background(), h)

	got, err := os.ReadFile(h.SDPPath)
	require.NoError(t, err)
	assert.Equal(t, desc, string(got))
	_, err = os.Stat(filepath.Join(dir, "segment_9.ts"))
	assert.True(t, os.IsNotExist(err))

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("subprocess never exited")
	}
	assert.Error(t, h.ExitErr())
}

func TestAwaitReadyFailsWhenProcessExited(t *testing.T) {
	tr := NewTranscoder(TranscoderConfig{
		FFmpegPath: "/bin/false",
		OutputDir:  t.TempDir(),
	})
	h, err := tr.Start(context.Background(), "v=0\r\n")
	require.NoError(t, err)
	<-h.Done()

	err = tr.AwaitReady(context.Background(), h)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSpawn)
}

func TestAwaitPlaylist(t *testing.T) {
	dir := t.TempDir()
	tr := NewTranscoder(TranscoderConfig{OutputDir: dir})
	h := &ProcessHandle{
		done:         make(chan struct{}),
		PlaylistPath: filepath.Join(dir, "index.m3u8"),
	}

	// playlist exists but has no segments yet -> times out
	empty := "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:2\n#EXT-X-MEDIA-SEQUENCE:0\n"
	require.NoError(t, os.WriteFile(h.PlaylistPath, []byte(empty), 0644))
	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()
	assert.Error(t, tr.AwaitPlaylist(ctx, h))

	// one live segment -> ready
	live := empty + "#EXTINF:2.000,\nsegment_0.ts\n"
	require.NoError(t, os.WriteFile(h.PlaylistPath, []byte(live), 0644))
	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	assert.NoError(t, tr.AwaitPlaylist(ctx2, h))
}

func TestLogWriterSplitsLines(t *testing.T) {
	lw := newLogWriter(context.Background())
	input := []byte("frame=  100 fps= 25\npartial")
	n, err := lw.Write(input)
	assert.NoError(t, err)
	assert.Equal(t, len(input), n)
}
