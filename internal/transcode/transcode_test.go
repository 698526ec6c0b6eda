// ABOUTME: Tests for transcode pipeline assembly, resampling and pool bounds
package transcode

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/chorale-audio/chorale-go/internal/audio"
	"github.com/chorale-audio/chorale-go/internal/media"
)

func pcmSource(format audio.Format, samples []int16) *media.StreamSource {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		audio.PutSampleAt(buf, i*2, s)
	}
	return &media.StreamSource{
		Reader: io.NopCloser(bytes.NewReader(buf)),
		Format: format,
	}
}

func TestPassthroughMatchingFormat(t *testing.T) {
	tc := New(2)
	format := audio.Format{Codec: "pcm", SampleRate: 48000, Channels: 2, BitDepth: 16}
	samples := []int16{100, -100, 200, -200}

	rc, err := tc.Open(context.Background(), pcmSource(format, samples), format)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()

	out, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(out) != len(samples)*2 {
		t.Fatalf("expected %d bytes, got %d", len(samples)*2, len(out))
	}
	for i, want := range samples {
		if got := audio.SampleAt(out, i*2); got != want {
			t.Errorf("sample %d: expected %d, got %d", i, want, got)
		}
	}
}

func TestResampleDoublesFrameCount(t *testing.T) {
	tc := New(2)
	in := audio.Format{Codec: "pcm", SampleRate: 24000, Channels: 1, BitDepth: 16}
	out := audio.Format{Codec: "pcm", SampleRate: 48000, Channels: 1, BitDepth: 16}

	samples := make([]int16, 2400) // 100ms at 24kHz
	for i := range samples {
		samples[i] = int16(i % 1000)
	}

	rc, err := tc.Open(context.Background(), pcmSource(in, samples), out)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	frames := len(data) / 2
	// Linear interpolation loses a frame or two at the tail.
	if frames < 4700 || frames > 4800 {
		t.Errorf("expected about 4800 output frames, got %d", frames)
	}
}

func TestResampleInterpolatesMidpoints(t *testing.T) {
	r := newResampleReader(io.NopCloser(bytes.NewReader(func() []byte {
		buf := make([]byte, 8)
		for i, s := range []int16{0, 100, 200, 300} {
			audio.PutSampleAt(buf, i*2, s)
		}
		return buf
	}())), 1000, 2000, 1)

	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := []int16{0, 50, 100, 150, 200, 250, 300}
	if len(data)/2 < len(want) {
		t.Fatalf("expected at least %d samples, got %d", len(want), len(data)/2)
	}
	for i, w := range want {
		if got := audio.SampleAt(data, i*2); got != w {
			t.Errorf("sample %d: expected %d, got %d", i, w, got)
		}
	}
}

func TestRemixMonoToStereo(t *testing.T) {
	tc := New(2)
	in := audio.Format{Codec: "pcm", SampleRate: 48000, Channels: 1, BitDepth: 16}
	out := audio.Format{Codec: "pcm", SampleRate: 48000, Channels: 2, BitDepth: 16}

	rc, err := tc.Open(context.Background(), pcmSource(in, []int16{500, -500}), out)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := []int16{500, 500, -500, -500}
	if len(data) != len(want)*2 {
		t.Fatalf("expected %d bytes, got %d", len(want)*2, len(data))
	}
	for i, w := range want {
		if got := audio.SampleAt(data, i*2); got != w {
			t.Errorf("sample %d: expected %d, got %d", i, w, got)
		}
	}
}

func TestUnsupportedCodecRejected(t *testing.T) {
	tc := New(2)
	src := &media.StreamSource{
		Reader: io.NopCloser(bytes.NewReader(nil)),
		Format: audio.Format{Codec: "ogg", SampleRate: 48000, Channels: 2, BitDepth: 16},
	}
	_, err := tc.Open(context.Background(), src, audio.DefaultPCM)
	if !errors.Is(err, media.ErrUnsupported) {
		t.Errorf("expected unsupported codec error, got %v", err)
	}
}

func TestPoolBoundsConcurrentPipelines(t *testing.T) {
	tc := New(1)
	format := audio.Format{Codec: "pcm", SampleRate: 48000, Channels: 2, BitDepth: 16}

	first, err := tc.Open(context.Background(), pcmSource(format, []int16{1, 2}), format)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = tc.Open(ctx, pcmSource(format, []int16{3, 4}), format)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second open should block until timeout, got %v", err)
	}

	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	second, err := tc.Open(context.Background(), pcmSource(format, []int16{3, 4}), format)
	if err != nil {
		t.Fatalf("open after release: %v", err)
	}
	second.Close()

	// Double close must not free the slot twice.
	second.Close()
	third, err := tc.Open(context.Background(), pcmSource(format, []int16{5}), format)
	if err != nil {
		t.Fatalf("open after double close: %v", err)
	}
	third.Close()
}

func TestContextCancelAbortsReads(t *testing.T) {
	tc := New(2)
	format := audio.Format{Codec: "pcm", SampleRate: 48000, Channels: 2, BitDepth: 16}

	ctx, cancel := context.WithCancel(context.Background())
	rc, err := tc.Open(ctx, pcmSource(format, make([]int16, 1024)), format)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()

	cancel()
	if _, err := rc.Read(make([]byte, 64)); !errors.Is(err, context.Canceled) {
		t.Errorf("expected canceled read, got %v", err)
	}
}
