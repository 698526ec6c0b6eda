// ABOUTME: Tests for software gain and capability surface of the local player
package localplayer

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chorale-audio/chorale-go/internal/audio"
	"github.com/chorale-audio/chorale-go/internal/media"
)

type memStream struct {
	*bytes.Reader
	format audio.Format
}

func (s *memStream) Format() audio.Format { return s.format }
func (s *memStream) Close() error         { return nil }

func TestVolumeMultiplier(t *testing.T) {
	if m := volumeMultiplier(100, false); m != 1 {
		t.Errorf("full volume should be unity gain, got %f", m)
	}
	if m := volumeMultiplier(50, false); m != 0.5 {
		t.Errorf("half volume should be 0.5, got %f", m)
	}
	if m := volumeMultiplier(80, true); m != 0 {
		t.Errorf("mute should win over volume, got %f", m)
	}
}

func TestVolumeReaderScalesSamples(t *testing.T) {
	buf := make([]byte, 8)
	for i, s := range []int16{1000, -1000, 2000, -2000} {
		audio.PutSampleAt(buf, i*2, s)
	}

	p := New("local", "Local Output")
	if err := p.SetVolume(context.Background(), 50); err != nil {
		t.Fatalf("set volume: %v", err)
	}

	r := &volumeReader{
		src: &memStream{Reader: bytes.NewReader(buf), format: audio.DefaultPCM},
		p:   p,
	}
	out := make([]byte, 8)
	n, err := r.Read(out)
	if err != nil || n != 8 {
		t.Fatalf("read: n=%d err=%v", n, err)
	}

	want := []int16{500, -500, 1000, -1000}
	for i, w := range want {
		if got := audio.SampleAt(out, i*2); got != w {
			t.Errorf("sample %d: expected %d, got %d", i, w, got)
		}
	}
}

func TestVolumeReaderMute(t *testing.T) {
	buf := make([]byte, 4)
	audio.PutSampleAt(buf, 0, 12345)
	audio.PutSampleAt(buf, 2, -12345)

	p := New("local", "Local Output")
	if err := p.SetMuted(context.Background(), true); err != nil {
		t.Fatalf("mute: %v", err)
	}

	r := &volumeReader{
		src: &memStream{Reader: bytes.NewReader(buf), format: audio.DefaultPCM},
		p:   p,
	}
	out := make([]byte, 4)
	if _, err := r.Read(out); err != nil {
		t.Fatalf("read: %v", err)
	}
	if audio.SampleAt(out, 0) != 0 || audio.SampleAt(out, 2) != 0 {
		t.Error("muted output should be silence")
	}
}

func TestSetVolumeClamps(t *testing.T) {
	p := New("local", "Local Output")
	if err := p.SetVolume(context.Background(), 150); err != nil {
		t.Fatalf("set volume: %v", err)
	}
	st, _ := p.State(context.Background())
	if st.Volume != 100 {
		t.Errorf("expected clamp to 100, got %d", st.Volume)
	}
	if err := p.SetVolume(context.Background(), -5); err != nil {
		t.Fatalf("set volume: %v", err)
	}
	st, _ = p.State(context.Background())
	if st.Volume != 0 {
		t.Errorf("expected clamp to 0, got %d", st.Volume)
	}
}

func TestUnsupportedOperations(t *testing.T) {
	p := New("local", "Local Output")
	if err := p.Seek(context.Background(), time.Second); !errors.Is(err, media.ErrUnsupported) {
		t.Errorf("seek should be unsupported, got %v", err)
	}
	if err := p.JoinGroup(context.Background(), "x"); !errors.Is(err, media.ErrUnsupported) {
		t.Errorf("join should be unsupported, got %v", err)
	}
	caps := p.Capabilities()
	if caps.SupportsGroup || !caps.SupportsVolume || !caps.SupportsCrossfade {
		t.Errorf("unexpected capabilities %+v", caps)
	}
}

func TestIdleStateBeforePlay(t *testing.T) {
	p := New("local", "Local Output")
	st, err := p.State(context.Background())
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if st.Status != media.StatusIdle || st.Elapsed != 0 {
		t.Errorf("fresh player should be idle, got %+v", st)
	}
}
