// ABOUTME: Tests for flow stream joins, crossfade timing and failure skipping
package flow

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"testing"
	"time"

	"github.com/chorale-audio/chorale-go/internal/audio"
	"github.com/chorale-audio/chorale-go/internal/media"
	"github.com/chorale-audio/chorale-go/internal/queue"
)

// Tiny format keeps the test buffers small: 2000 bytes per second.
var testFormat = audio.Format{Codec: "pcm", SampleRate: 1000, Channels: 1, BitDepth: 16}

type fakeView struct {
	items    []queue.Item
	cur      int
	version  uint64
	advances []int
}

func (v *fakeView) Current() (queue.Item, bool) {
	if v.cur < len(v.items) {
		return v.items[v.cur], true
	}
	return queue.Item{}, false
}

func (v *fakeView) PeekNext(skip int) (queue.Item, bool) {
	pos := v.cur + 1 + skip
	if pos < len(v.items) {
		return v.items[pos], true
	}
	return queue.Item{}, false
}

func (v *fakeView) AdvanceBy(n int) bool {
	v.advances = append(v.advances, n)
	v.cur += n
	return v.cur < len(v.items)
}

func (v *fakeView) Version() uint64 { return v.version }

type fakeResolver struct {
	fail     map[string]bool
	sample   int16
	resolved []string
}

func (r *fakeResolver) Resolve(_ context.Context, it queue.Item, target audio.Format) (io.ReadCloser, error) {
	r.resolved = append(r.resolved, it.ID)
	if r.fail[it.ID] {
		return nil, media.ErrProviderUnavailable
	}
	buf := make([]byte, target.BytesFor(it.Duration))
	for i := 0; i+1 < len(buf); i += 2 {
		audio.PutSampleAt(buf, i, r.sample)
	}
	return io.NopCloser(bytes.NewReader(buf)), nil
}

func flowItem(id string, d time.Duration, crossfade bool) queue.Item {
	return queue.Item{
		ID:             id,
		Ref:            media.ItemRef{ProviderID: "test", MediaID: id},
		Duration:       d,
		AllowCrossfade: crossfade,
	}
}

func drain(t *testing.T, s *Stream) int64 {
	t.Helper()
	buf := make([]byte, 512)
	var total int64
	for {
		n, err := s.Read(buf)
		total += int64(n)
		if err == io.EOF {
			return total
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}
	}
}

func TestGaplessJoinEmitsBoundaryMarker(t *testing.T) {
	view := &fakeView{items: []queue.Item{
		flowItem("a", 2*time.Second, false),
		flowItem("b", 1*time.Second, false),
	}}
	b := NewBuilder(&fakeResolver{sample: 1000}, Config{Format: testFormat})
	s, err := b.Build(context.Background(), view, 0)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	total := drain(t, s)
	if want := testFormat.BytesFor(3 * time.Second); total != want {
		t.Errorf("expected %d bytes, got %d", want, total)
	}

	var marks []Marker
	for m := range s.Markers() {
		marks = append(marks, m)
	}
	if len(marks) != 1 {
		t.Fatalf("expected 1 marker, got %d", len(marks))
	}
	if marks[0].PrevItemID != "a" || marks[0].ItemID != "b" {
		t.Errorf("marker ids wrong: %+v", marks[0])
	}
	if marks[0].Position != 2*time.Second {
		t.Errorf("gapless marker should sit at the join, got %v", marks[0].Position)
	}
	if len(view.advances) != 2 || view.advances[0] != 1 {
		t.Errorf("unexpected advances %v", view.advances)
	}
}

func TestCrossfadeMarkerAtFadeStart(t *testing.T) {
	view := &fakeView{items: []queue.Item{
		flowItem("a", 10*time.Second, true),
		flowItem("b", 8*time.Second, true),
	}}
	b := NewBuilder(&fakeResolver{sample: 1000}, Config{
		Format:    testFormat,
		Crossfade: 3 * time.Second,
		Curve:     CurveEqualPower,
	})
	s, err := b.Build(context.Background(), view, 0)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	total := drain(t, s)
	// 3s of overlap: 10 + 8 - 3.
	if want := testFormat.BytesFor(15 * time.Second); total != want {
		t.Errorf("expected %d bytes, got %d", want, total)
	}

	var marks []Marker
	for m := range s.Markers() {
		marks = append(marks, m)
	}
	if len(marks) != 1 {
		t.Fatalf("expected 1 marker, got %d", len(marks))
	}
	if marks[0].Position != 7*time.Second {
		t.Errorf("marker must land at fade start (7s), got %v", marks[0].Position)
	}
}

func TestCrossfadeSkippedWhenItemDisallows(t *testing.T) {
	view := &fakeView{items: []queue.Item{
		flowItem("a", 2*time.Second, true),
		flowItem("b", 1*time.Second, false),
	}}
	b := NewBuilder(&fakeResolver{sample: 1000}, Config{
		Format:    testFormat,
		Crossfade: 500 * time.Millisecond,
	})
	s, err := b.Build(context.Background(), view, 0)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	total := drain(t, s)
	// No overlap: the join degrades to gapless.
	if want := testFormat.BytesFor(3 * time.Second); total != want {
		t.Errorf("expected %d bytes, got %d", want, total)
	}
}

func TestQueueChangeAbortsStream(t *testing.T) {
	view := &fakeView{items: []queue.Item{flowItem("a", 5*time.Second, false)}}
	b := NewBuilder(&fakeResolver{sample: 1000}, Config{Format: testFormat})
	s, err := b.Build(context.Background(), view, 0)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	buf := make([]byte, 512)
	if _, err := s.Read(buf); err != nil {
		t.Fatalf("first read: %v", err)
	}

	view.version++
	if _, err := s.Read(buf); !errors.Is(err, ErrQueueChanged) {
		t.Errorf("expected ErrQueueChanged, got %v", err)
	}
}

func TestSkipAndAdvancePastUnavailableItem(t *testing.T) {
	view := &fakeView{items: []queue.Item{
		flowItem("a", 1*time.Second, false),
		flowItem("broken", 1*time.Second, false),
		flowItem("c", 1*time.Second, false),
	}}
	r := &fakeResolver{sample: 1000, fail: map[string]bool{"broken": true}}
	b := NewBuilder(r, Config{Format: testFormat, MaxSkips: 3})
	s, err := b.Build(context.Background(), view, 0)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	total := drain(t, s)
	if want := testFormat.BytesFor(2 * time.Second); total != want {
		t.Errorf("expected a and c only (%d bytes), got %d", want, total)
	}
	if len(view.advances) < 1 || view.advances[0] != 2 {
		t.Errorf("skip should consume the broken item too, advances=%v", view.advances)
	}
}

func TestAllCandidatesFailingExhaustsStream(t *testing.T) {
	view := &fakeView{items: []queue.Item{
		flowItem("a", 1*time.Second, false),
		flowItem("x1", 1*time.Second, false),
		flowItem("x2", 1*time.Second, false),
	}}
	r := &fakeResolver{sample: 1000, fail: map[string]bool{"x1": true, "x2": true}}
	b := NewBuilder(r, Config{Format: testFormat, MaxSkips: 2})
	s, err := b.Build(context.Background(), view, 0)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	buf := make([]byte, 512)
	for {
		_, err := s.Read(buf)
		if err == nil {
			continue
		}
		if !errors.Is(err, media.ErrStreamExhausted) {
			t.Errorf("expected stream exhaustion, got %v", err)
		}
		break
	}
}

func TestBuildWithStartOffset(t *testing.T) {
	view := &fakeView{items: []queue.Item{flowItem("a", 4*time.Second, false)}}
	b := NewBuilder(&fakeResolver{sample: 1000}, Config{Format: testFormat})
	s, err := b.Build(context.Background(), view, 3*time.Second)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	total := drain(t, s)
	if want := testFormat.BytesFor(1 * time.Second); total != want {
		t.Errorf("expected 1s of audio after offset, got %d bytes", total)
	}
}

func TestEqualPowerCurve(t *testing.T) {
	c := CurveEqualPower
	if g := c.FadeIn(0); g != 0 {
		t.Errorf("fade-in at 0 should be 0, got %f", g)
	}
	if g := c.FadeOut(1); g != 0 {
		t.Errorf("fade-out at 1 should be 0, got %f", g)
	}
	in, out := c.FadeIn(0.5), c.FadeOut(0.5)
	if math.Abs(in-out) > 1e-9 {
		t.Errorf("equal power should cross at the midpoint: %f vs %f", in, out)
	}
	if sum := in*in + out*out; math.Abs(sum-1) > 1e-9 {
		t.Errorf("equal power should preserve energy, got %f", sum)
	}
}
