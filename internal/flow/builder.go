// ABOUTME: Builds one continuous PCM stream out of consecutive queue items
// ABOUTME: Handles gapless joins, crossfades, skip-and-advance and boundary markers
package flow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/chorale-audio/chorale-go/internal/audio"
	"github.com/chorale-audio/chorale-go/internal/media"
	"github.com/chorale-audio/chorale-go/internal/queue"
)

// ErrQueueChanged signals that the queue was structurally mutated while
// the stream was running. The caller rebuilds from the new state.
var ErrQueueChanged = errors.New("queue changed while streaming")

// QueueView is the read/advance surface the stream pulls items from.
type QueueView interface {
	Current() (queue.Item, bool)
	PeekNext(skip int) (queue.Item, bool)
	AdvanceBy(n int) bool
	Version() uint64
}

// Resolver turns a queue item into decoded PCM in the target format.
type Resolver interface {
	Resolve(ctx context.Context, item queue.Item, target audio.Format) (io.ReadCloser, error)
}

// Marker announces that a new item became audible in the flow stream.
// During a crossfade it is emitted at fade start, not at track end.
type Marker struct {
	PrevItemID string
	ItemID     string
	Position   time.Duration
}

// Config controls stream construction.
type Config struct {
	Format    audio.Format
	Crossfade time.Duration
	Curve     Curve
	MaxSkips  int
}

// Builder constructs flow streams over a resolver.
type Builder struct {
	resolver Resolver
	cfg      Config
}

// NewBuilder creates a flow stream builder.
func NewBuilder(r Resolver, cfg Config) *Builder {
	if cfg.Curve == "" {
		cfg.Curve = CurveEqualPower
	}
	if cfg.MaxSkips <= 0 {
		cfg.MaxSkips = 3
	}
	return &Builder{resolver: r, cfg: cfg}
}

// Build opens a stream at the queue's current item, skipping the first
// `start` of audio. The stream is bound to the queue version at build
// time; any later structural change aborts it with ErrQueueChanged.
func (b *Builder) Build(ctx context.Context, view QueueView, start time.Duration) (*Stream, error) {
	it, ok := view.Current()
	if !ok {
		return nil, fmt.Errorf("%w: queue is empty", media.ErrInvalidOperation)
	}
	rc, err := b.resolver.Resolve(ctx, it, b.cfg.Format)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", it.ID, err)
	}

	s := &Stream{
		ctx:      ctx,
		cfg:      b.cfg,
		resolver: b.resolver,
		view:     view,
		version:  view.Version(),
		markers:  make(chan Marker, 16),
	}
	s.cur = s.newTrack(it, rc, 0)

	if start > 0 {
		skip := b.cfg.Format.BytesFor(start)
		if s.cur.remaining >= 0 && skip > s.cur.remaining {
			skip = s.cur.remaining
		}
		if _, err := io.CopyN(io.Discard, rc, skip); err != nil && err != io.EOF {
			rc.Close()
			return nil, fmt.Errorf("seeking %s: %w", it.ID, err)
		}
		if s.cur.remaining >= 0 {
			s.cur.remaining -= skip
		}
	}
	return s, nil
}

type track struct {
	item      queue.Item
	rc        io.ReadCloser
	remaining int64 // bytes until the planned end, -1 when unknown
	fadeBytes int64 // tail reserved for crossfading into the next item
	skips     int   // unavailable items skipped to reach this one
}

// Stream is a pull-based continuous PCM stream over the queue. Reads
// are frame aligned; the buffer must hold at least one frame.
type Stream struct {
	ctx      context.Context
	cfg      Config
	resolver Resolver
	view     QueueView
	version  uint64

	cur     *track
	next    *track // incoming track while fading
	pending *track // resolved ahead for a gapless join

	fading    bool
	fadeTotal int64
	fadeDone  int64

	produced int64
	scratchA []byte
	scratchB []byte

	markers chan Marker
	err     error
}

func (s *Stream) newTrack(it queue.Item, rc io.ReadCloser, skips int) *track {
	t := &track{item: it, rc: rc, remaining: -1, skips: skips}
	if it.Duration > 0 {
		t.remaining = s.cfg.Format.BytesFor(it.Duration)
		if s.cfg.Crossfade > 0 && it.AllowCrossfade {
			t.fadeBytes = s.cfg.Format.BytesFor(s.cfg.Crossfade)
			if t.fadeBytes > t.remaining {
				t.fadeBytes = t.remaining
			}
		}
	}
	return t
}

// Format returns the stream's PCM format.
func (s *Stream) Format() audio.Format { return s.cfg.Format }

// Markers delivers boundary announcements as items become audible.
func (s *Stream) Markers() <-chan Marker { return s.markers }

// Position returns how much audio the stream has produced.
func (s *Stream) Position() time.Duration {
	return s.cfg.Format.DurationFor(s.produced)
}

// Read produces the next frame-aligned slice of PCM. It returns io.EOF
// when the queue runs out, ErrQueueChanged when the queue was mutated
// underneath the stream, and media.ErrStreamExhausted when every
// lookahead candidate failed to resolve.
func (s *Stream) Read(p []byte) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	if err := s.ctx.Err(); err != nil {
		return 0, s.fail(err)
	}
	if s.view.Version() != s.version {
		return 0, s.fail(ErrQueueChanged)
	}

	fs := s.cfg.Format.FrameSize()
	if len(p) < fs {
		return 0, io.ErrShortBuffer
	}
	p = p[:len(p)/fs*fs]

	for {
		if s.cur == nil {
			return 0, s.fail(io.EOF)
		}
		if s.fading {
			n, err := s.readFade(p)
			if err != nil {
				return n, s.fail(err)
			}
			if n > 0 {
				return n, nil
			}
			continue
		}
		n, err := s.readSolo(p)
		if err != nil {
			return n, s.fail(err)
		}
		if n > 0 {
			return n, nil
		}
	}
}

// readSolo reads from the current track alone. A zero-byte nil-error
// return means a state transition happened and the caller should retry.
func (s *Stream) readSolo(p []byte) (int, error) {
	fs := s.cfg.Format.FrameSize()
	limit := len(p)

	if s.cur.remaining >= 0 {
		if s.cur.remaining == 0 {
			return 0, s.boundary()
		}
		solo := s.cur.remaining - s.cur.fadeBytes
		if solo <= 0 {
			started, err := s.beginFade()
			if err != nil {
				return 0, err
			}
			if !started {
				// No fade partner: play the reserved tail out solo.
				s.cur.fadeBytes = 0
			}
			return 0, nil
		}
		if int64(limit) > solo {
			limit = int(solo)
		}
	}
	limit = limit / fs * fs

	n, err := io.ReadFull(s.cur.rc, p[:limit])
	n = n / fs * fs
	if n > 0 {
		if s.cur.remaining > 0 {
			s.cur.remaining -= int64(n)
		}
		s.produced += int64(n)
	}
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		// Source ended ahead of its advertised duration.
		s.cur.remaining = 0
		s.cur.fadeBytes = 0
		if n > 0 {
			return n, nil
		}
		return 0, s.boundary()
	}
	if err != nil {
		return n, fmt.Errorf("reading %s: %w", s.cur.item.ID, err)
	}
	return n, nil
}

// readFade mixes the outgoing tail with the incoming head.
func (s *Stream) readFade(p []byte) (int, error) {
	fs := s.cfg.Format.FrameSize()
	limit := int64(len(p))
	if limit > s.cur.remaining {
		limit = s.cur.remaining
	}
	limit = limit / int64(fs) * int64(fs)
	if limit == 0 {
		s.finishFade()
		return 0, nil
	}

	if int64(len(s.scratchA)) < limit {
		s.scratchA = make([]byte, limit)
		s.scratchB = make([]byte, limit)
	}
	a := s.scratchA[:limit]
	b := s.scratchB[:limit]

	na, errA := io.ReadFull(s.cur.rc, a)
	na = na / fs * fs
	if errA != nil && errA != io.EOF && errA != io.ErrUnexpectedEOF {
		return 0, fmt.Errorf("reading %s: %w", s.cur.item.ID, errA)
	}
	if na == 0 {
		s.finishFade()
		return 0, nil
	}

	nb, errB := io.ReadFull(s.next.rc, b[:na])
	if errB != nil && errB != io.EOF && errB != io.ErrUnexpectedEOF {
		return 0, fmt.Errorf("reading %s: %w", s.next.item.ID, errB)
	}
	for i := nb; i < na; i++ {
		b[i] = 0 // incoming track shorter than the fade; pad silence
	}

	samplesPerFrame := int(s.cfg.Format.Channels)
	for off := 0; off < na; off += fs {
		progress := float64(s.fadeDone+int64(off)) / float64(s.fadeTotal)
		gout := s.cfg.Curve.FadeOut(progress)
		gin := s.cfg.Curve.FadeIn(progress)
		for ch := 0; ch < samplesPerFrame; ch++ {
			idx := off + ch*2
			va := float64(audio.SampleAt(a, idx))
			vb := float64(audio.SampleAt(b, idx))
			audio.PutSampleAt(p, idx, audio.Clamp16(va*gout+vb*gin))
		}
	}

	s.cur.remaining -= int64(na)
	if s.next.remaining > 0 {
		s.next.remaining -= int64(na)
		if s.next.remaining < 0 {
			s.next.remaining = 0
		}
	}
	s.fadeDone += int64(na)
	s.produced += int64(na)

	if s.cur.remaining <= 0 || errA == io.EOF || errA == io.ErrUnexpectedEOF {
		s.finishFade()
	}
	return na, nil
}

// beginFade resolves the fade partner and, when one exists, advances
// the queue and emits the marker: the incoming item is audible now.
func (s *Stream) beginFade() (bool, error) {
	nt, err := s.nextTrack()
	if err != nil {
		return false, err
	}
	if nt == nil {
		return false, nil
	}
	if !nt.item.AllowCrossfade {
		s.pending = nt
		return false, nil
	}

	s.next = nt
	s.fadeTotal = s.cur.remaining
	s.fadeDone = 0
	s.fading = true
	s.advanceAndMark(s.cur.item.ID, nt)
	return true, nil
}

func (s *Stream) finishFade() {
	s.cur.rc.Close()
	s.cur = s.next
	s.next = nil
	s.fading = false
}

// boundary is a gapless join: the current track ended with no fade.
func (s *Stream) boundary() error {
	s.cur.rc.Close()

	nt := s.pending
	s.pending = nil
	if nt == nil {
		var err error
		nt, err = s.nextTrack()
		if err != nil {
			return err
		}
	}
	if nt == nil {
		s.view.AdvanceBy(1) // drives the queue idle at the end
		s.cur = nil
		return io.EOF
	}

	prev := s.cur.item.ID
	s.cur = nt
	s.advanceAndMark(prev, nt)
	return nil
}

// nextTrack resolves the upcoming item, skipping past unavailable ones
// up to the configured bound. nil with no error means end of queue.
func (s *Stream) nextTrack() (*track, error) {
	failed := 0
	for skip := 0; skip <= s.cfg.MaxSkips; skip++ {
		it, ok := s.view.PeekNext(skip)
		if !ok {
			if failed > 0 {
				break
			}
			return nil, nil
		}
		rc, err := s.resolver.Resolve(s.ctx, it, s.cfg.Format)
		if err != nil {
			log.Printf("flow: item %s unavailable (skip %d): %v", it.ID, skip, err)
			failed++
			continue
		}
		return s.newTrack(it, rc, skip), nil
	}
	return nil, fmt.Errorf("%w: no playable item within %d skips", media.ErrStreamExhausted, s.cfg.MaxSkips)
}

func (s *Stream) advanceAndMark(prevID string, nt *track) {
	s.view.AdvanceBy(1 + nt.skips)
	m := Marker{PrevItemID: prevID, ItemID: nt.item.ID, Position: s.Position()}
	select {
	case s.markers <- m:
	default:
		log.Printf("flow: marker channel full, dropping boundary %s -> %s", prevID, nt.item.ID)
	}
}

func (s *Stream) fail(err error) error {
	if s.err == nil {
		s.err = err
		s.closeTracks()
		close(s.markers)
	}
	return s.err
}

func (s *Stream) closeTracks() {
	for _, t := range []*track{s.cur, s.next, s.pending} {
		if t != nil && t.rc != nil {
			t.rc.Close()
		}
	}
	s.cur, s.next, s.pending = nil, nil, nil
}

// Close releases all track readers. Further reads fail.
func (s *Stream) Close() error {
	s.fail(errors.New("stream closed"))
	return nil
}
