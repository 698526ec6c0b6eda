// ABOUTME: Engine wiring tests with in-memory providers and players
// ABOUTME: Exercise enqueue-to-delivery, enrichment and snapshot restore
package server

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/chorale-audio/chorale-go/internal/audio"
	"github.com/chorale-audio/chorale-go/internal/config"
	"github.com/chorale-audio/chorale-go/internal/media"
	"github.com/chorale-audio/chorale-go/internal/queue"
)

type fakeProvider struct {
	id       string
	duration time.Duration
}

func (p *fakeProvider) ID() string { return p.id }

func (p *fakeProvider) FetchStream(_ context.Context, ref media.ItemRef) (*media.StreamSource, error) {
	pcm := make([]byte, audio.DefaultPCM.BytesFor(p.duration))
	return &media.StreamSource{
		Reader: io.NopCloser(bytes.NewReader(pcm)),
		Format: audio.DefaultPCM,
	}, nil
}

func (p *fakeProvider) FetchMetadata(_ context.Context, ref media.ItemRef) (*media.Metadata, error) {
	return &media.Metadata{Title: "Track " + ref.MediaID, Artist: "Tester"}, nil
}

type fakePlayer struct {
	id   string
	name string

	mu       sync.Mutex
	commands []string
	received int64
	done     bool
}

func (p *fakePlayer) ID() string                       { return p.id }
func (p *fakePlayer) Name() string                     { return p.name }
func (p *fakePlayer) Connect(context.Context) error    { return nil }
func (p *fakePlayer) Disconnect() error                { return nil }
func (p *fakePlayer) Capabilities() media.Capabilities { return media.Capabilities{} }

func (p *fakePlayer) record(cmd string) {
	p.mu.Lock()
	p.commands = append(p.commands, cmd)
	p.mu.Unlock()
}

func (p *fakePlayer) Play(_ context.Context, stream media.AudioStream) error {
	p.record("play")
	go func() {
		n, _ := io.Copy(io.Discard, stream)
		stream.Close()
		p.mu.Lock()
		p.received += n
		p.done = true
		p.mu.Unlock()
	}()
	return nil
}

func (p *fakePlayer) Pause(context.Context) error  { p.record("pause"); return nil }
func (p *fakePlayer) Resume(context.Context) error { p.record("resume"); return nil }
func (p *fakePlayer) Stop(context.Context) error   { p.record("stop"); return nil }

func (p *fakePlayer) Seek(context.Context, time.Duration) error { return media.ErrUnsupported }
func (p *fakePlayer) SetVolume(context.Context, int) error      { return nil }
func (p *fakePlayer) SetMuted(context.Context, bool) error      { return nil }
func (p *fakePlayer) JoinGroup(context.Context, string) error   { return media.ErrUnsupported }
func (p *fakePlayer) LeaveGroup(context.Context) error          { return media.ErrUnsupported }

func (p *fakePlayer) State(context.Context) (media.PlayerState, error) {
	return media.PlayerState{Status: media.StatusIdle}, nil
}

func (p *fakePlayer) sawCommand(cmd string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.commands {
		if c == cmd {
			return true
		}
	}
	return false
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.Discovery = false
	cfg.Snapshot.Path = filepath.Join(t.TempDir(), "queues.db")
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config) (*Engine, *fakePlayer) {
	t.Helper()
	eng, err := New(cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	// Streams are long; the item's Duration bounds what actually plays.
	eng.RegisterProvider(&fakeProvider{id: "test", duration: 10 * time.Second})

	p := &fakePlayer{id: "speaker", name: "Speaker"}
	if err := eng.RegisterPlayer(p); err != nil {
		t.Fatalf("register player: %v", err)
	}
	if err := eng.Start(); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	t.Cleanup(eng.Shutdown)
	return eng, p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testItem(mediaID string, d time.Duration) *queue.Item {
	return queue.NewItem(media.ItemRef{ProviderID: "test", MediaID: mediaID}, d, true)
}

func TestEnqueuePlayNowDeliversToPlayer(t *testing.T) {
	eng, p := newTestEngine(t, testConfig(t))

	it := testItem("a", 100*time.Millisecond)
	if err := eng.Enqueue("speaker", []*queue.Item{it}, queue.PlayNow); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(t, "playback start", func() bool {
		return eng.Queues().Status("speaker") == media.StatusPlaying
	})
	waitFor(t, "stream delivered", func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.done
	})
	waitFor(t, "queue idle at end", func() bool {
		return eng.Queues().Status("speaker") == media.StatusIdle
	})

	p.mu.Lock()
	received := p.received
	p.mu.Unlock()
	want := int64(audio.DefaultPCM.BytesFor(100 * time.Millisecond))
	if received != want {
		t.Errorf("expected %d bytes delivered, got %d", want, received)
	}

	items := eng.Queues().Items("speaker")
	if len(items) != 1 || items[0].StreamFormat == nil {
		t.Fatal("resolving the item should record its stream format")
	}
	if *items[0].StreamFormat != audio.DefaultPCM {
		t.Errorf("unexpected stream format %+v", *items[0].StreamFormat)
	}
}

func TestEnrichmentFillsMissingMetadata(t *testing.T) {
	eng, _ := newTestEngine(t, testConfig(t))

	it := testItem("song-1", time.Minute)
	if err := eng.Enqueue("speaker", []*queue.Item{it}, queue.Add); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(t, "enriched metadata", func() bool {
		items := eng.Queues().Items("speaker")
		return len(items) == 1 && items[0].Meta.Title == "Track song-1"
	})
}

func TestPauseAndResumePropagate(t *testing.T) {
	eng, p := newTestEngine(t, testConfig(t))

	it := testItem("a", time.Minute)
	// Duration exceeds the actual stream so playback stays live long
	// enough to pause it.
	if err := eng.Enqueue("speaker", []*queue.Item{it}, queue.PlayNow); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, "playing", func() bool {
		return eng.Queues().Status("speaker") == media.StatusPlaying
	})

	if err := eng.Pause("speaker"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if got := eng.Queues().Status("speaker"); got != media.StatusPaused {
		t.Errorf("queue should be paused, got %s", got)
	}
	waitFor(t, "pause on device", func() bool { return p.sawCommand("pause") })

	if err := eng.Resume("speaker"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got := eng.Queues().Status("speaker"); got != media.StatusPlaying {
		t.Errorf("queue should be playing, got %s", got)
	}
	waitFor(t, "resume on device", func() bool { return p.sawCommand("resume") })
}

func TestStopIdlesQueueAndDevice(t *testing.T) {
	eng, p := newTestEngine(t, testConfig(t))

	it := testItem("a", time.Minute)
	if err := eng.Enqueue("speaker", []*queue.Item{it}, queue.PlayNow); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, "playing", func() bool {
		return eng.Queues().Status("speaker") == media.StatusPlaying
	})

	if err := eng.Stop("speaker"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := eng.Queues().Status("speaker"); got != media.StatusIdle {
		t.Errorf("queue should be idle, got %s", got)
	}
	waitFor(t, "stop on device", func() bool { return p.sawCommand("stop") })
}

func TestUnknownProviderIdlesQueue(t *testing.T) {
	eng, _ := newTestEngine(t, testConfig(t))

	it := queue.NewItem(media.ItemRef{ProviderID: "nope", MediaID: "x"}, time.Minute, true)
	if err := eng.Enqueue("speaker", []*queue.Item{it}, queue.PlayNow); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(t, "failed build idles queue", func() bool {
		return eng.Queues().Status("speaker") == media.StatusIdle
	})
}

func TestQueueSurvivesRestart(t *testing.T) {
	cfg := testConfig(t)

	eng, _ := newTestEngine(t, cfg)
	items := []*queue.Item{
		testItem("a", time.Minute),
		testItem("b", time.Minute),
	}
	if err := eng.Enqueue("speaker", items, queue.Add); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, "items queued", func() bool {
		return eng.Queues().Len("speaker") == 2
	})
	eng.Shutdown()

	second, err := New(cfg)
	if err != nil {
		t.Fatalf("second engine: %v", err)
	}
	if err := second.Start(); err != nil {
		t.Fatalf("start second engine: %v", err)
	}
	defer second.Shutdown()

	if got := second.Queues().Len("speaker"); got != 2 {
		t.Fatalf("expected 2 restored items, got %d", got)
	}
	if got := second.Queues().Status("speaker"); got != media.StatusIdle {
		t.Errorf("restored queue should be idle, got %s", got)
	}
}

func TestStatusSnapshotListsPlayers(t *testing.T) {
	eng, _ := newTestEngine(t, testConfig(t))

	it := testItem("tune", time.Minute)
	it.Meta = media.Metadata{Title: "Tune", Artist: "Someone"}
	if err := eng.Enqueue("speaker", []*queue.Item{it}, queue.Add); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	st := eng.StatusSnapshot()
	if len(st.Players) != 1 {
		t.Fatalf("expected one player row, got %d", len(st.Players))
	}
	row := st.Players[0]
	if row.Name != "Speaker" || row.ID != "speaker" {
		t.Errorf("unexpected row identity: %+v", row)
	}
	if row.NowPlaying == "" {
		t.Error("now playing line should name the queued item")
	}
}
