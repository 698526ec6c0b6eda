// ABOUTME: media.Player backed by the local sound device through oto
// ABOUTME: Volume and mute are applied in software on the PCM stream
package localplayer

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/chorale-audio/chorale-go/internal/audio"
	"github.com/chorale-audio/chorale-go/internal/media"
)

// Player plays flow streams on the machine running the server.
type Player struct {
	id   string
	name string

	mu      sync.Mutex
	otoCtx  *oto.Context
	player  *oto.Player
	format  audio.Format
	volume  int
	muted   bool
	status  media.PlayStatus
	started time.Time
	elapsed time.Duration // accumulated across pause cycles
}

// New creates a local player. The audio device opens lazily on the
// first Play because oto allows a single context per process.
func New(id, name string) *Player {
	return &Player{
		id:     id,
		name:   name,
		volume: 100,
		status: media.StatusIdle,
	}
}

func (p *Player) ID() string   { return p.id }
func (p *Player) Name() string { return p.name }

func (p *Player) Capabilities() media.Capabilities {
	return media.Capabilities{
		SupportsCrossfade: true,
		SupportsVolume:    true,
	}
}

// Connect is a no-op; the local device needs no link.
func (p *Player) Connect(context.Context) error { return nil }

// Disconnect stops playback.
func (p *Player) Disconnect() error {
	return p.Stop(context.Background())
}

func (p *Player) ensureContext(f audio.Format) error {
	if p.otoCtx != nil {
		if p.format != f {
			return fmt.Errorf("%w: device opened at %dHz/%dch", media.ErrInvalidOperation, p.format.SampleRate, p.format.Channels)
		}
		return nil
	}

	op := &oto.NewContextOptions{
		SampleRate:   f.SampleRate,
		ChannelCount: f.Channels,
		Format:       oto.FormatSignedInt16LE,
	}
	ctx, ready, err := oto.NewContext(op)
	if err != nil {
		return fmt.Errorf("opening audio device: %w", err)
	}
	<-ready

	p.otoCtx = ctx
	p.format = f
	log.Printf("localplayer %s: device open at %dHz, %d channels", p.id, f.SampleRate, f.Channels)
	return nil
}

// Play starts the stream on the local device, replacing any running
// stream.
func (p *Player) Play(_ context.Context, stream media.AudioStream) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureContext(stream.Format()); err != nil {
		return err
	}
	if p.player != nil {
		p.player.Close()
	}

	p.player = p.otoCtx.NewPlayer(&volumeReader{src: stream, p: p})
	p.player.Play()
	p.status = media.StatusPlaying
	p.started = time.Now()
	p.elapsed = 0
	return nil
}

func (p *Player) Pause(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.player == nil || p.status != media.StatusPlaying {
		return nil
	}
	p.player.Pause()
	p.elapsed += time.Since(p.started)
	p.status = media.StatusPaused
	return nil
}

func (p *Player) Resume(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.player == nil || p.status != media.StatusPaused {
		return nil
	}
	p.player.Play()
	p.started = time.Now()
	p.status = media.StatusPlaying
	return nil
}

func (p *Player) Stop(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.player != nil {
		p.player.Close()
		p.player = nil
	}
	p.status = media.StatusIdle
	p.elapsed = 0
	return nil
}

// Seek is not supported: the engine rebuilds the flow stream at the
// target position instead.
func (p *Player) Seek(context.Context, time.Duration) error {
	return fmt.Errorf("%w: local device cannot seek", media.ErrUnsupported)
}

func (p *Player) SetVolume(_ context.Context, volume int) error {
	if volume < 0 {
		volume = 0
	}
	if volume > 100 {
		volume = 100
	}
	p.mu.Lock()
	p.volume = volume
	p.mu.Unlock()
	return nil
}

func (p *Player) SetMuted(_ context.Context, muted bool) error {
	p.mu.Lock()
	p.muted = muted
	p.mu.Unlock()
	return nil
}

func (p *Player) JoinGroup(context.Context, string) error {
	return fmt.Errorf("%w: local device has no native grouping", media.ErrUnsupported)
}

func (p *Player) LeaveGroup(context.Context) error {
	return fmt.Errorf("%w: local device has no native grouping", media.ErrUnsupported)
}

// State reports playback position from wall-clock time since Play,
// which tracks closely enough for drift purposes on a local device.
func (p *Player) State(context.Context) (media.PlayerState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	elapsed := p.elapsed
	if p.status == media.StatusPlaying {
		elapsed += time.Since(p.started)
	}
	return media.PlayerState{
		Power:     true,
		Volume:    p.volume,
		Muted:     p.muted,
		Status:    p.status,
		Elapsed:   elapsed,
		UpdatedAt: time.Now(),
	}, nil
}

// volumeMultiplier folds volume and mute into one gain factor.
func volumeMultiplier(volume int, muted bool) float64 {
	if muted {
		return 0
	}
	return float64(volume) / 100.0
}

// volumeReader applies the player's software gain as oto pulls data.
type volumeReader struct {
	src media.AudioStream
	p   *Player
}

func (r *volumeReader) Read(buf []byte) (int, error) {
	n, err := r.src.Read(buf)
	if n > 0 {
		r.p.mu.Lock()
		mult := volumeMultiplier(r.p.volume, r.p.muted)
		r.p.mu.Unlock()
		if mult != 1 {
			audio.ScaleSamples(buf[:n/2*2], mult)
		}
	}
	return n, err
}
