// ABOUTME: Playback engine wiring queues, groups, flow streams and devices
// ABOUTME: One delivery session per queue pumps 20ms chunks to its targets
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/chorale-audio/chorale-go/internal/audio"
	"github.com/chorale-audio/chorale-go/internal/config"
	"github.com/chorale-audio/chorale-go/internal/discovery"
	"github.com/chorale-audio/chorale-go/internal/events"
	"github.com/chorale-audio/chorale-go/internal/flow"
	"github.com/chorale-audio/chorale-go/internal/group"
	"github.com/chorale-audio/chorale-go/internal/link"
	"github.com/chorale-audio/chorale-go/internal/media"
	"github.com/chorale-audio/chorale-go/internal/metadata"
	"github.com/chorale-audio/chorale-go/internal/queue"
	"github.com/chorale-audio/chorale-go/internal/registry"
	"github.com/chorale-audio/chorale-go/internal/snapshot"
	"github.com/chorale-audio/chorale-go/internal/transcode"
	"github.com/chorale-audio/chorale-go/internal/wsplayer"
)

// ChunkDuration paces delivery to player devices.
const ChunkDuration = 20 * time.Millisecond

// Engine owns every playback component and their lifecycles.
type Engine struct {
	cfg      *config.Config
	serverID string

	bus        *events.Bus
	reg        *registry.Registry
	queues     *queue.Controller
	groups     *group.Controller
	flows      *flow.Builder
	transcoder *transcode.Transcoder
	supervisor *link.Supervisor
	enricher   *metadata.Enricher
	store      *snapshot.Store
	disc       *discovery.Manager

	mu       sync.Mutex
	sessions map[string]*session

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles an engine from configuration.
func New(cfg *config.Config) (*Engine, error) {
	bus := events.NewBus()
	reg := registry.New(bus)
	queues := queue.NewController(bus)

	e := &Engine{
		cfg:        cfg,
		serverID:   uuid.New().String(),
		bus:        bus,
		reg:        reg,
		queues:     queues,
		transcoder: transcode.New(cfg.Transcode.MaxConcurrent),
		sessions:   make(map[string]*session),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	e.flows = flow.NewBuilder(e, flow.Config{
		Format:    audio.DefaultPCM,
		Crossfade: cfg.Playback.Crossfade(),
		Curve:     flow.Curve(cfg.Playback.GainCurve),
		MaxSkips:  cfg.Playback.MaxSkips,
	})
	e.groups = group.NewController(reg, bus, cfg.Playback.DriftThreshold())
	e.supervisor = link.NewSupervisor(bus, link.Config{
		Base:       time.Duration(cfg.Reconnect.BaseMs) * time.Millisecond,
		Multiplier: cfg.Reconnect.Multiplier,
		Cap:        time.Duration(cfg.Reconnect.CapMs) * time.Millisecond,
		Jitter:     cfg.Reconnect.Jitter,
	})
	e.enricher = metadata.New(metadata.Config{
		Capacity: cfg.Enrichment.QueueSize,
		Workers:  cfg.Enrichment.Workers,
	}, reg.Provider, queues.UpdateItemMetadata, bus)

	if cfg.Snapshot.Path != "" {
		store, err := snapshot.Open(cfg.Snapshot.Path)
		if err != nil {
			return nil, err
		}
		e.store = store
	}
	return e, nil
}

// Bus exposes the event stream for UIs.
func (e *Engine) Bus() *events.Bus { return e.bus }

// Registry exposes provider/player lookup.
func (e *Engine) Registry() *registry.Registry { return e.reg }

// Queues exposes queue operations.
func (e *Engine) Queues() *queue.Controller { return e.queues }

// Groups exposes group operations.
func (e *Engine) Groups() *group.Controller { return e.groups }

// Start brings up the background services and restores saved queues.
func (e *Engine) Start() error {
	if e.store != nil {
		snaps, err := e.store.All()
		if err != nil {
			return fmt.Errorf("restoring queues: %w", err)
		}
		for _, snap := range snaps {
			if err := e.queues.Restore(snap); err != nil {
				log.Printf("engine: restoring queue %s: %v", snap.QueueID, err)
			}
		}
		log.Printf("engine: restored %d queue(s)", len(snaps))
	}

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.enricher.Run(e.ctx)
	}()
	go func() {
		defer e.wg.Done()
		e.groups.WatchDrift(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.watchEvents()
	}()

	if e.cfg.Server.Discovery {
		e.disc = discovery.NewManager(discovery.Config{
			ServerName: e.cfg.Server.Name,
			Port:       e.cfg.Server.Port,
		})
		if err := e.disc.Advertise(); err != nil {
			log.Printf("engine: discovery advertise: %v", err)
		}
		e.disc.Browse()
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.watchDiscovery()
		}()
	}
	return nil
}

// Shutdown stops sessions, links and services, in that order.
func (e *Engine) Shutdown() {
	e.cancel()
	if e.disc != nil {
		e.disc.Stop()
	}
	e.supervisor.Close()
	e.wg.Wait()
	if e.store != nil {
		e.store.Close()
	}
	e.bus.Close()
	log.Printf("engine: shut down")
}

// RegisterProvider adds a content source.
func (e *Engine) RegisterProvider(p media.Provider) {
	e.reg.RegisterProvider(p)
}

// RegisterPlayer adds a player and creates its queue.
func (e *Engine) RegisterPlayer(p media.Player) error {
	if err := e.reg.RegisterPlayer(p); err != nil {
		return err
	}
	e.queues.Create(p.ID())
	return nil
}

// watchDiscovery supervises every player device found on the network.
func (e *Engine) watchDiscovery() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case info := <-e.disc.Players():
			addr := fmt.Sprintf("%s:%d", info.Host, info.Port)
			p := wsplayer.New(e.serverID, e.cfg.Server.Name, addr)
			p.OnState = func(st media.PlayerState) {
				e.reg.UpdatePlayerState(p.ID(), func(cur *media.PlayerState) {
					cur.Volume = st.Volume
					cur.Muted = st.Muted
					cur.Status = st.Status
					cur.Elapsed = st.Elapsed
				})
			}
			if _, err := e.supervisor.Supervise(&supervisedPlayer{Player: p, engine: e}); err != nil {
				log.Printf("engine: supervising %s: %v", addr, err)
			}
		}
	}
}

// supervisedPlayer registers the device once its identity is known.
type supervisedPlayer struct {
	*wsplayer.Player
	engine *Engine
	once   sync.Once
}

func (s *supervisedPlayer) Connect(ctx context.Context) error {
	if err := s.Player.Connect(ctx); err != nil {
		return err
	}
	s.once.Do(func() {
		if err := s.engine.RegisterPlayer(s.Player); err != nil {
			log.Printf("engine: registering %s: %v", s.Player.ID(), err)
		}
	})
	return nil
}

// Resolve turns a queue item into target-format PCM. Implements the
// flow builder's resolver.
func (e *Engine) Resolve(ctx context.Context, it queue.Item, target audio.Format) (io.ReadCloser, error) {
	p, ok := e.reg.Provider(it.ProviderID)
	if !ok {
		return nil, fmt.Errorf("%w: provider %s", media.ErrProviderUnavailable, it.ProviderID)
	}
	src, err := p.FetchStream(ctx, it.Ref)
	if err != nil {
		return nil, err
	}
	e.queues.SetStreamFormat(it.ID, src.Format)
	return e.transcoder.Open(ctx, src, target)
}

// Enqueue adds items to a queue and kicks off enrichment. PlayNow and
// Replace also start delivery.
func (e *Engine) Enqueue(queueID string, items []*queue.Item, mode queue.EnqueueMode) error {
	if err := e.queues.Enqueue(queueID, items, mode); err != nil {
		return err
	}

	for i, it := range items {
		if it.Meta.Title != "" {
			continue
		}
		prio := 0
		if i == 0 {
			prio = 1
		}
		err := e.enricher.Submit(metadata.Task{
			QueueID:  queueID,
			ItemID:   it.ID,
			Ref:      it.Ref,
			Priority: prio,
		})
		if err != nil {
			log.Printf("engine: enrichment for %s: %v", it.ID, err)
		}
	}

	if mode == queue.PlayNow || mode == queue.Replace {
		return e.Play(queueID)
	}
	return nil
}

// Play starts (or restarts) delivery for a queue at its elapsed
// position.
func (e *Engine) Play(queueID string) error {
	return e.startSession(queueID, e.queues.Elapsed(queueID))
}

// Pause halts delivery and the devices without tearing the session
// down.
func (e *Engine) Pause(queueID string) error {
	if err := e.queues.Pause(queueID); err != nil {
		return err
	}
	if s := e.session(queueID); s != nil {
		s.paused.Store(true)
	}
	e.eachTarget(queueID, func(ctx context.Context, p media.Player) error {
		return p.Pause(ctx)
	})
	return nil
}

// Resume continues a paused queue.
func (e *Engine) Resume(queueID string) error {
	if err := e.queues.Resume(queueID); err != nil {
		return err
	}
	if s := e.session(queueID); s != nil {
		s.paused.Store(false)
	}
	e.eachTarget(queueID, func(ctx context.Context, p media.Player) error {
		return p.Resume(ctx)
	})
	return nil
}

// Stop ends delivery and idles the queue.
func (e *Engine) Stop(queueID string) error {
	e.stopSession(queueID)
	e.eachTarget(queueID, func(ctx context.Context, p media.Player) error {
		return p.Stop(ctx)
	})
	return e.queues.Stop(queueID)
}

// Seek restarts delivery at a new position within the current item.
func (e *Engine) Seek(queueID string, pos time.Duration) error {
	if err := e.queues.Seek(queueID, pos); err != nil {
		return err
	}
	if e.session(queueID) != nil {
		return e.startSession(queueID, e.queues.Elapsed(queueID))
	}
	return nil
}

// Next skips forward; the running stream notices the version change
// and rebuilds.
func (e *Engine) Next(queueID string) error {
	return e.queues.Next(queueID)
}

// Previous steps back or restarts the current item.
func (e *Engine) Previous(queueID string) error {
	return e.queues.Previous(queueID)
}

type session struct {
	cancel context.CancelFunc
	done   chan struct{}
	paused atomic.Bool

	mu        sync.Mutex
	itemStart time.Duration // flow position where the current item began
	offset    time.Duration // start offset of the first item
}

func (e *Engine) session(queueID string) *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[queueID]
}

func (e *Engine) stopSession(queueID string) {
	e.mu.Lock()
	s := e.sessions[queueID]
	delete(e.sessions, queueID)
	e.mu.Unlock()
	if s != nil {
		s.cancel()
		<-s.done
	}
}

func (e *Engine) startSession(queueID string, start time.Duration) error {
	if _, _, ok := e.queues.Current(queueID); !ok {
		return fmt.Errorf("%w: queue %s is empty", media.ErrInvalidOperation, queueID)
	}
	e.stopSession(queueID)

	ctx, cancel := context.WithCancel(e.ctx)
	s := &session{cancel: cancel, done: make(chan struct{})}
	e.mu.Lock()
	e.sessions[queueID] = s
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runSession(ctx, s, queueID, start)
	}()
	return nil
}

// runSession builds and delivers flow streams, rebuilding whenever the
// queue is mutated underneath a running stream.
func (e *Engine) runSession(ctx context.Context, s *session, queueID string, start time.Duration) {
	defer close(s.done)

	for {
		view, ok := e.queues.View(queueID)
		if !ok {
			return
		}
		stream, err := e.flows.Build(ctx, view, start)
		if err != nil {
			log.Printf("engine: building stream for %s: %v", queueID, err)
			e.queues.Stop(queueID)
			return
		}

		s.mu.Lock()
		s.itemStart = 0
		s.offset = start
		s.mu.Unlock()

		view.MarkPlaying()

		var markerWg sync.WaitGroup
		markerWg.Add(1)
		go func() {
			defer markerWg.Done()
			for m := range stream.Markers() {
				e.onMarker(queueID, s, m)
			}
		}()

		err = e.deliver(ctx, s, queueID, stream)
		stream.Close()
		markerWg.Wait()

		switch {
		case errors.Is(err, flow.ErrQueueChanged):
			st := e.queues.Status(queueID)
			if st == media.StatusBuffering || st == media.StatusPlaying {
				start = e.queues.Elapsed(queueID)
				continue
			}
			return
		case errors.Is(err, io.EOF):
			// advanceBy already idled the queue at the end.
			return
		case err != nil && ctx.Err() == nil:
			log.Printf("engine: delivery for %s: %v", queueID, err)
			e.queues.Stop(queueID)
			return
		default:
			return
		}
	}
}

// onMarker records which item just became audible.
func (e *Engine) onMarker(queueID string, s *session, m flow.Marker) {
	s.mu.Lock()
	s.itemStart = m.Position
	s.offset = 0
	s.mu.Unlock()

	e.queues.SetElapsed(queueID, 0)
	for _, p := range e.playTargets(queueID) {
		e.reg.UpdatePlayerState(p.ID(), func(st *media.PlayerState) {
			st.ActiveItemID = m.ItemID
			st.Elapsed = 0
		})
	}
}

// pipeStream adapts a pipe reader into an AudioStream for players.
type pipeStream struct {
	r *io.PipeReader
	f audio.Format
}

func (p *pipeStream) Read(b []byte) (int, error) { return p.r.Read(b) }
func (p *pipeStream) Format() audio.Format       { return p.f }
func (p *pipeStream) Close() error               { return p.r.Close() }

// deliver pumps the flow stream to every target in 20ms chunks.
func (e *Engine) deliver(ctx context.Context, s *session, queueID string, stream *flow.Stream) error {
	targets := e.playTargets(queueID)
	if len(targets) == 0 {
		return fmt.Errorf("%w: no player for queue %s", media.ErrInvalidOperation, queueID)
	}

	f := stream.Format()
	type sink struct {
		id string
		w  *io.PipeWriter
	}
	var sinks []sink
	for _, p := range targets {
		pr, pw := io.Pipe()
		if err := p.Play(ctx, &pipeStream{r: pr, f: f}); err != nil {
			log.Printf("engine: starting playback on %s: %v", p.ID(), err)
			pw.Close()
			continue
		}
		sinks = append(sinks, sink{id: p.ID(), w: pw})
	}
	if len(sinks) == 0 {
		return fmt.Errorf("%w: no target accepted the stream", media.ErrConnectionLost)
	}
	defer func() {
		for _, sk := range sinks {
			sk.w.Close()
		}
	}()

	chunk := make([]byte, f.BytesFor(ChunkDuration))
	ticker := time.NewTicker(ChunkDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if s.paused.Load() {
			continue
		}

		n, err := stream.Read(chunk)
		if n > 0 {
			alive := sinks[:0]
			for _, sk := range sinks {
				if _, werr := sk.w.Write(chunk[:n]); werr != nil {
					log.Printf("engine: target %s dropped: %v", sk.id, werr)
					sk.w.Close()
					continue
				}
				alive = append(alive, sk)
			}
			sinks = alive
			if len(sinks) == 0 {
				return fmt.Errorf("%w: all targets dropped", media.ErrConnectionLost)
			}

			s.mu.Lock()
			elapsed := s.offset + stream.Position() - s.itemStart
			s.mu.Unlock()
			e.queues.SetElapsed(queueID, elapsed)
		}
		if err != nil {
			return err
		}
	}
}

// playTargets resolves the players a queue delivers to: the whole
// group when the queue belongs to a leader, otherwise the one player.
func (e *Engine) playTargets(queueID string) []media.Player {
	var ids []string
	if gid, ok := e.groups.GroupOf(queueID); ok {
		if leader, _ := e.groups.Leader(gid); leader == queueID {
			for _, m := range e.groups.Members(gid) {
				ids = append(ids, m.PlayerID)
			}
		} else {
			return nil // member queues do not play on their own
		}
	} else {
		ids = []string{queueID}
	}

	var out []media.Player
	for _, id := range ids {
		if p, ok := e.reg.Player(id); ok {
			out = append(out, p)
		}
	}
	return out
}

func (e *Engine) eachTarget(queueID string, fn func(ctx context.Context, p media.Player) error) {
	for _, p := range e.playTargets(queueID) {
		if err := fn(e.ctx, p); err != nil {
			log.Printf("engine: %s: %v", p.ID(), err)
		}
	}
}

// watchEvents persists queue snapshots as they change. Buffered
// events are still flushed on shutdown so the last mutation survives.
func (e *Engine) watchEvents() {
	ch, cancel := e.bus.Subscribe(128)
	defer cancel()

	for {
		select {
		case <-e.ctx.Done():
			for {
				select {
				case ev, ok := <-ch:
					if !ok {
						return
					}
					e.persistOn(ev)
				default:
					return
				}
			}
		case ev, ok := <-ch:
			if !ok {
				return
			}
			e.persistOn(ev)
		}
	}
}

func (e *Engine) persistOn(ev events.Event) {
	qu, ok := ev.(events.QueueUpdated)
	if !ok || e.store == nil {
		return
	}
	snap, err := e.queues.Serialize(qu.QueueID)
	if err != nil {
		return
	}
	if err := e.store.Save(snap); err != nil {
		log.Printf("engine: saving snapshot %s: %v", qu.QueueID, err)
	}
}
