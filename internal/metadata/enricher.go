// ABOUTME: Bounded background queue that fills in missing item metadata
// ABOUTME: Rejects on overflow, dedupes by item and serves high priority first
package metadata

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/chorale-audio/chorale-go/internal/events"
	"github.com/chorale-audio/chorale-go/internal/media"
)

// Task asks for one queue item's metadata to be fetched and applied.
type Task struct {
	QueueID  string
	ItemID   string
	Ref      media.ItemRef
	Priority int // higher first; ties served in submit order
}

// ProviderLookup resolves a provider id to a registered provider.
type ProviderLookup func(providerID string) (media.Provider, bool)

// ApplyFunc writes fetched metadata back onto the queue item.
type ApplyFunc func(queueID, itemID string, meta media.Metadata) error

// Config sizes the enrichment queue.
type Config struct {
	Capacity int
	Workers  int
}

// DefaultConfig returns the standard sizing.
func DefaultConfig() Config {
	return Config{Capacity: 256, Workers: 2}
}

// Enricher is the bounded enrichment queue plus its worker pool.
type Enricher struct {
	mu      sync.Mutex
	tasks   []Task
	pending map[string]bool // item ids queued but not yet popped

	cfg    Config
	lookup ProviderLookup
	apply  ApplyFunc
	bus    *events.Bus
	notify chan struct{}
}

// New creates an enricher. Run must be called to start the workers.
func New(cfg Config, lookup ProviderLookup, apply ApplyFunc, bus *events.Bus) *Enricher {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig().Capacity
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	return &Enricher{
		pending: make(map[string]bool),
		cfg:     cfg,
		lookup:  lookup,
		apply:   apply,
		bus:     bus,
		notify:  make(chan struct{}, cfg.Capacity),
	}
}

// Submit queues an enrichment task. A full queue rejects instead of
// blocking the caller; a task for an already-queued item is dropped
// silently.
func (e *Enricher) Submit(t Task) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pending[t.ItemID] {
		return nil
	}
	if len(e.tasks) >= e.cfg.Capacity {
		return fmt.Errorf("%w: enrichment queue full (%d)", media.ErrBackpressureRejected, e.cfg.Capacity)
	}

	e.tasks = append(e.tasks, t)
	e.pending[t.ItemID] = true

	select {
	case e.notify <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the number of queued tasks.
func (e *Enricher) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tasks)
}

// pop removes the highest-priority task, earliest first on ties.
func (e *Enricher) pop() (Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.tasks) == 0 {
		return Task{}, false
	}

	best := 0
	for i, t := range e.tasks[1:] {
		if t.Priority > e.tasks[best].Priority {
			best = i + 1
		}
	}
	t := e.tasks[best]
	e.tasks = append(e.tasks[:best], e.tasks[best+1:]...)
	delete(e.pending, t.ItemID)
	return t, true
}

// Run serves tasks until the context is canceled.
func (e *Enricher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.worker(ctx)
		}()
	}
	wg.Wait()
}

func (e *Enricher) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.notify:
		}
		t, ok := e.pop()
		if !ok {
			continue
		}
		e.process(ctx, t)
	}
}

func (e *Enricher) process(ctx context.Context, t Task) {
	p, ok := e.lookup(t.Ref.ProviderID)
	if !ok {
		log.Printf("enrich: no provider %s for item %s", t.Ref.ProviderID, t.ItemID)
		return
	}
	meta, err := p.FetchMetadata(ctx, t.Ref)
	if err != nil {
		log.Printf("enrich: fetching %s/%s: %v", t.Ref.ProviderID, t.Ref.MediaID, err)
		return
	}
	if err := e.apply(t.QueueID, t.ItemID, *meta); err != nil {
		log.Printf("enrich: applying to %s: %v", t.ItemID, err)
		return
	}
	e.bus.Publish(events.ItemEnriched{QueueID: t.QueueID, ItemID: t.ItemID})
}
