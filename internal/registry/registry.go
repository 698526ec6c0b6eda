// ABOUTME: Explicit-lifecycle registry for providers and player devices
// ABOUTME: Owns PlayerState records and publishes state change events
package registry

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/chorale-audio/chorale-go/internal/events"
	"github.com/chorale-audio/chorale-go/internal/media"
)

// Registry tracks registered providers and players. It is passed by
// reference to components that need lookup; there is no ambient global.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]media.Provider
	players   map[string]media.Player
	states    map[string]media.PlayerState
	bus       *events.Bus
}

// New creates an empty registry publishing on bus.
func New(bus *events.Bus) *Registry {
	return &Registry{
		providers: make(map[string]media.Provider),
		players:   make(map[string]media.Player),
		states:    make(map[string]media.PlayerState),
		bus:       bus,
	}
}

// RegisterProvider adds a provider. Re-registering an id replaces it.
func (r *Registry) RegisterProvider(p media.Provider) {
	r.mu.Lock()
	r.providers[p.ID()] = p
	r.mu.Unlock()

	log.Printf("registry: provider registered: %s", p.ID())
}

// UnregisterProvider removes a provider.
func (r *Registry) UnregisterProvider(id string) {
	r.mu.Lock()
	delete(r.providers, id)
	r.mu.Unlock()

	log.Printf("registry: provider unregistered: %s", id)
}

// Provider looks up a provider by id.
func (r *Registry) Provider(id string) (media.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// RegisterPlayer adds a player and creates its state record.
func (r *Registry) RegisterPlayer(p media.Player) error {
	r.mu.Lock()
	if _, exists := r.players[p.ID()]; exists {
		r.mu.Unlock()
		return fmt.Errorf("player %s already registered", p.ID())
	}
	r.players[p.ID()] = p
	state := media.PlayerState{
		Power:     true,
		Volume:    100,
		Status:    media.StatusIdle,
		UpdatedAt: time.Now(),
	}
	r.states[p.ID()] = state
	r.mu.Unlock()

	log.Printf("registry: player registered: %s (%s)", p.Name(), p.ID())
	r.bus.Publish(events.PlayerStateChanged{PlayerID: p.ID(), State: state})
	return nil
}

// UnregisterPlayer removes a player and its state record.
func (r *Registry) UnregisterPlayer(id string) {
	r.mu.Lock()
	delete(r.players, id)
	delete(r.states, id)
	r.mu.Unlock()

	log.Printf("registry: player unregistered: %s", id)
}

// Player looks up a player by id.
func (r *Registry) Player(id string) (media.Player, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.players[id]
	return p, ok
}

// Players returns a snapshot of all registered players.
func (r *Registry) Players() []media.Player {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]media.Player, 0, len(r.players))
	for _, p := range r.players {
		out = append(out, p)
	}
	return out
}

// PlayerState returns a copy of a player's last known state.
func (r *Registry) PlayerState(id string) (media.PlayerState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.states[id]
	return st, ok
}

// UpdatePlayerState applies mutate to the player's state record and
// publishes the result. All transport-driven state writes route through
// here so there is a single writer per player.
func (r *Registry) UpdatePlayerState(id string, mutate func(*media.PlayerState)) {
	r.mu.Lock()
	st, ok := r.states[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	mutate(&st)
	st.UpdatedAt = time.Now()
	r.states[id] = st
	r.mu.Unlock()

	r.bus.Publish(events.PlayerStateChanged{PlayerID: id, State: st})
}
