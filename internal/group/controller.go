// ABOUTME: Synchronized player groups with scatter-gather command fan-out
// ABOUTME: Per-member results surface partial failures instead of hiding them
package group

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chorale-audio/chorale-go/internal/events"
	"github.com/chorale-audio/chorale-go/internal/media"
	"github.com/chorale-audio/chorale-go/internal/registry"
)

// Results maps player id to the outcome of one fanned-out command.
type Results map[string]error

// Failed returns the ids whose command failed, sorted.
func (r Results) Failed() []string {
	var out []string
	for id, err := range r {
		if err != nil {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// PartialFailure reports a fan-out where some members failed. Callers
// inspect Results to decide per-member handling.
type PartialFailure struct {
	Results Results
}

func (e *PartialFailure) Error() string {
	return fmt.Sprintf("group command failed on %s", strings.Join(e.Results.Failed(), ", "))
}

// Member records how one player participates in a group.
type Member struct {
	PlayerID string
	// Native members joined via the device's own group protocol; the
	// rest get their audio relayed by the engine.
	Native bool
}

type group struct {
	id       string
	leaderID string
	members  map[string]Member
}

// Controller owns group membership and command fan-out.
type Controller struct {
	mu       sync.Mutex
	groups   map[string]*group
	byPlayer map[string]string // player id -> group id

	reg            *registry.Registry
	bus            *events.Bus
	driftThreshold time.Duration
}

// NewController creates a group controller. driftThreshold bounds how
// far a member may wander from the leader before a corrective seek.
func NewController(reg *registry.Registry, bus *events.Bus, driftThreshold time.Duration) *Controller {
	if driftThreshold <= 0 {
		driftThreshold = 100 * time.Millisecond
	}
	return &Controller{
		groups:         make(map[string]*group),
		byPlayer:       make(map[string]string),
		reg:            reg,
		bus:            bus,
		driftThreshold: driftThreshold,
	}
}

// Create starts a group led by the given player.
func (c *Controller) Create(leaderID string) (string, error) {
	if _, ok := c.reg.Player(leaderID); !ok {
		return "", fmt.Errorf("%w: player %s", media.ErrNotFound, leaderID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gid, ok := c.byPlayer[leaderID]; ok {
		return "", fmt.Errorf("%w: %s already in group %s", media.ErrInvalidOperation, leaderID, gid)
	}

	g := &group{
		id:       uuid.New().String(),
		leaderID: leaderID,
		members:  map[string]Member{leaderID: {PlayerID: leaderID, Native: true}},
	}
	c.groups[g.id] = g
	c.byPlayer[leaderID] = g.id

	c.publishLocked(g)
	log.Printf("group %s: created, leader %s", g.id, leaderID)
	return g.id, nil
}

// Join adds a player. Devices that speak a native group protocol join
// through it; everything else is marked for engine-side relay.
func (c *Controller) Join(ctx context.Context, groupID, playerID string) error {
	p, ok := c.reg.Player(playerID)
	if !ok {
		return fmt.Errorf("%w: player %s", media.ErrNotFound, playerID)
	}

	c.mu.Lock()
	g, ok := c.groups[groupID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: group %s", media.ErrNotFound, groupID)
	}
	if gid, ok := c.byPlayer[playerID]; ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s already in group %s", media.ErrInvalidOperation, playerID, gid)
	}
	leaderID := g.leaderID
	c.mu.Unlock()

	native := p.Capabilities().SupportsGroup
	if native {
		if err := p.JoinGroup(ctx, leaderID); err != nil {
			return fmt.Errorf("joining %s natively: %w", playerID, err)
		}
	}

	c.mu.Lock()
	// Re-check: the group may have dissolved while we talked to the
	// device.
	g, ok = c.groups[groupID]
	if !ok {
		c.mu.Unlock()
		if native {
			if err := p.LeaveGroup(ctx); err != nil {
				log.Printf("group: rollback leave for %s: %v", playerID, err)
			}
		}
		return fmt.Errorf("%w: group %s", media.ErrNotFound, groupID)
	}
	g.members[playerID] = Member{PlayerID: playerID, Native: native}
	c.byPlayer[playerID] = groupID
	c.publishLocked(g)
	c.mu.Unlock()

	log.Printf("group %s: %s joined (native=%v)", groupID, playerID, native)
	return nil
}

// Leave removes a member. The leader leaving dissolves the whole group.
func (c *Controller) Leave(ctx context.Context, groupID, playerID string) error {
	c.mu.Lock()
	g, ok := c.groups[groupID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: group %s", media.ErrNotFound, groupID)
	}
	if playerID == g.leaderID {
		c.mu.Unlock()
		return c.Dissolve(ctx, groupID)
	}
	m, ok := g.members[playerID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s not in group %s", media.ErrNotFound, playerID, groupID)
	}
	delete(g.members, playerID)
	delete(c.byPlayer, playerID)
	c.publishLocked(g)
	c.mu.Unlock()

	if m.Native {
		if p, ok := c.reg.Player(playerID); ok {
			if err := p.LeaveGroup(ctx); err != nil {
				log.Printf("group %s: native leave for %s: %v", groupID, playerID, err)
			}
		}
	}
	log.Printf("group %s: %s left", groupID, playerID)
	return nil
}

// Dissolve tears the group down, detaching every member.
func (c *Controller) Dissolve(ctx context.Context, groupID string) error {
	c.mu.Lock()
	g, ok := c.groups[groupID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: group %s", media.ErrNotFound, groupID)
	}
	delete(c.groups, groupID)
	members := make([]Member, 0, len(g.members))
	for id, m := range g.members {
		members = append(members, m)
		delete(c.byPlayer, id)
	}
	c.mu.Unlock()

	for _, m := range members {
		if !m.Native || m.PlayerID == g.leaderID {
			continue
		}
		if p, ok := c.reg.Player(m.PlayerID); ok {
			if err := p.LeaveGroup(ctx); err != nil {
				log.Printf("group %s: native leave for %s: %v", groupID, m.PlayerID, err)
			}
		}
	}

	c.bus.Publish(events.GroupChanged{GroupID: groupID, Members: nil})
	log.Printf("group %s: dissolved", groupID)
	return nil
}

// Members returns the member list, leader first.
func (c *Controller) Members(groupID string) []Member {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.groups[groupID]
	if !ok {
		return nil
	}
	return g.memberList()
}

// Leader returns the group's leader id.
func (c *Controller) Leader(groupID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.groups[groupID]
	if !ok {
		return "", false
	}
	return g.leaderID, true
}

// GroupOf returns the group a player belongs to.
func (c *Controller) GroupOf(playerID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	gid, ok := c.byPlayer[playerID]
	return gid, ok
}

// SetVolume moves the group's aggregate volume to the target. Members
// are scaled relative to their current levels so the balance within
// the group survives; from silence every member is lifted straight to
// the target.
func (c *Controller) SetVolume(ctx context.Context, groupID string, volume int) error {
	if volume < 0 {
		volume = 0
	} else if volume > 100 {
		volume = 100
	}
	current := c.Volume(groupID)

	return c.Broadcast(ctx, groupID, func(ctx context.Context, p media.Player) error {
		if !p.Capabilities().SupportsVolume {
			return nil
		}
		target := volume
		if current > 0 {
			if st, ok := c.reg.PlayerState(p.ID()); ok {
				target = st.Volume * volume / current
				if target > 100 {
					target = 100
				}
			}
		}
		if err := p.SetVolume(ctx, target); err != nil {
			return err
		}
		c.reg.UpdatePlayerState(p.ID(), func(st *media.PlayerState) {
			st.Volume = target
		})
		return nil
	})
}

// Volume returns the group's aggregate volume, the mean across the
// members that support volume control. Zero when none do.
func (c *Controller) Volume(groupID string) int {
	c.mu.Lock()
	g, ok := c.groups[groupID]
	if !ok {
		c.mu.Unlock()
		return 0
	}
	members := g.memberList()
	c.mu.Unlock()

	var sum, n int
	for _, m := range members {
		p, ok := c.reg.Player(m.PlayerID)
		if !ok || !p.Capabilities().SupportsVolume {
			continue
		}
		if st, ok := c.reg.PlayerState(m.PlayerID); ok {
			sum += st.Volume
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / n
}

// Broadcast runs fn against every member concurrently and gathers the
// per-member outcomes. Any failure yields a *PartialFailure carrying
// the full result map.
func (c *Controller) Broadcast(ctx context.Context, groupID string, fn func(ctx context.Context, p media.Player) error) error {
	c.mu.Lock()
	g, ok := c.groups[groupID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: group %s", media.ErrNotFound, groupID)
	}
	members := g.memberList()
	c.mu.Unlock()

	results := make(Results, len(members))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, m := range members {
		p, ok := c.reg.Player(m.PlayerID)
		if !ok {
			results[m.PlayerID] = fmt.Errorf("%w: player %s", media.ErrNotFound, m.PlayerID)
			continue
		}
		wg.Add(1)
		go func(id string, p media.Player) {
			defer wg.Done()
			err := fn(ctx, p)
			mu.Lock()
			results[id] = err
			mu.Unlock()
		}(m.PlayerID, p)
	}
	wg.Wait()

	for _, err := range results {
		if err != nil {
			return &PartialFailure{Results: results}
		}
	}
	return nil
}

func (g *group) memberList() []Member {
	out := make([]Member, 0, len(g.members))
	out = append(out, g.members[g.leaderID])
	ids := make([]string, 0, len(g.members))
	for id := range g.members {
		if id != g.leaderID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		out = append(out, g.members[id])
	}
	return out
}

func (c *Controller) publishLocked(g *group) {
	ids := make([]string, 0, len(g.members))
	for _, m := range g.memberList() {
		ids = append(ids, m.PlayerID)
	}
	c.bus.Publish(events.GroupChanged{GroupID: g.id, Members: ids})
}
