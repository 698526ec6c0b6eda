// ABOUTME: Watches member playback positions and seeks drifting members
// ABOUTME: Corrections target the leader's position, never the other way
package group

import (
	"context"
	"log"

	"github.com/chorale-audio/chorale-go/internal/events"
	"github.com/chorale-audio/chorale-go/internal/media"
)

// WatchDrift consumes player state changes and issues corrective seeks
// to members that wandered past the drift threshold. Blocks until ctx
// is canceled.
func (c *Controller) WatchDrift(ctx context.Context) {
	ch, cancel := c.bus.Subscribe(64)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if st, ok := ev.(events.PlayerStateChanged); ok {
				c.checkDrift(ctx, st.PlayerID, st.State)
			}
		}
	}
}

func (c *Controller) checkDrift(ctx context.Context, playerID string, st media.PlayerState) {
	if st.Status != media.StatusPlaying {
		return
	}

	c.mu.Lock()
	gid, ok := c.byPlayer[playerID]
	if !ok {
		c.mu.Unlock()
		return
	}
	g := c.groups[gid]
	leaderID := g.leaderID
	c.mu.Unlock()

	if playerID == leaderID {
		return
	}

	leader, ok := c.reg.PlayerState(leaderID)
	if !ok || leader.Status != media.StatusPlaying {
		return
	}

	drift := st.Elapsed - leader.Elapsed
	if drift < 0 {
		drift = -drift
	}
	if drift <= c.driftThreshold {
		return
	}

	p, ok := c.reg.Player(playerID)
	if !ok {
		return
	}
	log.Printf("group %s: %s drifted %v from leader, correcting", gid, playerID, drift)
	if err := p.Seek(ctx, leader.Elapsed); err != nil {
		log.Printf("group %s: corrective seek on %s: %v", gid, playerID, err)
	}
}
