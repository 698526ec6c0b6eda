// ABOUTME: Builds TUI status rows from live engine state
// ABOUTME: WatchStatus refreshes the display on every engine event
package server

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// StatusSnapshot assembles the current display state.
func (e *Engine) StatusSnapshot() Status {
	st := Status{
		Name: e.cfg.Server.Name,
		Port: e.cfg.Server.Port,
	}

	for _, p := range e.reg.Players() {
		row := PlayerRow{
			Name:   p.Name(),
			ID:     p.ID(),
			Status: "idle",
			Volume: 100,
		}
		if ps, ok := e.reg.PlayerState(p.ID()); ok {
			row.Status = string(ps.Status)
			row.Volume = ps.Volume
		}
		if it, _, ok := e.queues.Current(p.ID()); ok {
			title := it.Meta.Title
			if title == "" {
				title = it.Ref.MediaID
			}
			if it.Meta.Artist != "" {
				title = it.Meta.Artist + " - " + title
			}
			row.NowPlaying = fmt.Sprintf("%s [%s]",
				title, e.queues.Elapsed(p.ID()).Round(time.Second))
		}
		st.Players = append(st.Players, row)
	}

	sort.Slice(st.Players, func(i, j int) bool {
		return st.Players[i].Name < st.Players[j].Name
	})
	return st
}

// WatchStatus pushes a refresh to the TUI on every engine event, with
// a periodic tick so elapsed times keep moving.
func (e *Engine) WatchStatus(ctx context.Context, tui *TUI) {
	ch, cancel := e.bus.Subscribe(64)
	defer cancel()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	tui.Update(e.StatusSnapshot())
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			tui.Update(e.StatusSnapshot())
		case <-ticker.C:
			tui.Update(e.StatusSnapshot())
		}
	}
}
