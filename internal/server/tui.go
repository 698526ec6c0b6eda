// ABOUTME: Terminal status display for players and their queues
// ABOUTME: Real-time view driven by engine events through bubbletea
package server

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Status holds the engine state the TUI renders.
type Status struct {
	Name    string
	Port    int
	Players []PlayerRow
}

// PlayerRow is one player line in the display.
type PlayerRow struct {
	Name       string
	ID         string
	Status     string
	Volume     int
	NowPlaying string
}

// TUI renders engine status in the terminal until the user quits.
type TUI struct {
	program  *tea.Program
	updates  chan Status
	quitChan chan struct{}
}

// NewTUI creates the terminal display.
func NewTUI() *TUI {
	return &TUI{
		updates:  make(chan Status, 10),
		quitChan: make(chan struct{}, 1),
	}
}

type tickMsg time.Time
type statusMsg Status

type tuiModel struct {
	status    Status
	startTime time.Time
	quitting  bool
	quitChan  chan struct{}
}

func (m tuiModel) Init() tea.Cmd {
	return tickEvery()
}

func tickEvery() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			m.quitting = true
			select {
			case m.quitChan <- struct{}{}:
			default:
			}
			return m, tea.Quit
		}

	case tickMsg:
		return m, tickEvery()

	case statusMsg:
		m.status = Status(msg)
		return m, nil
	}

	return m, nil
}

func (m tuiModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("205")).
		MarginBottom(1)

	headerStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("86"))

	valueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("250"))

	playerHeaderStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("220"))

	var b strings.Builder

	b.WriteString(titleStyle.Render("Chorale Server"))
	b.WriteString("\n\n")

	b.WriteString(headerStyle.Render("Server: "))
	b.WriteString(valueStyle.Render(m.status.Name))
	b.WriteString("\n")

	b.WriteString(headerStyle.Render("Port: "))
	b.WriteString(valueStyle.Render(fmt.Sprintf("%d", m.status.Port)))
	b.WriteString("\n")

	b.WriteString(headerStyle.Render("Uptime: "))
	uptime := time.Since(m.startTime).Round(time.Second)
	b.WriteString(valueStyle.Render(uptime.String()))
	b.WriteString("\n\n")

	b.WriteString(playerHeaderStyle.Render(fmt.Sprintf("Players (%d)", len(m.status.Players))))
	b.WriteString("\n\n")

	if len(m.status.Players) == 0 {
		b.WriteString(valueStyle.Render("  No players connected"))
		b.WriteString("\n")
	} else {
		for _, p := range m.status.Players {
			b.WriteString(fmt.Sprintf("  * %s", p.Name))
			b.WriteString(valueStyle.Render(fmt.Sprintf(" (%s, vol %d)", p.Status, p.Volume)))
			b.WriteString("\n")
			if p.NowPlaying != "" {
				b.WriteString(valueStyle.Render(fmt.Sprintf("      %s", p.NowPlaying)))
				b.WriteString("\n")
			}
		}
	}

	b.WriteString("\n")
	b.WriteString(lipgloss.NewStyle().Faint(true).Render("Press 'q' or Ctrl+C to quit"))

	return b.String()
}

// Start runs the display until the user quits. Blocks.
func (t *TUI) Start(serverName string, port int) error {
	m := tuiModel{
		status: Status{
			Name:    serverName,
			Port:    port,
			Players: []PlayerRow{},
		},
		startTime: time.Now(),
		quitChan:  t.quitChan,
	}

	t.program = tea.NewProgram(m, tea.WithAltScreen())

	go func() {
		for status := range t.updates {
			if t.program != nil {
				t.program.Send(statusMsg(status))
			}
		}
	}()

	_, err := t.program.Run()
	return err
}

// Update sends a status refresh without blocking.
func (t *TUI) Update(status Status) {
	select {
	case t.updates <- status:
	default:
	}
}

// Stop ends the display.
func (t *TUI) Stop() {
	if t.program != nil {
		t.program.Quit()
	}
	close(t.updates)
}

// QuitChan signals when the user asked to quit.
func (t *TUI) QuitChan() <-chan struct{} {
	return t.quitChan
}
