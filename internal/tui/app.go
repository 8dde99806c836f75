// Package tui renders the live status dashboard for a running tablesync
// server, polling its operator API.
package tui

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/jfoltran/tablesync/internal/metrics"
	"github.com/jfoltran/tablesync/internal/progress"
	"github.com/jfoltran/tablesync/pkg/lsn"
)

type tickMsg time.Time

// dataMsg carries one poll result into the update loop.
type dataMsg struct {
	snapshot metrics.Snapshot
	clients  []progress.ClientInfo
	err      error
}

// Model is the Bubble Tea model for the status dashboard.
type Model struct {
	apiAddr string
	client  *http.Client

	snapshot metrics.Snapshot
	clients  []progress.ClientInfo
	fetchErr error

	width  int
	height int
	ready  bool
}

// NewModel creates a model polling the given API address.
func NewModel(apiAddr string) Model {
	return Model{
		apiAddr: apiAddr,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

// Init schedules the first poll.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.poll(), tick())
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) poll() tea.Cmd {
	return func() tea.Msg {
		var msg dataMsg
		if err := fetchJSON(m.client, m.apiAddr+"/metrics", &msg.snapshot); err != nil {
			msg.err = err
			return msg
		}
		msg.err = fetchJSON(m.client, m.apiAddr+"/clients", &msg.clients)
		return msg
	}
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true

	case tickMsg:
		return m, tea.Batch(m.poll(), tick())

	case dataMsg:
		m.fetchErr = msg.err
		if msg.err == nil {
			m.snapshot = msg.snapshot
			m.clients = msg.clients
		}
	}

	return m, nil
}

// View renders the dashboard.
func (m Model) View() string {
	if !m.ready {
		return "Initializing..."
	}

	w := m.width
	var sections []string

	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(colorPrimary).
		Width(w).
		Padding(0, 1).
		Render(" tablesync")
	sections = append(sections, title)

	if m.fetchErr != nil {
		sections = append(sections, boxStyle.Width(w-2).Render(
			errStyle.Render(fmt.Sprintf("cannot reach %s: %v", m.apiAddr, m.fetchErr))))
	}

	sections = append(sections, boxStyle.Width(w-2).Render(m.renderCounters()))
	sections = append(sections, boxStyle.Width(w-2).Render(m.renderClients()))
	sections = append(sections, helpStyle.Render("  q: quit"))

	return strings.Join(sections, "\n")
}

func (m Model) renderCounters() string {
	s := m.snapshot
	line := func(label string, value any) string {
		return labelStyle.Render(fmt.Sprintf("%-18s", label)) +
			valueStyle.Render(fmt.Sprintf("%v", value))
	}

	wake := "never"
	if s.LastWakeMillis > 0 {
		wake = time.Since(time.UnixMilli(s.LastWakeMillis)).Truncate(time.Second).String() + " ago"
	}

	rows := []string{
		line("Uptime", (time.Duration(s.UptimeSeconds) * time.Second).String()),
		line("Connected", s.ConnectedClients),
		line("Snapshot chunks", fmt.Sprintf("%d (%d rows)", s.SnapshotChunks, s.SnapshotRows)),
		line("Feed batches", fmt.Sprintf("%d (%d changes)", s.FeedBatches, s.FeedChanges)),
		line("Client batches", fmt.Sprintf("%d (%d applied, %d skipped)", s.ClientBatches, s.RowsApplied, s.RowsSkipped)),
		line("Last wake", wake),
	}
	if s.Errors > 0 {
		rows = append(rows, line("Errors", warnStyle.Render(fmt.Sprintf("%d", s.Errors))))
	}
	return strings.Join(rows, "\n")
}

func (m Model) renderClients() string {
	if len(m.clients) == 0 {
		return labelStyle.Render("no registered clients")
	}

	serverPos, _ := lsn.Parse(m.snapshot.ServerLSN)

	rows := []string{tableHeaderStyle.Render(
		fmt.Sprintf("%-24s %-8s %-10s %-14s %-10s %s", "CLIENT", "ACTIVE", "STATE", "LSN", "LAG", "LAST SEEN"))}
	for _, c := range m.clients {
		style := inactiveStyle
		if c.Active {
			style = activeStyle
		}
		lag := "-"
		if pos, err := lsn.Parse(c.LastLSN); err == nil && serverPos > pos {
			lag = lsn.FormatLag(lsn.Lag(pos, serverPos))
		} else if err == nil && serverPos > 0 {
			lag = "0 B"
		}
		rows = append(rows, style.Render(fmt.Sprintf("%-24s %-8t %-10s %-14s %-10s %s",
			c.ClientID, c.Active, c.SyncState, c.LastLSN, lag,
			time.Since(c.LastSeen).Truncate(time.Second))))
	}
	return strings.Join(rows, "\n")
}

// Run starts the dashboard in fullscreen mode.
func Run(apiAddr string) error {
	p := tea.NewProgram(NewModel(apiAddr), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("tui: %w", err)
	}
	return nil
}

func fetchJSON(client *http.Client, url string, dest any) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, dest)
}
