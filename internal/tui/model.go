package tui

import (
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/statefleet/statefleet/internal/fleet"
)

// ActionKind identifies a user-triggered action from the dashboard.
type ActionKind int

const (
	// ActionRollingUpdate asks the serve loop to trigger a rolling update.
	ActionRollingUpdate ActionKind = iota
	// ActionRecreateSlot asks for a delete-and-recreate of the selected slot.
	ActionRecreateSlot
	// ActionReloadSpec asks the serve loop to re-read the spec file.
	ActionReloadSpec
)

// Action is a user request surfaced to the serve loop.
type Action struct {
	Kind ActionKind
	Slot int
}

// SnapshotMsg carries a fleet snapshot into the model.
type SnapshotMsg struct {
	Snapshot fleet.Snapshot
}

// EventMsg carries a reconciler event into the event log.
type EventMsg struct {
	Event fleet.Event
}

// Internal message types for the bubbletea update loop.
type (
	doneMsg struct{ Err error }
	logMsg  struct{ Line string }
	tickMsg time.Time
)

func tickEvery(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Model is the main bubbletea model: one fleet, its slots, and a log tail.
type Model struct {
	Project string
	Region  string
	Zone    string

	Snapshot  fleet.Snapshot
	HasData   bool
	Selected  int // index into Snapshot.Slots
	Events    []fleet.Event
	MaxEvents int

	LogLines    []string
	MaxLogLines int

	Spinner   spinner.Model
	StartTime time.Time

	ActionCh     chan Action
	ErrorMessage string

	Width  int
	Height int
}

// NewModel creates a new dashboard model.
func NewModel(project, region, zone string, actionCh chan Action) Model {
	s := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#22d3ee"))),
	)
	return Model{
		Project:     project,
		Region:      region,
		Zone:        zone,
		Spinner:     s,
		MaxEvents:   8,
		MaxLogLines: 100,
		StartTime:   time.Now(),
		ActionCh:    actionCh,
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.Spinner.Tick,
		tickEvery(time.Second),
	)
}

func (m *Model) send(a Action) {
	select {
	case m.ActionCh <- a:
	default:
	}
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "up", "k":
			if m.Selected > 0 {
				m.Selected--
			}
		case "down", "j":
			if m.Selected < len(m.Snapshot.Slots)-1 {
				m.Selected++
			}
		case "u":
			m.send(Action{Kind: ActionRollingUpdate})
		case "r":
			if m.Selected < len(m.Snapshot.Slots) {
				m.send(Action{Kind: ActionRecreateSlot, Slot: m.Snapshot.Slots[m.Selected].Slot})
			}
		case "l":
			m.send(Action{Kind: ActionReloadSpec})
		}

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.Spinner, cmd = m.Spinner.Update(msg)
		return m, cmd

	case tickMsg:
		return m, tickEvery(time.Second)

	case SnapshotMsg:
		m.Snapshot = msg.Snapshot
		m.HasData = true
		if m.Selected >= len(m.Snapshot.Slots) {
			m.Selected = 0
		}

	case EventMsg:
		m.Events = append(m.Events, msg.Event)
		if len(m.Events) > m.MaxEvents {
			m.Events = m.Events[len(m.Events)-m.MaxEvents:]
		}

	case doneMsg:
		if msg.Err != nil {
			m.ErrorMessage = msg.Err.Error()
		}
		return m, tea.Quit

	case logMsg:
		m.LogLines = append(m.LogLines, msg.Line)
		if len(m.LogLines) > m.MaxLogLines {
			m.LogLines = m.LogLines[len(m.LogLines)-m.MaxLogLines:]
		}
	}

	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	return renderDashboard(m)
}
