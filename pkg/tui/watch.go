// Package tui is the terminal operator screen for the beam shower: a start
// control, a progress bar with the remaining time and the recent activity.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/temlab/beamshower/pkg/events"
	"github.com/temlab/beamshower/pkg/shower"
)

const (
	maxBarWidth  = 60
	maxActivity  = 6
	pollInterval = 2 * time.Second
)

// Backend is the daemon as seen by the watch screen.
type Backend interface {
	GetStatus() (*shower.Status, error)
	StartShower(req *shower.Request) (string, error)
	CancelShower() (string, error)
}

type statusMsg struct {
	status *shower.Status
	err    error
}

type eventMsg events.Event

type streamClosedMsg struct{}

type actionDoneMsg struct {
	info string
	err  error
}

type pollMsg time.Time

// Model is the Bubbletea model for the watch screen
type Model struct {
	backend Backend
	events  <-chan events.Event

	status   *shower.Status
	progress progress.Model
	activity []string
	width    int
	errorMsg string
	infoMsg  string
	quitting bool
}

// New creates a watch model. evs may be nil, in which case the screen only
// polls the daemon.
func New(b Backend, evs <-chan events.Event) Model {
	p := progress.New(progress.WithDefaultGradient())
	p.Width = maxBarWidth
	return Model{
		backend:  b,
		events:   evs,
		progress: p,
	}
}

// Run shows the screen until the operator quits.
func Run(b Backend, evs <-chan events.Event) error {
	_, err := tea.NewProgram(New(b, evs)).Run()
	return err
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetchStatus(), m.waitForEvent(), poll())
}

func (m Model) fetchStatus() tea.Cmd {
	return func() tea.Msg {
		st, err := m.backend.GetStatus()
		return statusMsg{status: st, err: err}
	}
}

func (m Model) waitForEvent() tea.Cmd {
	if m.events == nil {
		return nil
	}
	ch := m.events
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg(ev)
	}
}

func poll() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg { return pollMsg(t) })
}

func (m Model) start() tea.Cmd {
	return func() tea.Msg {
		id, err := m.backend.StartShower(nil)
		return actionDoneMsg{info: fmt.Sprintf("Started run %s", id), err: err}
	}
}

func (m Model) cancel() tea.Cmd {
	return func() tea.Msg {
		_, err := m.backend.CancelShower()
		return actionDoneMsg{info: "Cancel requested", err: err}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.progress.Width = min(maxBarWidth, max(10, msg.Width-4))
		return m, nil

	case tea.KeyMsg:
		// Clear messages on any key
		m.errorMsg = ""
		m.infoMsg = ""

		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "s", "enter":
			if m.status == nil || !m.status.CanStart {
				m.errorMsg = "A beam shower is already in progress"
				if m.status != nil && m.status.Phase == shower.PhaseError {
					m.errorMsg = "The last beam shower failed, press c to restore the instrument first"
				}
				return m, nil
			}
			return m, m.start()
		case "c":
			if m.status == nil || !m.status.CanCancel {
				m.errorMsg = "Nothing to cancel"
				return m, nil
			}
			return m, m.cancel()
		case "r":
			return m, m.fetchStatus()
		}
		return m, nil

	case statusMsg:
		if msg.err != nil {
			m.errorMsg = msg.err.Error()
			return m, nil
		}
		m.status = msg.status
		return m, nil

	case actionDoneMsg:
		if msg.err != nil {
			m.errorMsg = msg.err.Error()
		} else {
			m.infoMsg = msg.info
		}
		return m, m.fetchStatus()

	case eventMsg:
		cmd := m.applyEvent(events.Event(msg))
		return m, tea.Batch(cmd, m.waitForEvent())

	case streamClosedMsg:
		m.events = nil
		m.errorMsg = "Event stream closed, polling the daemon"
		return m, nil

	case pollMsg:
		return m, tea.Batch(m.fetchStatus(), poll())
	}

	return m, nil
}

// applyEvent folds a daemon event into the model.
func (m *Model) applyEvent(ev events.Event) tea.Cmd {
	switch ev.Name {
	case events.ShowerProgress:
		p, err := events.DecodeAs[events.ShowerProgressEvent](ev)
		if err != nil || m.status == nil {
			return nil
		}
		m.status.Progress.Percent = p.Percent
		m.status.Progress.RemainingMinutes = p.RemainingMinutes
		m.status.Progress.RemainingSeconds = p.RemainingSeconds
		m.status.Progress.Done = p.Percent >= 100
		if m.status.Progress.TotalMs == 0 && m.status.Params != nil {
			m.status.Progress.TotalMs = m.status.Params.Total()
		}
		return nil
	case events.ShowerPhase:
		p, err := events.DecodeAs[events.ShowerPhaseEvent](ev)
		if err != nil {
			return nil
		}
		if p.From != p.To {
			m.addActivity(p.Ts, fmt.Sprintf("%s -> %s %s", p.From, p.To, p.Message))
		}
		return m.fetchStatus()
	case events.ShowerAction:
		a, err := events.DecodeAs[events.ShowerActionEvent](ev)
		if err != nil {
			return nil
		}
		m.addActivity(a.Ts, a.Message)
		return nil
	}
	return nil
}

func (m *Model) addActivity(ts int64, line string) {
	stamp := time.Unix(ts, 0).Format("15:04:05")
	m.activity = append(m.activity, fmt.Sprintf("%s  %s", stamp, strings.TrimSpace(line)))
	if len(m.activity) > maxActivity {
		m.activity = m.activity[len(m.activity)-maxActivity:]
	}
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("Beam Shower"))
	b.WriteString("\n\n")

	st := m.status
	if st == nil {
		b.WriteString(mutedStyle.Render("Connecting to daemon..."))
		b.WriteString("\n")
		m.writeFooter(&b)
		return b.String()
	}

	mode := "offline"
	if st.Online {
		mode = "online"
	}
	b.WriteString(fmt.Sprintf("Instrument: %s (%s)\n", st.Instrument, mode))
	b.WriteString(fmt.Sprintf("Phase:      %s", phaseStyle(string(st.Phase)).Render(string(st.Phase))))
	if st.Step != "" && st.Phase.Active() {
		b.WriteString(mutedStyle.Render(fmt.Sprintf("  (%s)", st.Step)))
	}
	b.WriteString("\n")
	if p := st.Params; p != nil {
		b.WriteString(mutedStyle.Render(fmt.Sprintf("Duration %d min  CL1 %s  CL2 %s  CL3 %s  Spot %d",
			p.DurationMinutes,
			shower.FormatLensValue(p.CL1), shower.FormatLensValue(p.CL2), shower.FormatLensValue(p.CL3),
			p.SpotSize)))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	button := buttonStyle
	if !st.CanStart {
		button = disabledButtonStyle
	}
	b.WriteString(button.Render(st.Label))
	b.WriteString("\n\n")

	if st.Phase == shower.PhaseRunning {
		b.WriteString(m.progress.ViewAs(float64(st.Progress.Percent) / 100))
		b.WriteString("\n")
		b.WriteString(st.Progress.Text())
		b.WriteString("\n\n")
	}

	if st.Message != "" {
		style := mutedStyle
		if st.Phase == shower.PhaseError {
			style = errorStyle
		}
		b.WriteString(style.Render(st.Message))
		b.WriteString("\n\n")
	}

	if len(m.activity) > 0 {
		for _, line := range m.activity {
			b.WriteString(mutedStyle.Render(line))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	m.writeFooter(&b)
	return b.String()
}

func (m Model) writeFooter(b *strings.Builder) {
	if m.errorMsg != "" {
		b.WriteString(errorStyle.Render(m.errorMsg))
		b.WriteString("\n")
	}
	if m.infoMsg != "" {
		b.WriteString(infoStyle.Render(m.infoMsg))
		b.WriteString("\n")
	}
	b.WriteString(mutedStyle.Render("s start • c cancel • r refresh • q quit"))
	b.WriteString("\n")
}
