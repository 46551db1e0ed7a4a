package tui

import (
	"encoding/json"
	"errors"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/temlab/beamshower/pkg/events"
	"github.com/temlab/beamshower/pkg/shower"
)

type fakeBackend struct {
	status    *shower.Status
	statusErr error
	startErr  error
	started   int
	cancelled int
}

func (f *fakeBackend) GetStatus() (*shower.Status, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	st := *f.status
	return &st, nil
}

func (f *fakeBackend) StartShower(*shower.Request) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	f.started++
	return "run1", nil
}

func (f *fakeBackend) CancelShower() (string, error) {
	f.cancelled++
	return "ok", nil
}

func idleStatus() *shower.Status {
	return &shower.Status{
		Phase:      shower.PhaseIdle,
		Label:      "Start Beam Shower",
		Instrument: "sim",
		CanStart:   true,
	}
}

func runningStatus() *shower.Status {
	return &shower.Status{
		RunID:      "run1",
		Phase:      shower.PhaseRunning,
		Step:       shower.StepCountdown,
		Label:      "Running Beam Shower",
		Instrument: "sim",
		Params:     &shower.Params{DurationMinutes: 1, CL1: 0x3E8, CL2: 0x3E8, CL3: 0x3E8, SpotSize: 5},
		Progress:   shower.ComputeProgress(0, 60000),
		CanCancel:  true,
	}
}

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	nm, ok := next.(Model)
	require.True(t, ok)
	return nm, cmd
}

func mustEvent(t *testing.T, name string, v any) events.Event {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return events.Event{Name: name, Data: b}
}

func TestViewBeforeStatus(t *testing.T) {
	m := New(&fakeBackend{status: idleStatus()}, nil)
	assert.Contains(t, m.View(), "Connecting to daemon")
}

func TestStatusAndStart(t *testing.T) {
	b := &fakeBackend{status: idleStatus()}
	m := New(b, nil)

	m, _ = update(t, m, statusMsg{status: idleStatus()})
	view := m.View()
	assert.Contains(t, view, "Start Beam Shower")
	assert.Contains(t, view, "Idle")
	assert.NotContains(t, view, "Time Remaining")

	m, cmd := update(t, m, key("s"))
	require.NotNil(t, cmd)
	msg := cmd()
	assert.Equal(t, 1, b.started)

	m, cmd = update(t, m, msg)
	assert.Contains(t, m.View(), "Started run run1")
	require.NotNil(t, cmd)
	_, ok := cmd().(statusMsg)
	assert.True(t, ok)
}

func TestStartRefusedWhileRunning(t *testing.T) {
	b := &fakeBackend{status: runningStatus()}
	m := New(b, nil)
	m, _ = update(t, m, statusMsg{status: runningStatus()})

	m, cmd := update(t, m, key("s"))
	assert.Nil(t, cmd)
	assert.Equal(t, 0, b.started)
	assert.Contains(t, m.View(), "already in progress")
}

func TestStartRefusedAfterFailure(t *testing.T) {
	st := idleStatus()
	st.Phase = shower.PhaseError
	st.CanStart = false
	st.CanCancel = true
	b := &fakeBackend{status: st}
	m := New(b, nil)
	m, _ = update(t, m, statusMsg{status: st})

	m, cmd := update(t, m, key("s"))
	assert.Nil(t, cmd)
	assert.Equal(t, 0, b.started)
	assert.Contains(t, m.View(), "restore the instrument first")
}

func TestStartError(t *testing.T) {
	b := &fakeBackend{status: idleStatus(), startErr: errors.New("conflict")}
	m := New(b, nil)
	m, _ = update(t, m, statusMsg{status: idleStatus()})

	_, cmd := update(t, m, key("s"))
	require.NotNil(t, cmd)
	m, _ = update(t, m, cmd())
	assert.Contains(t, m.View(), "conflict")
}

func TestCancel(t *testing.T) {
	b := &fakeBackend{status: runningStatus()}
	m := New(b, nil)

	_, cmd := update(t, m, key("c"))
	assert.Nil(t, cmd, "no status yet")

	m, _ = update(t, m, statusMsg{status: runningStatus()})
	_, cmd = update(t, m, key("c"))
	require.NotNil(t, cmd)
	cmd()
	assert.Equal(t, 1, b.cancelled)
}

func TestProgressEvent(t *testing.T) {
	ch := make(chan events.Event, 1)
	m := New(&fakeBackend{status: runningStatus()}, ch)
	m, _ = update(t, m, statusMsg{status: runningStatus()})

	ev := mustEvent(t, events.ShowerProgress, events.ShowerProgressEvent{
		RunID:            "run1",
		Percent:          50,
		RemainingMinutes: 0,
		RemainingSeconds: 30,
	})
	m, cmd := update(t, m, eventMsg(ev))
	assert.NotNil(t, cmd)
	assert.Equal(t, 50, m.status.Progress.Percent)
	assert.Contains(t, m.View(), "Time Remaining:  0 : 30")
}

func TestPhaseAndActionEvents(t *testing.T) {
	ch := make(chan events.Event, 1)
	m := New(&fakeBackend{status: idleStatus()}, ch)
	m, _ = update(t, m, statusMsg{status: idleStatus()})

	m, _ = update(t, m, eventMsg(mustEvent(t, events.ShowerAction, events.ShowerActionEvent{
		Action:  string(shower.ActionStart),
		Message: "beam shower started",
		Ts:      1700000000,
	})))
	m, _ = update(t, m, eventMsg(mustEvent(t, events.ShowerPhase, events.ShowerPhaseEvent{
		From: "Idle",
		To:   "Preparing",
		Ts:   1700000001,
	})))

	assert.Len(t, m.activity, 2)
	view := m.View()
	assert.Contains(t, view, "beam shower started")
	assert.Contains(t, view, "Idle -> Preparing")
}

func TestActivityIsBounded(t *testing.T) {
	m := New(&fakeBackend{status: idleStatus()}, nil)
	for i := 0; i < maxActivity+4; i++ {
		m.addActivity(int64(i), "line")
	}
	assert.Len(t, m.activity, maxActivity)
}

func TestWaitForEvent(t *testing.T) {
	ch := make(chan events.Event, 1)
	m := New(&fakeBackend{status: idleStatus()}, ch)

	ch <- events.Event{Name: events.ShowerAction}
	msg := m.waitForEvent()()
	ev, ok := msg.(eventMsg)
	require.True(t, ok)
	assert.Equal(t, events.ShowerAction, ev.Name)

	close(ch)
	_, ok = m.waitForEvent()().(streamClosedMsg)
	assert.True(t, ok)

	m, _ = update(t, m, streamClosedMsg{})
	assert.Nil(t, m.waitForEvent())
	assert.Contains(t, m.errorMsg, "Event stream closed")
}

func TestStatusError(t *testing.T) {
	m := New(&fakeBackend{statusErr: errors.New("daemon not running")}, nil)
	msg := m.fetchStatus()()
	m, _ = update(t, m, msg)
	assert.Contains(t, m.View(), "daemon not running")
}

func TestQuit(t *testing.T) {
	m := New(&fakeBackend{status: idleStatus()}, nil)
	m, cmd := update(t, m, key("q"))
	require.NotNil(t, cmd)
	assert.True(t, m.quitting)
	assert.Equal(t, "", m.View())
}

func TestWindowResize(t *testing.T) {
	m := New(&fakeBackend{status: idleStatus()}, nil)
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 30, Height: 20})
	assert.Equal(t, 26, m.progress.Width)
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 200, Height: 20})
	assert.Equal(t, maxBarWidth, m.progress.Width)
}
