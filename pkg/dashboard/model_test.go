package dashboard

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/entrhq/fleet/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModel_View(t *testing.T) {
	m := newModel([]Row{
		{ID: 2, Pending: 5},
		{ID: 1, State: "running", Pending: 3, Message: "Processing Alice (Team)"},
	})

	view := m.View()
	assert.Contains(t, view, "Fleet")
	assert.Contains(t, view, "LAST MESSAGE")
	assert.Contains(t, view, "Processing Alice (Team)")
	assert.Contains(t, view, "2 workers")

	first := strings.Index(view, "worker1")
	second := strings.Index(view, "worker2")
	require.NotEqual(t, -1, first)
	require.NotEqual(t, -1, second)
	assert.Less(t, first, second, "rows are ordered by id")
	assert.Contains(t, view, "idle")
}

func TestModel_HandleEvents(t *testing.T) {
	m := newModel([]Row{{ID: 1}})

	events := []*types.WorkerEvent{
		types.NewStateChangedEvent(1, string(types.StateRunning)),
		types.NewLogLineEvent(types.LogLine{WorkerID: 1, Level: types.LevelInfo, Message: "Clicked group \"Team\""}),
		types.NewQueueUpdatedEvent(1, "Alice", types.StatusSuccess, 2),
		types.NewLinkUpdatedEvent(1, true),
		types.NewStateChangedEvent(3, string(types.StateDelaying)),
		// Aggregate-only lines are ignored.
		types.NewLogLineEvent(types.LogLine{Message: "Worker 1 running"}),
	}
	for _, ev := range events {
		_, cmd := m.Update(ev)
		assert.Nil(t, cmd)
	}

	require.Contains(t, m.rows, types.WorkerID(1))
	row := m.rows[1]
	assert.Equal(t, "running", row.State)
	assert.Equal(t, 2, row.Pending)
	assert.Equal(t, "Clicked group \"Team\"", row.Message)
	assert.True(t, m.linked[1])

	require.Contains(t, m.rows, types.WorkerID(3))
	assert.Equal(t, "delaying", m.rows[3].State)
	assert.Equal(t, 5, m.events)

	m.Update(types.NewRunFinishedEvent(1, string(types.StateDone), true, "Queue complete"))
	assert.Equal(t, "done", m.rows[1].State)
	assert.Equal(t, "Queue complete", m.rows[1].Message)

	view := m.View()
	assert.Contains(t, view, "yes")
	assert.Contains(t, view, "worker3")
}

func TestModel_TruncatesToWidth(t *testing.T) {
	m := newModel([]Row{{ID: 1, Message: strings.Repeat("x", 200)}})
	m.Update(tea.WindowSizeMsg{Width: 60, Height: 20})

	for _, line := range strings.Split(m.View(), "\n") {
		if strings.Contains(line, "worker1") {
			assert.LessOrEqual(t, len([]rune(line)), 60)
			assert.Contains(t, line, "…")
		}
	}
}

func TestModel_Quit(t *testing.T) {
	tests := []struct {
		name string
		msg  tea.Msg
	}{
		{"q", tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")}},
		{"ctrl+c", tea.KeyMsg{Type: tea.KeyCtrlC}},
		{"closed", closedMsg{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newModel(nil)
			_, cmd := m.Update(tt.msg)
			require.NotNil(t, cmd)
			assert.Equal(t, tea.Quit(), cmd())
			assert.Empty(t, m.View())
		})
	}
}
