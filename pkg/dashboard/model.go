package dashboard

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/x/ansi"
	"github.com/entrhq/fleet/pkg/types"
)

// Row is the initial content of one worker line.
type Row struct {
	ID      types.WorkerID
	State   string
	Pending int
	Message string
}

// keyMap holds the dashboard key bindings.
type keyMap struct {
	Quit key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "esc", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}

// closedMsg is sent when the subscription stops delivering events.
type closedMsg struct{}

type model struct {
	spinner  spinner.Model
	rows     map[types.WorkerID]*Row
	linked   map[types.WorkerID]bool
	width    int
	events   int
	quitting bool
}

func newModel(rows []Row) *model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = activeStyle

	m := &model{
		spinner: sp,
		rows:    make(map[types.WorkerID]*Row, len(rows)),
		linked:  make(map[types.WorkerID]bool),
		width:   100,
	}
	for i := range rows {
		r := rows[i]
		if r.State == "" {
			r.State = string(types.StateIdle)
		}
		m.rows[r.ID] = &r
	}
	return m
}

func (m *model) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) {
			m.quitting = true
			return m, tea.Quit
		}
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case *types.WorkerEvent:
		m.handleEvent(msg)
	case closedMsg:
		m.quitting = true
		return m, tea.Quit
	}
	return m, nil
}

// handleEvent folds one bus event into the worker rows. Aggregate-only
// lines carry no worker and are skipped.
func (m *model) handleEvent(event *types.WorkerEvent) {
	if event == nil || event.WorkerID == 0 {
		return
	}
	m.events++

	row := m.row(event.WorkerID)
	switch event.Type {
	case types.EventTypeStateChanged:
		row.State = event.State
	case types.EventTypeLogLine:
		if event.Line != nil {
			row.Message = event.Line.Message
		}
	case types.EventTypeQueueUpdated, types.EventTypeConfigUpdated:
		row.Pending = event.Pending
	case types.EventTypeLinkUpdated:
		loggedIn, _ := event.Metadata["logged_in"].(bool)
		m.linked[event.WorkerID] = loggedIn
	case types.EventTypeRunFinished:
		row.State = event.State
		if event.Message != "" {
			row.Message = event.Message
		}
	}
}

func (m *model) row(id types.WorkerID) *Row {
	r, ok := m.rows[id]
	if !ok {
		r = &Row{ID: id, State: string(types.StateIdle)}
		m.rows[id] = r
	}
	return r
}

func (m *model) sorted() []*Row {
	out := make([]*Row, 0, len(m.rows))
	for _, r := range m.rows {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *model) active() int {
	n := 0
	for _, r := range m.rows {
		if types.WorkerState(r.State).Active() {
			n++
		}
	}
	return n
}

const rowFormat = "%-10s %-14s %-6s %7s  "

func (m *model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(headerStyle.Render("Fleet"))
	if n := m.active(); n > 0 {
		b.WriteString(fmt.Sprintf(" %s %d active", m.spinner.View(), n))
	}
	b.WriteString("\n\n")
	b.WriteString(columnStyle.Render(fmt.Sprintf(rowFormat+"%s", "WORKER", "STATE", "LINK", "PENDING", "LAST MESSAGE")))
	b.WriteString("\n")

	for _, r := range m.sorted() {
		link := "-"
		if linked, ok := m.linked[r.ID]; ok {
			link = "no"
			if linked {
				link = "yes"
			}
		}

		prefix := fmt.Sprintf(rowFormat, r.ID.Name(), r.State, link, fmt.Sprint(r.Pending))
		message := r.Message
		if room := m.width - ansi.StringWidth(prefix); room > 0 {
			message = ansi.Truncate(message, room, "…")
		}

		b.WriteString(stateStyle(r.State).Render(prefix))
		b.WriteString(messageStyle.Render(message))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(tipsStyle.Render(fmt.Sprintf("%d workers · %s to %s", len(m.rows), keys.Quit.Help().Key, keys.Quit.Help().Desc)))
	return b.String()
}
