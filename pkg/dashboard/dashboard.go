// Package dashboard renders a live terminal view of the fleet from status
// bus events.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"io"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/entrhq/fleet/pkg/status"
)

// Option configures the dashboard program.
type Option func(*options)

type options struct {
	in       io.Reader
	out      io.Writer
	noScreen bool
}

// WithIO replaces the terminal and disables the alternate screen.
func WithIO(in io.Reader, out io.Writer) Option {
	return func(o *options) {
		o.in = in
		o.out = out
		o.noScreen = true
	}
}

// Run shows one line per worker and updates it on every event of sub until
// the user quits, sub is closed or ctx is done.
func Run(ctx context.Context, sub *status.Subscription, rows []Row, opts ...Option) error {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	m := newModel(rows)
	progOpts := []tea.ProgramOption{tea.WithContext(ctx)}
	if o.noScreen {
		progOpts = append(progOpts, tea.WithInput(o.in), tea.WithOutput(o.out))
	} else {
		progOpts = append(progOpts, tea.WithAltScreen())
	}
	program := tea.NewProgram(m, progOpts...)

	go func() {
		// Forward bus events to the program
		for event := range sub.Events() {
			program.Send(event)
		}
		program.Send(closedMsg{})
	}()

	if _, err := program.Run(); err != nil {
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to run dashboard: %w", err)
	}
	return nil
}
