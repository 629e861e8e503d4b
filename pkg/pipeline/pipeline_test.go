package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/entrhq/fleet/pkg/browser"
	"github.com/entrhq/fleet/pkg/browser/browsertest"
	"github.com/entrhq/fleet/pkg/config"
	"github.com/entrhq/fleet/pkg/queue"
	"github.com/entrhq/fleet/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTiming = Timing{
	PollInterval: time.Millisecond,
	MaxAttempts:  3,
}

var testRow = queue.Row{Key: "k1", Member: "Alice", Phone: "62811", Group: "Team"}

// happyPage shows every element the flow needs. Evaluate reports no banner.
func happyPage() *browsertest.Session {
	s := browsertest.NewSession(browser.Profile{ID: 1})
	s.Show(GroupSelector("Team")).
		Show(SelectorGroupInfo).
		Show(SelectorAddMember).
		Show(SelectorSearchInput).
		ShowN(SelectorCheckbox, 2).
		Show(SelectorConfirm).
		Show(SelectorModalAdd)
	return s
}

func newTestPipeline(t *testing.T, opts ...Option) (*Pipeline, string) {
	t.Helper()
	snapshot := filepath.Join(t.TempDir(), "snapshots", "worker1-screenshot.png")
	opts = append([]Option{WithSnapshotPath(snapshot)}, opts...)
	return New(testTiming, opts...), snapshot
}

func TestExecute_Success(t *testing.T) {
	p, snapshot := newTestPipeline(t)
	page := happyPage()

	outcome := p.Execute(context.Background(), page, testRow)

	assert.Equal(t, Completed, outcome.Kind)
	assert.Equal(t, types.StatusSuccess, outcome.Label)
	assert.True(t, outcome.Advances())
	assert.Equal(t, 1, page.Reloads())
	assert.Equal(t, []string{
		`span[title="Team"]`,
		SelectorGroupInfo,
		SelectorAddMember,
		"dbl:" + SelectorSearchInput,
		SelectorCheckbox,
		SelectorConfirm,
		SelectorModalAdd,
	}, page.Clicks())
	assert.Equal(t, []string{"Alice"}, page.Typed())
	assert.Equal(t, 3, page.Queries(SelectorQRCanvas))
	assert.Empty(t, page.Screenshots())

	_, err := os.Stat(snapshot)
	assert.True(t, os.IsNotExist(err))
}

func TestExecute_Classification(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*browsertest.Session)
		kind    Kind
		label   types.Status
		step    string
		capture bool
	}{
		{
			name:    "logged out",
			setup:   func(s *browsertest.Session) { s.Show(SelectorQRCanvas) },
			kind:    LoggedOut,
			label:   types.StatusError,
			step:    "check session",
			capture: true,
		},
		{
			name:    "group not found",
			setup:   func(s *browsertest.Session) { s.Hide(GroupSelector("Team")) },
			kind:    Completed,
			label:   types.StatusGroupNotFound,
			step:    "locate group",
			capture: true,
		},
		{
			name:    "group info missing",
			setup:   func(s *browsertest.Session) { s.Hide(SelectorGroupInfo) },
			kind:    StepFailed,
			label:   types.StatusError,
			step:    "open group info",
			capture: true,
		},
		{
			name:    "group banned",
			setup:   func(s *browsertest.Session) { s.Hide(SelectorAddMember) },
			kind:    Completed,
			label:   types.StatusGroupBanned,
			step:    "open add member",
			capture: true,
		},
		{
			name:    "search input missing",
			setup:   func(s *browsertest.Session) { s.Hide(SelectorSearchInput) },
			kind:    StepFailed,
			label:   types.StatusInputNotFound,
			step:    "enter contact",
			capture: true,
		},
		{
			name:    "contact not found",
			setup:   func(s *browsertest.Session) { s.Hide(SelectorCheckbox) },
			kind:    Completed,
			label:   types.StatusContactNotFound,
			step:    "select contact",
			capture: true,
		},
		{
			name:    "confirm missing",
			setup:   func(s *browsertest.Session) { s.Hide(SelectorConfirm) },
			kind:    StepFailed,
			label:   types.StatusConfirmNotFound,
			step:    "confirm",
			capture: true,
		},
		{
			name:    "modal missing",
			setup:   func(s *browsertest.Session) { s.Hide(SelectorModalAdd) },
			kind:    StepFailed,
			label:   types.StatusAddMemberNotFound,
			step:    "confirm in modal",
			capture: true,
		},
		{
			name: "private",
			setup: func(s *browsertest.Session) {
				s.OnEvaluate(func(string) (interface{}, error) { return "Couldn't add Alice", nil })
			},
			kind:    Completed,
			label:   types.StatusPrivate,
			step:    "observe failure banner",
			capture: true,
		},
		{
			name: "banner disappears",
			setup: func(s *browsertest.Session) {
				var mu sync.Mutex
				calls := 0
				s.OnEvaluate(func(string) (interface{}, error) {
					mu.Lock()
					defer mu.Unlock()
					calls++
					if calls == 1 {
						return "Couldn't add Alice", nil
					}
					return nil, nil
				})
			},
			kind:  Completed,
			label: types.StatusSuccess,
			step:  "observe failure banner",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, snapshot := newTestPipeline(t)
			page := happyPage()
			tt.setup(page)

			outcome := p.Execute(context.Background(), page, testRow)

			assert.Equal(t, tt.kind, outcome.Kind, outcome.String())
			assert.Equal(t, tt.label, outcome.Label)
			assert.Equal(t, tt.step, outcome.Step)
			assert.Equal(t, tt.kind == Completed, outcome.Advances())

			if tt.capture {
				assert.Equal(t, []string{snapshot}, page.Screenshots())
				data, err := os.ReadFile(snapshot)
				require.NoError(t, err)
				assert.Equal(t, browsertest.PNG, data)
			} else {
				assert.Empty(t, page.Screenshots())
			}
		})
	}
}

func TestExecute_ExhaustionUsesEveryAttempt(t *testing.T) {
	p, _ := newTestPipeline(t)
	page := happyPage()
	page.Hide(GroupSelector("Team"))

	p.Execute(context.Background(), page, testRow)

	assert.Equal(t, testTiming.MaxAttempts, page.Queries(GroupSelector("Team")))
}

func TestExecute_LateElement(t *testing.T) {
	p, _ := newTestPipeline(t)
	page := happyPage()
	page.ShowAfter(GroupSelector("Team"), 2)

	outcome := p.Execute(context.Background(), page, testRow)

	assert.Equal(t, types.StatusSuccess, outcome.Label)
	assert.Equal(t, 3, page.Queries(GroupSelector("Team")))
}

func TestExecute_PrivateClicksCancel(t *testing.T) {
	p, _ := newTestPipeline(t)
	page := happyPage()
	page.Show(SelectorCancel)
	page.OnEvaluate(func(string) (interface{}, error) { return "Couldn't add Alice", nil })

	outcome := p.Execute(context.Background(), page, testRow)

	assert.Equal(t, types.StatusPrivate, outcome.Label)
	clicks := page.Clicks()
	assert.Equal(t, SelectorCancel, clicks[len(clicks)-1])
}

func TestExecute_DriverErrorIsFatal(t *testing.T) {
	p, snapshot := newTestPipeline(t)
	page := happyPage()
	boom := errors.New("target closed")
	page.Fail(SelectorGroupInfo, boom)

	outcome := p.Execute(context.Background(), page, testRow)

	assert.Equal(t, Fatal, outcome.Kind)
	assert.Equal(t, "open group info", outcome.Step)
	assert.ErrorIs(t, outcome.Err, boom)
	assert.False(t, outcome.Advances())
	assert.Equal(t, []string{snapshot}, page.Screenshots())
}

func TestExecute_EvaluateErrorIsFatal(t *testing.T) {
	p, _ := newTestPipeline(t)
	page := happyPage()
	page.OnEvaluate(func(string) (interface{}, error) { return nil, errors.New("execution context destroyed") })

	outcome := p.Execute(context.Background(), page, testRow)

	assert.Equal(t, Fatal, outcome.Kind)
	assert.Equal(t, "observe failure banner", outcome.Step)
}

func TestExecute_Cancelled(t *testing.T) {
	p := New(Timing{PollInterval: time.Hour, MaxAttempts: 3})
	page := happyPage()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	outcome := p.Execute(ctx, page, testRow)

	assert.Equal(t, Fatal, outcome.Kind)
	assert.ErrorIs(t, outcome.Err, context.Canceled)
	assert.Empty(t, page.Screenshots())
}

func TestExecute_RecoversPanic(t *testing.T) {
	steps := []Step{{
		Name: "explode",
		Do: func(ctx context.Context, r *runner, row queue.Row) (*Outcome, error) {
			panic("nil element")
		},
	}}
	p := New(testTiming, WithSteps(steps))

	outcome := p.Execute(context.Background(), happyPage(), testRow)

	assert.Equal(t, Fatal, outcome.Kind)
	assert.Contains(t, outcome.Err.Error(), "nil element")
}

func TestExecute_ObservesSteps(t *testing.T) {
	var mu sync.Mutex
	results := map[string]string{}
	p, _ := newTestPipeline(t, WithStepObserver(func(step string, elapsed time.Duration, result string) {
		mu.Lock()
		defer mu.Unlock()
		results[step] = result
	}))
	page := happyPage()
	page.Hide(SelectorCheckbox)

	p.Execute(context.Background(), page, testRow)

	assert.Equal(t, "continue", results["check session"])
	assert.Equal(t, "continue", results["enter contact"])
	assert.Equal(t, "completed", results["select contact"])
	_, ran := results["confirm"]
	assert.False(t, ran)
}

func TestGroupSelector(t *testing.T) {
	assert.Equal(t, `span[title="Team"]`, GroupSelector("Team"))
	assert.Equal(t, `span[title="Say \"hi\""]`, GroupSelector(`Say "hi"`))
}

func TestTimingFromSettings(t *testing.T) {
	timing := TimingFromSettings(configTiming())
	assert.Equal(t, 5*time.Second, timing.PollInterval)
	assert.Equal(t, 3, timing.MaxAttempts)
	assert.Equal(t, DefaultKeyDelay, timing.KeyDelay)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "completed", Completed.String())
	assert.Equal(t, "step_failed", StepFailed.String())
	assert.Equal(t, "fatal", Fatal.String())
	assert.Equal(t, "logged_out", LoggedOut.String())
}

func TestOutcomeAdvances(t *testing.T) {
	assert.True(t, completed("locate group", types.StatusGroupNotFound).Advances())
	assert.True(t, completed("observe failure banner", types.StatusSuccess).Advances())
	assert.False(t, completed("select contact", types.StatusInputNotFound).Advances())
	assert.False(t, stepFailed("open group info", types.StatusError, "missing").Advances())
	assert.False(t, loggedOut("check session").Advances())
}

func configTiming() config.TimingSettings {
	return config.DefaultSettings().Timing
}
