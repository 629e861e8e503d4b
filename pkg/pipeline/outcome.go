package pipeline

import (
	"fmt"

	"github.com/entrhq/fleet/pkg/types"
)

// Kind classifies how a row's session ended.
type Kind int

const (
	// Completed rows carry a label and advance the queue.
	Completed Kind = iota
	// StepFailed means a required element never appeared.
	StepFailed
	// Fatal means the driver failed unexpectedly or the run was cancelled.
	Fatal
	// LoggedOut means the linked device was logged out.
	LoggedOut
)

func (k Kind) String() string {
	switch k {
	case Completed:
		return "completed"
	case StepFailed:
		return "step_failed"
	case Fatal:
		return "fatal"
	case LoggedOut:
		return "logged_out"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the classification of one row.
type Outcome struct {
	Kind Kind

	// Label is written into the row's status column for Completed outcomes.
	Label types.Status

	// Step names the step that decided the outcome.
	Step string

	// Message is a human readable reason.
	Message string

	// Err is the underlying error of a Fatal outcome.
	Err error
}

// Advances reports whether the row should be stamped and the loop continue.
// Only soft labels advance.
func (o Outcome) Advances() bool {
	return o.Kind == Completed && o.Label.Soft()
}

func (o Outcome) String() string {
	if o.Err != nil {
		return fmt.Sprintf("%s at %q: %s: %v", o.Kind, o.Step, o.Message, o.Err)
	}
	return fmt.Sprintf("%s at %q: %s", o.Kind, o.Step, o.Message)
}

func completed(step string, label types.Status) Outcome {
	return Outcome{Kind: Completed, Label: label, Step: step, Message: string(label)}
}

func stepFailed(step string, label types.Status, message string) Outcome {
	return Outcome{Kind: StepFailed, Label: label, Step: step, Message: message}
}

func fatal(step string, err error) Outcome {
	return Outcome{Kind: Fatal, Label: types.StatusError, Step: step, Message: "unexpected driver error", Err: err}
}

func loggedOut(step string) Outcome {
	return Outcome{Kind: LoggedOut, Label: types.StatusError, Step: step, Message: "WA Suspended / Logged Out"}
}
