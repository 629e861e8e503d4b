package types

// WorkerState is the canonical lifecycle state of a worker. The string form
// is the word written after "Worker <ID>" in the aggregate log.
type WorkerState string

const (
	StateIdle         WorkerState = "idle"
	StateStarting     WorkerState = "starting"
	StateAwaitingLink WorkerState = "awaiting-link"
	StateLinked       WorkerState = "linked"
	StateRunning      WorkerState = "running"
	StateDelaying     WorkerState = "delaying"
	StateStopped      WorkerState = "stopped"
	StateError        WorkerState = "error"
	StateDone         WorkerState = "done"
)

// Active reports whether a worker in this state holds a browser session or
// a run loop.
func (s WorkerState) Active() bool {
	switch s {
	case StateStarting, StateAwaitingLink, StateLinked, StateRunning, StateDelaying:
		return true
	default:
		return false
	}
}
