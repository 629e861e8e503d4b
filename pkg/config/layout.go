package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/entrhq/fleet/pkg/types"
)

// AggregateLogName is the file name of the log stream every worker mirrors into.
const AggregateLogName = "worker-main.log"

// Layout maps worker ids to their files under a single data directory.
//
//	<data>/profiles/worker3/                 browser profile
//	<data>/inputs/worker3.csv                queue
//	<data>/config/worker3/config.json        worker config
//	<data>/logs/worker3.log                  worker log
//	<data>/logs/worker-main.log              aggregate log
//	<data>/snapshots/worker3-screenshot.png  last diagnostic capture
//	<data>/qr/worker3.png                    last link snapshot
type Layout struct {
	DataDir string
}

// NewLayout creates a layout rooted at dataDir.
func NewLayout(dataDir string) Layout {
	return Layout{DataDir: dataDir}
}

func (l Layout) ProfilesDir() string  { return filepath.Join(l.DataDir, "profiles") }
func (l Layout) InputsDir() string    { return filepath.Join(l.DataDir, "inputs") }
func (l Layout) ConfigDir() string    { return filepath.Join(l.DataDir, "config") }
func (l Layout) LogsDir() string      { return filepath.Join(l.DataDir, "logs") }
func (l Layout) SnapshotsDir() string { return filepath.Join(l.DataDir, "snapshots") }
func (l Layout) QRDir() string        { return filepath.Join(l.DataDir, "qr") }

// ProfileDir is the browser user data directory of a worker.
func (l Layout) ProfileDir(id types.WorkerID) string {
	return filepath.Join(l.ProfilesDir(), id.Name())
}

// QueueFile is the tabular queue of a worker.
func (l Layout) QueueFile(id types.WorkerID) string {
	return filepath.Join(l.InputsDir(), id.Name()+".csv")
}

// WorkerConfigDir holds the config file of a worker.
func (l Layout) WorkerConfigDir(id types.WorkerID) string {
	return filepath.Join(l.ConfigDir(), id.Name())
}

// WorkerConfigFile is the JSON config of a worker.
func (l Layout) WorkerConfigFile(id types.WorkerID) string {
	return filepath.Join(l.WorkerConfigDir(id), "config.json")
}

// LogFile is the per-worker log stream.
func (l Layout) LogFile(id types.WorkerID) string {
	return filepath.Join(l.LogsDir(), id.Name()+".log")
}

// AggregateLogFile is the log stream shared by all workers.
func (l Layout) AggregateLogFile() string {
	return filepath.Join(l.LogsDir(), AggregateLogName)
}

// SnapshotFile is overwritten on every diagnostic capture.
func (l Layout) SnapshotFile(id types.WorkerID) string {
	return filepath.Join(l.SnapshotsDir(), id.Name()+"-screenshot.png")
}

// QRFile holds the most recent link snapshot written by the CLI.
func (l Layout) QRFile(id types.WorkerID) string {
	return filepath.Join(l.QRDir(), id.Name()+".png")
}

// Ensure creates every top-level directory of the layout.
func (l Layout) Ensure() error {
	for _, dir := range []string{l.ProfilesDir(), l.InputsDir(), l.ConfigDir(), l.LogsDir(), l.SnapshotsDir(), l.QRDir()} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}
