package status

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/entrhq/fleet/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDerive(t *testing.T) {
	tests := []struct {
		name string
		log  string
		id   types.WorkerID
		want string
	}{
		{
			name: "single marker",
			log:  "[2024-05-10 10:00:00] [worker-main] INFO: Worker 3 running\n",
			id:   3,
			want: "running",
		},
		{
			name: "last marker wins",
			log: "[2024-05-10 10:00:00] [worker-main] INFO: Worker 3 starting\n" +
				"[2024-05-10 10:00:01] [worker-main] INFO: Worker 3 running\n" +
				"[2024-05-10 10:05:00] [worker-main] INFO: Worker 3 stopped\n",
			id:   3,
			want: "stopped",
		},
		{
			name: "other workers ignored",
			log: "[2024-05-10 10:00:00] [worker-main] INFO: Worker 3 running\n" +
				"[2024-05-10 10:00:01] [worker-main] INFO: Worker 31 stopped\n" +
				"[2024-05-10 10:00:02] [worker-main] INFO: Worker 4 error\n",
			id:   3,
			want: "running",
		},
		{
			name: "punctuation trimmed",
			log:  "[2024-05-10 10:00:00] [worker-main] ERROR: Worker 2 error: step failed\n",
			id:   2,
			want: "error",
		},
		{
			name: "worker stream lines ignored",
			log: "[2024-05-10 10:00:00] [worker-main] INFO: Worker 2 running\n" +
				"[2024-05-10 10:00:01] [worker1] INFO: Clicked group \"Worker 2 stopped\"\n",
			id:   2,
			want: "running",
		},
		{
			name: "hyphenated state",
			log:  "[2024-05-10 10:00:00] [worker-main] INFO: Worker 2 awaiting-link\n",
			id:   2,
			want: "awaiting-link",
		},
		{
			name: "marker without word",
			log: "[2024-05-10 10:00:00] [worker-main] INFO: Worker 5 done\n" +
				"[2024-05-10 10:00:01] [worker-main] INFO: Worker 5\n",
			id:   5,
			want: "done",
		},
		{
			name: "no marker falls back to idle",
			log:  "[2024-05-10 10:00:00] [worker3] INFO: Processing Alice\n",
			id:   3,
			want: Idle,
		},
		{
			name: "empty log",
			log:  "",
			id:   1,
			want: Idle,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Derive(strings.NewReader(tt.log), tt.id))
		})
	}
}

func TestLine(t *testing.T) {
	word, ok := Line("Worker 1 running, Worker 2 delaying", 2)
	assert.True(t, ok)
	assert.Equal(t, "delaying", word)

	_, ok = Line("Worker 1 running", 2)
	assert.False(t, ok)
}

func TestDeriveFile(t *testing.T) {
	dir := t.TempDir()

	assert.Equal(t, Idle, DeriveFile(filepath.Join(dir, "missing.log"), 1))

	path := filepath.Join(dir, "worker-main.log")
	require.NoError(t, os.WriteFile(path, []byte("x Worker 1 linked\n"), 0600))
	assert.Equal(t, "linked", DeriveFile(path, 1))
}

func TestDeriveAll(t *testing.T) {
	log := "Worker 1 running\nWorker 2 starting\nWorker 2 error\n"

	got := DeriveAll(strings.NewReader(log))
	assert.Equal(t, map[types.WorkerID]string{1: "running", 2: "error"}, got)
}
