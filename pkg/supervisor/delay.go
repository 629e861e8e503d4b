package supervisor

import (
	"math/rand/v2"

	"github.com/entrhq/fleet/pkg/config"
)

// RandomDelay draws a delay in [start, end] from the worker config, in
// config units. Bounds are expected to be validated; an inverted range
// yields start.
func RandomDelay(r *rand.Rand, cfg config.WorkerConfig) int {
	start, end := cfg.DelayRandomStart, cfg.DelayRandomEnd
	if end <= start {
		return start
	}
	return start + r.IntN(end-start+1)
}
