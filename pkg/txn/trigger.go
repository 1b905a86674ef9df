package txn

import (
	"os/exec"
	"time"

	"github.com/cuemby/conary/pkg/log"
	"github.com/cuemby/conary/pkg/metrics"
	"github.com/cuemby/conary/pkg/types"
)

// runTrigger invokes t.Handler with the matched paths as arguments.
// Ordering by Priority and the Enabled check are done by the caller,
// Engine.fireTriggers.
func runTrigger(t *types.Trigger, matched []string) {
	logger := log.WithComponent("txn").With().Str("trigger", t.Name).Logger()
	cmd := exec.Command(t.Handler, matched...)
	start := time.Now()
	out, err := cmd.CombinedOutput()
	if err != nil {
		metrics.HookFailuresTotal.WithLabelValues("trigger", "post").Inc()
		logger.Warn().Err(err).Str("output", string(out)).Dur("elapsed", time.Since(start)).Msg("trigger handler failed")
		return
	}
	metrics.HooksAppliedTotal.WithLabelValues("trigger", "post").Inc()
	logger.Debug().Int("matched", len(matched)).Dur("elapsed", time.Since(start)).Msg("trigger fired")
}
