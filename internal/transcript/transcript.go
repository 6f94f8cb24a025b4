// Package transcript invokes the external transcript generator when a
// session stops. The generator is cosmetic tooling; its absence or
// failure never affects the hook reply.
package transcript

import (
	"context"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"gatehouse/internal/logging"
)

const maxNoteBytes = 2048

// Runner shells out to one generator command.
type Runner struct {
	command string
	timeout time.Duration
	log     *logging.Logger
}

// New builds a Runner. An empty command disables it.
func New(command string, timeout time.Duration, log *logging.Logger) *Runner {
	if log == nil {
		log = logging.Nop()
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Runner{command: command, timeout: timeout, log: log}
}

// Enabled reports whether a generator is configured.
func (r *Runner) Enabled() bool { return r.command != "" }

// Generate runs the generator with the transcript path as its argument.
// Non-zero exits and timeouts are logged and tolerated.
func (r *Runner) Generate(ctx context.Context, transcriptPath string) {
	if !r.Enabled() || transcriptPath == "" {
		return
	}

	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, r.command, transcriptPath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		note := out
		if len(note) > maxNoteBytes {
			note = note[:maxNoteBytes]
		}
		r.log.Warn("transcript generator failed",
			zap.String("command", r.command),
			zap.String("transcript_path", transcriptPath),
			zap.ByteString("output", note),
			zap.Error(err))
		return
	}

	r.log.Debug("transcript generated",
		zap.String("command", r.command),
		zap.String("transcript_path", transcriptPath))
}
