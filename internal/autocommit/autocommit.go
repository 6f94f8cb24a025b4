// Package autocommit keeps the task data repository synced after tool
// calls that change tracker state. Sync failures surface as reply
// warnings, never as denials.
package autocommit

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"gatehouse/hook"
	"gatehouse/internal/logging"
)

// trackerOps are the tracker subcommands that modify stored state. Reads
// like list and show never warrant a sync.
var trackerOps = []string{
	"create", "update", "edit", "close", "done", "complete",
	"start", "claim", "assign", "comment", "dep", "label",
	"delete", "import",
}

// Handler syncs one git repository, normally the tracker's data repo.
type Handler struct {
	dir     string
	timeout time.Duration
	log     *logging.Logger
	opRe    *regexp.Regexp
}

// New builds a Handler for the data repository at dir. An empty dir
// disables the handler. taskCmd names the tracker CLI whose mutating
// subcommands trigger a sync.
func New(dir, taskCmd string, timeout time.Duration, log *logging.Logger) *Handler {
	if log == nil {
		log = logging.Nop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	// Match the tracker command at a shell command position, not inside
	// arbitrary argument text.
	pattern := `(?:^|[;&|]\s*)` + regexp.QuoteMeta(taskCmd) +
		`\s+(?:` + strings.Join(trackerOps, "|") + `)\b`
	return &Handler{
		dir:     dir,
		timeout: timeout,
		log:     log,
		opRe:    regexp.MustCompile(pattern),
	}
}

// Enabled reports whether a data repository is configured.
func (h *Handler) Enabled() bool { return h.dir != "" }

// Wants reports whether a finished tool call modified tracker state and
// the data repository should sync.
func (h *Handler) Wants(ev *hook.Context) bool {
	if !h.Enabled() || ev == nil || ev.Event != hook.PostToolUse {
		return false
	}
	if hook.Classify(ev.ToolName) != hook.CategoryExec {
		return false
	}
	cmdline, _ := ev.ToolInput["command"].(string)
	return h.opRe.MatchString(cmdline)
}

// Sync fetches, rebases, commits, and pushes the repository at dir. On
// main or master only the configured data repository may sync; any other
// repo is skipped to avoid pushing to a protected branch. The returned
// note is empty on clean success and otherwise describes what degraded.
func (h *Handler) Sync(ctx context.Context, dir string) string {
	cctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	branch, err := h.git(cctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return h.warn(dir, "auto-commit skipped", err)
	}
	if (branch == "main" || branch == "master") && dir != h.dir {
		return fmt.Sprintf("auto-commit skipped: %s is on %s", dir, branch)
	}

	var notes []string

	canPush := false
	if _, err := h.git(cctx, dir, "fetch", "--quiet"); err != nil {
		notes = append(notes, h.warn(dir, "auto-commit fetch failed, committing locally", err))
	} else if _, err := h.git(cctx, dir, "rev-parse", "--abbrev-ref", "@{upstream}"); err != nil {
		notes = append(notes, fmt.Sprintf("auto-commit: %s has no upstream, committing locally", branch))
	} else {
		canPush = true
		if _, err := h.git(cctx, dir, "rebase", "--autostash", "@{upstream}"); err != nil {
			_, _ = h.git(cctx, dir, "rebase", "--abort")
			return h.warn(dir, "auto-commit sync conflict, rebase aborted", err)
		}
	}

	status, err := h.git(cctx, dir, "status", "--porcelain")
	if err != nil {
		return h.warn(dir, "auto-commit status failed", err)
	}
	if status != "" {
		if _, err := h.git(cctx, dir, "add", "-A"); err != nil {
			return h.warn(dir, "auto-commit add failed", err)
		}
		msg := "task data sync " + time.Now().UTC().Format("2006-01-02 15:04:05")
		if _, err := h.git(cctx, dir, "commit", "-m", msg); err != nil {
			return h.warn(dir, "auto-commit commit failed", err)
		}
	}

	if canPush {
		if _, err := h.git(cctx, dir, "push", "--quiet"); err != nil {
			notes = append(notes, h.warn(dir, "auto-commit push failed", err))
		}
	}

	return strings.Join(notes, "; ")
}

// SyncData syncs the configured data repository.
func (h *Handler) SyncData(ctx context.Context) string {
	if !h.Enabled() {
		return ""
	}
	return h.Sync(ctx, h.dir)
}

func (h *Handler) warn(dir, msg string, err error) string {
	h.log.Warn(msg, zap.String("dir", dir), zap.Error(err))
	return fmt.Sprintf("%s: %v", msg, err)
}

func (h *Handler) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && len(exitErr.Stderr) > 0 {
			return "", fmt.Errorf("git %s: %s", args[0], strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	return strings.TrimSpace(string(out)), nil
}
