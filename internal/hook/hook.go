// Package hook implements the post-upload request hook: a fire-and-forget
// external command invocation. The hook's business logic is an external
// collaborator — this package only knows how to launch it and log its
// outcome, never what it does.
package hook

import (
	"context"
	"os/exec"
	"time"

	"github.com/fileport/filegate/internal/logging"
	"github.com/fileport/filegate/internal/metrics"
	"go.uber.org/zap"
)

// Invoker launches the configured request-hook command after a successful
// upload, bounded by a per-invocation timeout, and never blocks the HTTP
// response on its outcome.
type Invoker struct {
	Timeout time.Duration
}

// NewInvoker builds an Invoker with the given per-call timeout.
func NewInvoker(timeout time.Duration) *Invoker {
	return &Invoker{Timeout: timeout}
}

// Invoke runs command as "<command> <finalPath> <user> <apiUser> <group>",
// in the background, logging (but never propagating) failure.
func (inv *Invoker) Invoke(_ context.Context, command, finalPath, user, apiUser, group string) {
	go func() {
		timeout := inv.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		runCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		cmd := exec.CommandContext(runCtx, command, finalPath, user, apiUser, group)
		out, err := cmd.CombinedOutput()
		if err != nil {
			metrics.RequestHookFailures.WithLabelValues(command).Inc()
			logging.Error("request hook failed",
				logging.String("command", command),
				logging.String("path", finalPath),
				logging.Err(err),
				zap.ByteString("output", out),
			)
		}
	}()
}
