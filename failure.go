package idmlock

import (
	"context"
	"fmt"
	"os/exec"

	"go-idmlock/idm"

	"golang.org/x/sys/unix"
)

// FailureHandler is run once a held lock's lease is lost because renewal
// could not reach a majority. It is expected to stop whatever the lock was
// protecting.
type FailureHandler interface {
	LeaseLost(ctx context.Context, id idm.LockID, host idm.HostID) error
}

// FailureHandlerFunc adapts a function to FailureHandler.
type FailureHandlerFunc func(ctx context.Context, id idm.LockID, host idm.HostID) error

func (f FailureHandlerFunc) LeaseLost(ctx context.Context, id idm.LockID, host idm.HostID) error {
	return f(ctx, id, host)
}

// KillPathHandler runs a program with fixed arguments followed by the lock id.
type KillPathHandler struct {
	Path string
	Args []string
}

func (h KillPathHandler) LeaseLost(ctx context.Context, id idm.LockID, _ idm.HostID) error {
	var args = append(append([]string(nil), h.Args...), id.String())
	if out, err := exec.CommandContext(ctx, h.Path, args...).CombinedOutput(); err != nil {
		return fmt.Errorf("failed to run kill path %s: %w: %s", h.Path, err, out)
	}
	return nil
}

// KillSignalHandler sends a signal to a process.
type KillSignalHandler struct {
	PID    int
	Signal unix.Signal
}

func (h KillSignalHandler) LeaseLost(context.Context, idm.LockID, idm.HostID) error {
	if err := unix.Kill(h.PID, h.Signal); err != nil {
		return fmt.Errorf("failed to signal pid %d: %w", h.PID, err)
	}
	return nil
}
