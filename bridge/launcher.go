package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/c360/gantrybridge/errors"
)

// Launcher starts a simulation engine that dials back to the engine listener.
type Launcher interface {
	Launch(ctx context.Context, replication, port int) error
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, replication, port int) error

func (f LauncherFunc) Launch(ctx context.Context, replication, port int) error {
	return f(ctx, replication, port)
}

// NoopLauncher expects the engine to be started by someone else.
type NoopLauncher struct {
	Logger *slog.Logger
}

// Launch only logs.
func (l NoopLauncher) Launch(_ context.Context, replication, port int) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("Waiting for an externally started engine", "replication", replication, "port", port)
	return nil
}

// ExecLauncher runs Command as a child process. The placeholders
// {replication} and {port} are substituted in every argument.
type ExecLauncher struct {
	Command []string
	Dir     string
	Logger  *slog.Logger
}

// Launch starts the process and returns without waiting for it. The process
// is not tied to ctx; it ends when the simulation does.
func (l *ExecLauncher) Launch(ctx context.Context, replication, port int) error {
	if len(l.Command) == 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: empty launcher command", errors.ErrMissingConfig),
			"ExecLauncher", "Launch", "command check")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	args := expand(l.Command, replication, port)
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = l.Dir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return errors.WrapFatal(err, "ExecLauncher", "Launch", "start "+args[0])
	}
	logger.Info("Engine process started", "pid", cmd.Process.Pid, "args", args)

	go func() {
		err := cmd.Wait()
		logger.Info("Engine process exited", "pid", cmd.Process.Pid, "error", err)
	}()
	return nil
}

func expand(command []string, replication, port int) []string {
	r := strings.NewReplacer("{replication}", strconv.Itoa(replication), "{port}", strconv.Itoa(port))
	out := make([]string, len(command))
	for i, arg := range command {
		out[i] = r.Replace(arg)
	}
	return out
}
