//go:build unix

package dnc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/arloliu/go-dnc/logger"
	"github.com/arloliu/go-dnc/transfer"
)

const stderrTail = 4096

// ProcessRunner runs each transfer in a dnc-sender child process placed in
// its own process group, decoding its JSON progress output. Cancellation
// sends SIGTERM to the group and SIGKILL once Grace elapsed.
//
// The manager holds the port lease, so the child runs with --skip-lock.
type ProcessRunner struct {
	// Executable is the dnc-sender binary.
	Executable string
	// Args are passed before the transfer arguments.
	Args []string
	// Env is the child environment; nil inherits the parent's.
	Env []string
	// Grace defaults to DefaultGracePeriod.
	Grace  time.Duration
	Logger logger.Logger
}

// Run implements Runner.
func (r *ProcessRunner) Run(ctx context.Context, job *Job) error {
	grace := r.Grace
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	log := r.Logger
	if log == nil {
		log = logger.GetLogger()
	}
	log = log.With("transfer_id", job.ID)

	args := append(append([]string(nil), r.Args...), job.Request.SenderArgs(job.ProgramPath)...)
	args = append(args, "--progress", "json", "--skip-lock")

	exited := make(chan struct{})

	cmd := exec.CommandContext(ctx, r.Executable, args...)
	cmd.Env = r.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = grace
	cmd.Cancel = func() error {
		pgid := -cmd.Process.Pid
		if err := unix.Kill(pgid, unix.SIGTERM); err != nil {
			return unix.Kill(pgid, unix.SIGKILL)
		}

		go func() {
			timer := time.NewTimer(grace)
			defer timer.Stop()

			select {
			case <-exited:
			case <-timer.C:
				log.Warn("dnc: sender ignored SIGTERM, killing process group", "pid", -pgid)
				_ = unix.Kill(pgid, unix.SIGKILL)
			}
		}()

		return nil
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr := &tailBuffer{limit: stderrTail}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("dnc: start sender: %w", err)
	}
	log.Info("dnc: sender started", "pid", cmd.Process.Pid)

	final := decodeProgress(stdout, job, log)

	waitErr := cmd.Wait()
	close(exited)

	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", transfer.ErrCanceled, context.Cause(ctx))
	}

	if waitErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if final != nil && final.Error != "" {
			msg = final.Error
		}

		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return fmt.Errorf("dnc: sender exited with code %d: %s", exitErr.ExitCode(), msg)
		}

		return fmt.Errorf("dnc: sender: %w", waitErr)
	}

	if final == nil || final.State != transfer.Completed {
		return errors.New("dnc: sender exited without completing")
	}

	return nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}

	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.buf.String()
}
