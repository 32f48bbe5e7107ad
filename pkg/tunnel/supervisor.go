package tunnel

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// ProcessSupervisor abstracts the OS-level process and socket operations the
// tunnel layer needs, so session and monitor logic can be tested without
// real subprocesses.
type ProcessSupervisor interface {
	// Start launches a long-running background process and returns its pid.
	Start(name string, args ...string) (int, error)
	// Run executes a short-lived command and waits for it, bounded by ctx.
	Run(ctx context.Context, name string, args ...string) error
	// IsListening reports whether something accepts TCP connections on the
	// local port.
	IsListening(port int) bool
	// Kill terminates the process with the given pid.
	Kill(pid int) error
	// KillPort terminates whatever process is bound to the local TCP port.
	KillPort(port int) error
}

// ExecSupervisor is the real implementation backed by os/exec and TCP dials.
type ExecSupervisor struct {
	log         zerolog.Logger
	dialTimeout time.Duration
}

func NewExecSupervisor(logger zerolog.Logger) *ExecSupervisor {
	return &ExecSupervisor{
		log:         logger.With().Str("component", "supervisor").Logger(),
		dialTimeout: 2 * time.Second,
	}
}

func (s *ExecSupervisor) Start(name string, args ...string) (int, error) {
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", name, err)
	}
	pid := cmd.Process.Pid
	// Reap the child when it exits so dead forwards do not pile up as
	// zombies under the controller.
	go func() {
		err := cmd.Wait()
		s.log.Debug().Int("pid", pid).Str("cmd", name).Err(err).Msg("background process exited")
	}()
	return pid, nil
}

func (s *ExecSupervisor) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s: %w (%s)", name, err, string(out))
	}
	return nil
}

func (s *ExecSupervisor) IsListening(port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), s.dialTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func (s *ExecSupervisor) Kill(pid int) error {
	if pid <= 0 {
		return nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return proc.Kill()
}

// KillPort shells out to fuser, which knows how to map a bound socket back
// to its owning process.
func (s *ExecSupervisor) KillPort(port int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "fuser", "-k", "-n", "tcp", strconv.Itoa(port))
	// fuser exits non-zero when nothing is bound; that is not a failure.
	if err := cmd.Run(); err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}
