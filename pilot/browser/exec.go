package browser

import (
	"context"
	"fmt"
	"os/exec"
	"syscall"

	log "github.com/sirupsen/logrus"
)

// ExecLauncher starts one headless browser process per slot. Each slot
// gets its own profile directory and remote-debugging port, so sessions
// never share cookies or crash each other.
type ExecLauncher struct {
	Command string
	Args    []string

	// BasePort is the first remote-debugging port; slot N listens on
	// BasePort+N. Zero means 9222.
	BasePort int
}

// Launch implements Launcher.
func (l *ExecLauncher) Launch(ctx context.Context, slot int, profileDir string) (Session, error) {
	base := l.BasePort
	if base == 0 {
		base = 9222
	}
	port := base + slot

	args := make([]string, 0, len(l.Args)+3)
	args = append(args, l.Args...)
	args = append(args,
		"--headless=new",
		fmt.Sprintf("--remote-debugging-port=%d", port),
		"--user-data-dir="+profileDir,
	)

	cmd := exec.Command(l.Command, args...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start browser for slot %d: %w", slot, err)
	}

	s := &execSession{
		cmd:      cmd,
		debugURL: fmt.Sprintf("http://127.0.0.1:%d", port),
		done:     make(chan struct{}),
	}
	go func() {
		s.waitErr = cmd.Wait()
		close(s.done)
	}()
	log.WithFields(log.Fields{"slot": slot, "pid": cmd.Process.Pid, "port": port}).Info("browser process started")
	return s, nil
}

// execSession wraps one browser process.
type execSession struct {
	cmd      *exec.Cmd
	debugURL string
	done     chan struct{}
	waitErr  error
}

// DebugURL is the DevTools endpoint automation attaches to.
func (s *execSession) DebugURL() string { return s.debugURL }

// Disconnected reports whether the process has exited.
func (s *execSession) Disconnected() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Close asks the process to terminate and waits until it does or ctx
// expires.
func (s *execSession) Close(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	default:
	}
	if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return err
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kill terminates the process immediately.
func (s *execSession) Kill() error {
	select {
	case <-s.done:
		return nil
	default:
	}
	return s.cmd.Process.Kill()
}
