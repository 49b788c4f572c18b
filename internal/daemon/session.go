package daemon

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// session is one PTY-recording wrapper: output is copied to a log file
// (the TUI polls that file into a ring buffer for display, §4.8
// "Process model"), input is written straight to the PTY's stdin.
type session struct {
	key     string
	cmd     *exec.Cmd
	pty     *os.File
	logFile *os.File

	mu       sync.Mutex
	running  bool
	exitCode *int
}

func startSession(key, command, cwd, logPath string) (*session, error) {
	c := exec.Command("sh", "-c", command)
	if cwd != "" {
		c.Dir = cwd
	}
	// Parent-death signal cascade: if the daemon itself dies, its
	// children receive SIGHUP rather than being orphaned (§4.8).
	c.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGHUP}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	ptmx, err := pty.Start(c)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("start pty: %w", err)
	}

	s := &session{key: key, cmd: c, pty: ptmx, logFile: logFile, running: true}

	go func() {
		_, _ = io.Copy(logFile, ptmx)
	}()
	go s.waitForExit()

	return s, nil
}

func (s *session) waitForExit() {
	err := s.cmd.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	s.exitCode = &code
}

func (s *session) send(input string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return fmt.Errorf("session %s is not running", s.key)
	}
	_, err := s.pty.WriteString(input)
	return err
}

func (s *session) kill(force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.cmd.Process == nil {
		return nil
	}
	if force {
		return s.cmd.Process.Kill()
	}
	return s.cmd.Process.Signal(syscall.SIGTERM)
}

func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.pty.Close()
	_ = s.logFile.Close()
}

func (s *session) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := SessionInfo{Key: s.key}
	if s.cmd.Process != nil {
		info.Pid = s.cmd.Process.Pid
	}
	if s.running {
		info.Status = "running"
	} else {
		info.Status = "exited"
		info.ExitCode = s.exitCode
	}
	return info
}
