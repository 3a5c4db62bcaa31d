//go:build !windows

package session

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

// unixPTY wraps a Unix pseudo-terminal master file descriptor running a
// login-style shell, the Unix analogue of a tmux pane.
type unixPTY struct {
	f   *os.File
	cmd *exec.Cmd
}

func (p *unixPTY) Read(b []byte) (int, error)  { return p.f.Read(b) }
func (p *unixPTY) Write(b []byte) (int, error) { return p.f.Write(b) }
func (p *unixPTY) Close() error                { return p.f.Close() }

func startShell(workingDir string, env map[string]string) (ptyHandle, error) {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.Command(shell)
	cmd.Dir = workingDir
	cmd.Env = mergedEnv(env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: 120, Rows: 40})
	if err != nil {
		return nil, err
	}
	return &unixPTY{f: f, cmd: cmd}, nil
}

// signalProcess delivers sig to the shell's process group, the Unix
// implementation of Manager.SendSignal.
func signalProcess(p ptyHandle, sig Signal) error {
	u, ok := p.(*unixPTY)
	if !ok || u.cmd == nil || u.cmd.Process == nil {
		return nil
	}
	var native syscall.Signal
	switch sig {
	case SignalStop:
		native = syscall.SIGSTOP
	case SignalContinue:
		native = syscall.SIGCONT
	case SignalTerminate:
		native = syscall.SIGTERM
	case SignalKill:
		native = syscall.SIGKILL
	default:
		return nil
	}
	// Negative pid targets the whole process group created by Setsid above.
	return syscall.Kill(-u.cmd.Process.Pid, native)
}

func processAlive(p ptyHandle) bool {
	u, ok := p.(*unixPTY)
	if !ok || u.cmd == nil || u.cmd.Process == nil {
		return false
	}
	return u.cmd.Process.Signal(syscall.Signal(0)) == nil
}
