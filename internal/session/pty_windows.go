//go:build windows

package session

import (
	"fmt"
	"os"

	"github.com/UserExistsError/conpty"
)

// windowsPTY wraps a Windows ConPTY-backed console session.
type windowsPTY struct {
	cpty *conpty.ConPty
}

func (p *windowsPTY) Read(b []byte) (int, error)  { return p.cpty.Read(b) }
func (p *windowsPTY) Write(b []byte) (int, error) { return p.cpty.Write(b) }
func (p *windowsPTY) Close() error                { return p.cpty.Close() }

func startShell(workingDir string, env map[string]string) (ptyHandle, error) {
	shell := os.Getenv("COMSPEC")
	if shell == "" {
		shell = "cmd.exe"
	}
	cpty, err := conpty.Start(shell, conpty.ConPtyWorkDir(workingDir), conpty.ConPtyEnv(mergedEnv(env)))
	if err != nil {
		return nil, fmt.Errorf("start conpty: %w", err)
	}
	return &windowsPTY{cpty: cpty}, nil
}

// signalProcess has no job-control equivalent on ConPTY: SignalTerminate and
// SignalKill close the ConPTY, while SignalStop and SignalContinue return nil
// without writing or sending anything, so pause/resume do not suspend the
// process on Windows.
func signalProcess(p ptyHandle, sig Signal) error {
	w, ok := p.(*windowsPTY)
	if !ok {
		return nil
	}
	switch sig {
	case SignalTerminate, SignalKill:
		return w.cpty.Close()
	default:
		return nil
	}
}

func processAlive(p ptyHandle) bool {
	w, ok := p.(*windowsPTY)
	if !ok {
		return false
	}
	pid, err := w.cpty.Pid()
	return err == nil && pid > 0
}
