package sandbox

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Process is a started worker
type Process interface {
	Kill() error
	Wait() error
}

// Launcher starts worker processes. It returns the worker's stdin and stdout.
type Launcher interface {
	Launch(command, env []string, stderr io.Writer) (Process, io.WriteCloser, io.ReadCloser, error)
}

// ExecLauncher implements Launcher with os/exec
type ExecLauncher struct{}

// Launch starts command as a child process with exactly env as its environment
func (ExecLauncher) Launch(command, env []string, stderr io.Writer) (Process, io.WriteCloser, io.ReadCloser, error) {
	if len(command) < 1 {
		return nil, nil, nil, errors.New("no worker command provided")
	}

	cmd := exec.Command(command[0], command[1:]...) //nolint:gosec // Command comes from configuration
	cmd.Env = env
	if cmd.Env == nil {
		cmd.Env = []string{}
	}
	cmd.Stderr = stderr
	configureWorker(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to start worker: %w", err)
	}
	return execProcess{cmd: cmd}, stdin, stdout, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p execProcess) Kill() error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (p execProcess) Wait() error {
	return p.cmd.Wait()
}

// defaultWorkerCommand re-executes the running binary as a worker
func defaultWorkerCommand() ([]string, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve executable: %w", err)
	}
	return []string{exe, "worker"}, nil
}
