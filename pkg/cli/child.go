package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/spf13/cobra"
)

var errChildKilled = errors.New("command killed before it started")

// supervisedChild runs one command in its own process group. kill is synchronous, so
// a caller about to exit the process knows the command is gone.
type supervisedChild struct {
	mu      sync.Mutex
	process *os.Process
	killed  bool
}

// run starts args with the command's standard streams, kills it when ctx ends and
// maps a non-zero exit status onto an ExitError.
func (s *supervisedChild) run(ctx context.Context, cmd *cobra.Command, args []string) error {
	child := exec.Command(args[0], args[1:]...)
	child.Stdin = cmd.InOrStdin()
	child.Stdout = cmd.OutOrStdout()
	child.Stderr = cmd.ErrOrStderr()
	configureProcessGroup(child)

	s.mu.Lock()
	if s.killed {
		s.mu.Unlock()
		return errChildKilled
	}
	if err := child.Start(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("run %q: %w", args[0], err)
	}
	s.process = child.Process
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, s.kill)
	defer stop()

	err := child.Wait()
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Code: exitErr.ExitCode()}
	}
	return fmt.Errorf("run %q: %w", args[0], err)
}

// kill ends the command and every process it spawned. A command that has not started
// yet never will.
func (s *supervisedChild) kill() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.killed {
		return
	}
	s.killed = true
	if s.process != nil {
		_ = killProcessGroup(s.process)
	}
}
