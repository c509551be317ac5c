package ninja_go

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

type ExitStatus int8

const (
	ExitSuccess ExitStatus = iota
	ExitFailure
	ExitInterrupted
)

func (s ExitStatus) String() string {
	switch s {
	case ExitSuccess:
		return "success"
	case ExitFailure:
		return "failure"
	case ExitInterrupted:
		return "interrupted"
	}
	return fmt.Sprintf("ExitStatus(%d)", int8(s))
}

// subprocessWaitDelay bounds how long a child that left its output pipe
// open (a daemonized grandchild, say) can keep Wait from returning.
const subprocessWaitDelay = 5 * time.Second

// / Subprocess wraps a single async subprocess.  Stdout and stderr are
// / captured into one buffer unless the subprocess owns the console.
type Subprocess struct {
	cmd        *exec.Cmd
	output     bytes.Buffer
	useConsole bool
	waitErr    error
}

func newSubprocess(command string, useConsole bool) *Subprocess {
	s := &Subprocess{cmd: shellCommand(command), useConsole: useConsole}
	s.cmd.WaitDelay = subprocessWaitDelay
	if useConsole {
		s.cmd.Stdin = os.Stdin
		s.cmd.Stdout = os.Stdout
		s.cmd.Stderr = os.Stderr
	} else {
		s.cmd.Stdout = &s.output
		s.cmd.Stderr = &s.output
		setProcessGroup(s.cmd)
	}
	return s
}

// Output is the combined stdout and stderr. Only valid once the
// subprocess has been returned by NextFinished.
func (s *Subprocess) Output() string { return s.output.String() }

// Finish maps the wait result onto an ExitStatus.
func (s *Subprocess) Finish() ExitStatus {
	if s.waitErr == nil {
		return ExitSuccess
	}
	var exitErr *exec.ExitError
	if errors.As(s.waitErr, &exitErr) {
		if interruptedBySignal(exitErr.ProcessState) {
			return ExitInterrupted
		}
		return ExitFailure
	}
	// Wait itself failed, e.g. the output pipe outlived WaitDelay.
	fmt.Fprintf(&s.output, "ninja: %v\n", s.waitErr)
	return ExitFailure
}

// / SubprocessSet runs a pool of subprocesses. Each child is reaped by its
// / own goroutine, which hands the finished Subprocess to the single
// / consumer through a channel.
type SubprocessSet struct {
	running  map[*Subprocess]struct{}
	finished chan *Subprocess
}

func NewSubprocessSet() *SubprocessSet {
	return &SubprocessSet{
		running:  map[*Subprocess]struct{}{},
		finished: make(chan *Subprocess),
	}
}

func (s *SubprocessSet) Add(command string, useConsole bool) (*Subprocess, error) {
	sub := newSubprocess(command, useConsole)
	if err := sub.cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %q: %w", command, err)
	}
	s.running[sub] = struct{}{}
	go func() {
		sub.waitErr = sub.cmd.Wait()
		s.finished <- sub
	}()
	return sub, nil
}

func (s *SubprocessSet) Running() int { return len(s.running) }

// NextFinished blocks until a subprocess exits or ctx is done.
func (s *SubprocessSet) NextFinished(ctx context.Context) (*Subprocess, error) {
	select {
	case sub := <-s.finished:
		delete(s.running, sub)
		return sub, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Clear interrupts every running subprocess and waits for all of them to
// exit, so no child outlives the build.
func (s *SubprocessSet) Clear() {
	for sub := range s.running {
		if !sub.useConsole {
			interruptProcess(sub.cmd)
		}
	}
	for len(s.running) > 0 {
		sub := <-s.finished
		delete(s.running, sub)
	}
}
