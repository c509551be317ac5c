package ninja_go

import (
	"errors"
	"fmt"
	"strings"
)

// GraphError is implemented by every error that makes the loaded graph
// unusable. These are reported before anything runs.
type GraphError interface {
	error
	graphError()
}

// InvalidPathError is returned by CanonicalizePath.
type InvalidPathError struct {
	Path   string
	Reason string
}

func (e *InvalidPathError) Error() string {
	if e.Path == "" {
		return e.Reason
	}
	return fmt.Sprintf("invalid path '%s': %s", e.Path, e.Reason)
}

// DuplicateOutputError means two edges claim to produce the same node.
type DuplicateOutputError struct {
	Path string
}

func (e *DuplicateOutputError) Error() string {
	return fmt.Sprintf("multiple rules generate %s", e.Path)
}

func (*DuplicateOutputError) graphError() {}

// CycleError carries the full cycle, starting and ending on the same node.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Path, " -> ")
}

func (*CycleError) graphError() {}

// MissingInputError is a path named by a default statement or a requested
// target that no build statement declares.
type MissingInputError struct {
	Path       string
	Suggestion string
}

func (e *MissingInputError) Error() string {
	if e.Suggestion == "" {
		return fmt.Sprintf("unknown target '%s'", e.Path)
	}
	return fmt.Sprintf("unknown target '%s', did you mean '%s'?", e.Path, e.Suggestion)
}

func (*MissingInputError) graphError() {}

// MissingSourceError is a source file (no producing edge) absent from disk.
// It fails the target that needs it; other targets still build.
type MissingSourceError struct {
	Path      string
	Dependent string
}

func (e *MissingSourceError) Error() string {
	if e.Dependent == "" {
		return fmt.Sprintf("'%s' missing and no known rule to make it", e.Path)
	}
	return fmt.Sprintf("'%s', needed by '%s', missing and no known rule to make it", e.Path, e.Dependent)
}

// LogVersionError is a persisted log written in a format we can't read.
type LogVersionError struct {
	Path    string
	Version uint32
	Want    uint32
}

func (e *LogVersionError) Error() string {
	return fmt.Sprintf("%s: log version %d is incompatible with version %d; delete it and perform a full rebuild",
		e.Path, e.Version, e.Want)
}

// LogCorruptionWarning is returned alongside a successful load when a
// damaged tail was truncated away.
type LogCorruptionWarning struct {
	Path   string
	Offset int64
	Cause  string
}

func (e *LogCorruptionWarning) Error() string {
	return fmt.Sprintf("%s: %s; recovering", e.Path, e.Cause)
}

// CompactionWarning is returned by OpenForWrite when rewriting a log failed.
// The log is still open for appending to the uncompacted file.
type CompactionWarning struct {
	Path string
	Err  error
}

func (e *CompactionWarning) Error() string {
	return fmt.Sprintf("failed recompaction of %s: %v", e.Path, e.Err)
}

func (e *CompactionWarning) Unwrap() error { return e.Err }

// CommandFailure describes one edge whose command exited unsuccessfully.
type CommandFailure struct {
	Outputs []string
	Command string
	Output  string
	Status  ExitStatus
}

func (e *CommandFailure) Error() string {
	return fmt.Sprintf("%s: command failed with %s: %s", strings.Join(e.Outputs, " "), e.Status, e.Command)
}

var ErrInterrupted = errors.New("interrupted by user")

// InterruptedError is the terminal error of a cancelled build.
type InterruptedError struct {
	Running int
}

func (e *InterruptedError) Error() string {
	return ErrInterrupted.Error()
}

func (e *InterruptedError) Unwrap() error { return ErrInterrupted }

// IsGraphError reports whether err (or something it wraps) is a GraphError.
func IsGraphError(err error) bool {
	var ge GraphError
	return errors.As(err, &ge)
}
