// Package docker runs the signing appliance's administrative binaries, either
// inside its container through the Docker Engine API or directly on the host.
package docker

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Result is the captured output of a completed command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Output returns stdout followed by stderr.
func (r *Result) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	return r.Stdout + r.Stderr
}

// ExitError is returned when a command ran but exited non-zero.
type ExitError struct {
	Command string
	Result  *Result
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with code %d: %s", e.Command, e.Result.ExitCode, strings.TrimSpace(e.Result.Output()))
}

// Runner executes argv vectors and places files where the appliance can read
// them. No argument is ever interpreted by a shell.
type Runner interface {
	// Exec runs argv and returns its output. A non-zero exit yields both the
	// result and an *ExitError.
	Exec(ctx context.Context, argv []string) (*Result, error)
	// WriteFile creates the parent directory of path if needed and writes data.
	WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error
}

func exitResult(argv []string, res *Result) (*Result, error) {
	if res.ExitCode != 0 {
		return res, &ExitError{Command: argv[0], Result: res}
	}
	return res, nil
}
