package worker

import "fmt"

// SubprocessError reports a load- or save-utility invocation that
// failed, carrying its captured stderr for diagnostics.
type SubprocessError struct {
	Name   string
	Args   []string
	Stderr string
	Err    error
}

func (e *SubprocessError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("worker: %s %v: %v: %s", e.Name, e.Args, e.Err, e.Stderr)
	}
	return fmt.Sprintf("worker: %s %v: %v", e.Name, e.Args, e.Err)
}

func (e *SubprocessError) Unwrap() error { return e.Err }
