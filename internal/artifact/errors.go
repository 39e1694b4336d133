package artifact

import "fmt"

// SourceError reports a source that cannot be packaged: it vanished, has the
// wrong type for the requested kind, or no longer resolves inside the allowed roots.
type SourceError struct {
	Path   string // Path as handed to Produce
	Reason string // Short machine-friendly reason
	Err    error  // Underlying error, if any
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("cannot package %q: %s", e.Path, e.Reason)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// ProductionError represents an I/O failure while writing the artifact.
type ProductionError struct {
	Stage string // create, write, sync, close or rename
	Err   error  // Underlying error
}

func (e *ProductionError) Error() string {
	return fmt.Sprintf("artifact %s failed: %v", e.Stage, e.Err)
}

func (e *ProductionError) Unwrap() error {
	return e.Err
}
