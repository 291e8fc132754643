package localstate

import (
	"errors"
	"fmt"
)

var (
	// ErrLocalChanged means the path no longer holds the state a change
	// expects to replace.
	ErrLocalChanged = errors.New("local state changed")
	// ErrParentFailed marks paths skipped because an ancestor failed.
	ErrParentFailed = errors.New("parent failed")
)

// PathError is a failure confined to one path of a source tree.
type PathError struct {
	Op   string
	Path string
	Err  error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PathError) Unwrap() error {
	return e.Err
}
