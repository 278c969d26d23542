package cache

import "fmt"

// ErrIO is returned when a filesystem operation on the cache or a staging
// directory fails (disk full, permission denied, and the like).
type ErrIO struct {
	Op   string
	Path string
	Err  error
}

func (e *ErrIO) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *ErrIO) Unwrap() error {
	return e.Err
}

// ErrAlreadyExists is returned in strict mode when the final path is
// occupied by a directory that was not committed by this cache.
type ErrAlreadyExists struct {
	Path string
}

func (e *ErrAlreadyExists) Error() string {
	return fmt.Sprintf("%s already exists and was not staged by headerfetch", e.Path)
}
