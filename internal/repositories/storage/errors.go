package storage

import "fmt"

// Error implements repositories.RepositoryError for object-store backed repositories.
type Error struct {
	op          string
	err         error
	notFound    bool
	unavailable bool
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %v", e.op, e.err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// IsNotFound reports whether no object was published at the path.
func (e *Error) IsNotFound() bool { return e != nil && e.notFound }

// IsConflict is always false; the repository is read-only.
func (e *Error) IsConflict() bool { return false }

// IsUnavailable reports whether the bucket could not be reached.
func (e *Error) IsUnavailable() bool { return e != nil && e.unavailable }
