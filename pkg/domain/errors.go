package domain

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Every failure reported by the stores, the assembler
// and the ordering engine matches one of these via errors.Is.
var (
	ErrNotFound               = errors.New("not found")
	ErrParentNotFound         = errors.New("parent not found")
	ErrInvalidReorderSet      = errors.New("invalid reorder set")
	ErrCycleDetected          = errors.New("cycle detected")
	ErrBrokenChain            = errors.New("broken sibling chain")
	ErrDanglingReference      = errors.New("dangling reference")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrInvalidPosition        = errors.New("invalid position")
	ErrStructuralChange       = errors.New("structural change not allowed")
	ErrTreeTooLarge           = errors.New("tree exceeds traversal limit")
	ErrUnsupportedFormat      = errors.New("unsupported delivery format")
	ErrAlreadyExists          = errors.New("already exists")
	// ErrCorruptStructure marks failures caused by stored rows rather than
	// by the request, such as a parent loop found while walking.
	ErrCorruptStructure = errors.New("corrupt stored structure")
)

// Error carries the failing identifier alongside its kind.
type Error struct {
	Kind   error
	Entity EntityType
	ID     string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Entity != "" || e.ID != "" {
		msg = fmt.Sprintf("%s %s: %s", e.Entity, e.ID, msg)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is matches the sentinel kind.
func (e *Error) Is(target error) bool { return target == e.Kind }

// Unwrap exposes the underlying driver error, if any.
func (e *Error) Unwrap() error { return e.Err }

// NodeError builds an *Error about a node.
func NodeError(kind error, id string, format string, args ...any) error {
	return &Error{Kind: kind, Entity: EntityNode, ID: id, Detail: fmt.Sprintf(format, args...)}
}

// StoredCycle reports a loop found in persisted parent or child links. It
// matches both ErrCycleDetected and ErrCorruptStructure.
func StoredCycle(id string, format string, args ...any) error {
	return &Error{Kind: ErrCycleDetected, Entity: EntityNode, ID: id, Detail: fmt.Sprintf(format, args...), Err: ErrCorruptStructure}
}

// NodeNotFound reports a node identifier that does not resolve.
func NodeNotFound(id string) error {
	return &Error{Kind: ErrNotFound, Entity: EntityNode, ID: id}
}

// FieldNotFound reports a field value identifier that does not resolve.
func FieldNotFound(id string) error {
	return &Error{Kind: ErrNotFound, Entity: EntityField, ID: id}
}

// Conflict wraps a driver level serialization or lock timeout failure.
func Conflict(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrConcurrentModification) {
		return err
	}
	return &Error{Kind: ErrConcurrentModification, Err: err}
}

// IsInvariantViolation reports whether err signals corrupt stored structure
// rather than a rejected request.
func IsInvariantViolation(err error) bool {
	return errors.Is(err, ErrBrokenChain) || errors.Is(err, ErrDanglingReference) || errors.Is(err, ErrCorruptStructure)
}
