package store

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel error classes. Orchestration treats them differently: schema
// and connectivity failures abort a recompute pass before any write,
// while ErrNotFound is a caller mistake reported as-is.
var (
	// ErrSchema marks a required table or column missing from the store.
	ErrSchema = errors.New("store: schema mismatch")
	// ErrConnectivity marks the store as unreachable or unopenable.
	ErrConnectivity = errors.New("store: connectivity")
	// ErrNotFound marks a lookup for an entity that does not exist.
	ErrNotFound = errors.New("store: not found")
)

// classify wraps driver errors with the matching sentinel so callers can
// branch with errors.Is instead of string matching at every call site.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "no such table"), strings.Contains(msg, "no such column"):
		return fmt.Errorf("%w: %v", ErrSchema, err)
	case strings.Contains(msg, "unable to open database"), strings.Contains(msg, "out of memory"):
		return fmt.Errorf("%w: %v", ErrConnectivity, err)
	default:
		return err
	}
}
