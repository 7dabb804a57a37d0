package snapshot

import (
	"errors"
	"fmt"
)

var (
	// ErrHandleReleased is returned when a released handle is used.
	ErrHandleReleased = errors.New("snapshot: handle already released")
	// ErrHandleConsumed is returned when a handle is pushed a second time.
	ErrHandleConsumed = errors.New("snapshot: handle already pushed")
	// ErrContextClosed is returned by a Context after Close.
	ErrContextClosed = errors.New("snapshot: context closed")
	// ErrBadPolicy is returned for out-of-range policy values.
	ErrBadPolicy = errors.New("snapshot: invalid policy")
)

// ---------------------------------------------------------------------------
// Typed errors
// ---------------------------------------------------------------------------

// CloneError reports a deep-copy failure while taking a snapshot.
type CloneError struct {
	What string
	Err  error
}

func (e *CloneError) Error() string { return fmt.Sprintf("snapshot: clone %s: %v", e.What, e.Err) }
func (e *CloneError) Unwrap() error { return e.Err }

// AllocationError reports that frame backing memory could not be allocated.
type AllocationError struct {
	Code string
	Err  error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("snapshot: allocate frame for %s: %v", e.Code, e.Err)
}
func (e *AllocationError) Unwrap() error { return e.Err }

// EncodeError reports a codec failure on one part of a frame.
type EncodeError struct {
	What string
	Err  error
}

func (e *EncodeError) Error() string { return fmt.Sprintf("snapshot: encode %s: %v", e.What, e.Err) }
func (e *EncodeError) Unwrap() error { return e.Err }

// DecodeError reports a malformed buffer or a codec failure while decoding.
type DecodeError struct {
	What string
	Err  error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("snapshot: decode %s: %v", e.What, e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }

// MissingCachedIdentityError is returned when a buffer written without
// immutables names a code unit the identity cache has never seen.
type MissingCachedIdentityError struct {
	Name string
}

func (e *MissingCachedIdentityError) Error() string {
	return fmt.Sprintf("snapshot: no cached identity for code %q", e.Name)
}

// ModuleReconstructionError reports a failure capturing or rebuilding the
// defining module from source.
type ModuleReconstructionError struct {
	Module string
	Err    error
}

func (e *ModuleReconstructionError) Error() string {
	return fmt.Sprintf("snapshot: module %s: %v", e.Module, e.Err)
}
func (e *ModuleReconstructionError) Unwrap() error { return e.Err }

// InvalidLocalReplacementError is returned when local replacements are not
// a map or name a slot the frame does not have.
type InvalidLocalReplacementError struct {
	Key    string
	Reason string
}

func (e *InvalidLocalReplacementError) Error() string {
	if e.Key == "" {
		return "snapshot: invalid local replacements: " + e.Reason
	}
	return fmt.Sprintf("snapshot: invalid local replacement %q: %s", e.Key, e.Reason)
}

func decodeErr(what string, err error) error { return &DecodeError{What: what, Err: err} }

func decodeErrf(what, format string, args ...any) error {
	return &DecodeError{What: what, Err: fmt.Errorf(format, args...)}
}
