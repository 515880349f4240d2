package fmq

import (
	"errors"
	"fmt"
)

//go:generate go tool stringer -type=ErrorKind -trimprefix=Kind

// ErrorKind classifies queue failures
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindOpenFailed
	KindGeometryMismatch
	KindCorrupt
	KindIO
	KindLockTimeout
	KindWouldBlock
	KindMissedMessages
	KindClosed
	KindInvalidArgument
	KindDecode
)

// Error is the error type returned by every queue and device operation.
// Op names the failing operation and Path the queue prefix, when known.
type Error struct {
	Kind ErrorKind
	Op   string
	Path string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	s := "fmq: " + e.Op
	if e.Path != "" {
		s += " " + e.Path
	}
	s += ": " + e.Kind.String()
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrWouldBlock) works
// regardless of Op or Path.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Msg == "" && t.Err == nil
}

// Sentinels for errors.Is
var (
	ErrOpenFailed       = &Error{Kind: KindOpenFailed}
	ErrGeometryMismatch = &Error{Kind: KindGeometryMismatch}
	ErrCorrupt          = &Error{Kind: KindCorrupt}
	ErrIO               = &Error{Kind: KindIO}
	ErrLockTimeout      = &Error{Kind: KindLockTimeout}
	ErrWouldBlock       = &Error{Kind: KindWouldBlock}
	ErrMissedMessages   = &Error{Kind: KindMissedMessages}
	ErrClosed           = &Error{Kind: KindClosed}
	ErrInvalidArgument  = &Error{Kind: KindInvalidArgument}
	ErrDecode           = &Error{Kind: KindDecode}
)

// MissedMessagesError reports that a cursor fell behind eviction. Ids From..To
// (inclusive) were lost. The cursor has already been resynchronized, so the
// next read returns id To+1.
type MissedMessagesError struct {
	From uint64
	To   uint64
}

func (e *MissedMessagesError) Error() string {
	return fmt.Sprintf("fmq: missed messages %d..%d", e.From, e.To)
}

func (e *MissedMessagesError) Is(target error) bool {
	return target == ErrMissedMessages
}

// Count returns how many messages were lost
func (e *MissedMessagesError) Count() uint64 {
	return e.To - e.From + 1
}

func newError(kind ErrorKind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

func errorf(kind ErrorKind, op, path, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the ErrorKind of err, or KindUnknown
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var m *MissedMessagesError
	if errors.As(err, &m) {
		return KindMissedMessages
	}
	return KindUnknown
}

// IsFatal reports whether err means the queue must not be used any further
// by this handle. Geometry and corruption failures are fatal at attach time.
// A payload the Subscriber cannot decode is KindDecode, which only affects
// that one message.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case KindGeometryMismatch, KindCorrupt, KindClosed:
		return true
	}
	return false
}
