package models

import (
	"errors"
	"fmt"
)

var (
	ErrAuthentication = errors.New("authentication failed")
	ErrEmptyQuery     = errors.New("empty query")
	ErrTooManyResults = errors.New("too many results")
)

type ErrorKind int

const (
	Recoverable ErrorKind = iota
	Fatal
)

func (k ErrorKind) String() string {
	if k == Fatal {
		return "fatal"
	}
	return "recoverable"
}

// MatchError tells the batch driver whether to abort the run or skip the
// failing step.
type MatchError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *MatchError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *MatchError) Unwrap() error { return e.Err }

func NewFatal(op string, err error) *MatchError {
	return &MatchError{Kind: Fatal, Op: op, Err: err}
}

func NewRecoverable(op string, err error) *MatchError {
	return &MatchError{Kind: Recoverable, Op: op, Err: err}
}

// IsFatal reports whether err must abort the remaining batch.
func IsFatal(err error) bool {
	var me *MatchError
	if errors.As(err, &me) {
		return me.Kind == Fatal
	}
	return errors.Is(err, ErrAuthentication)
}
