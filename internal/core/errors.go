package core

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies why a deploy ended in FAILED. Every kind is terminal;
// nothing is retried.
type ErrorKind uint8

const (
	KindNone ErrorKind = iota
	KindPullFailure
	KindStopFailure
	KindStartFailure
	KindHealthCheckTimeout
	KindInvalidReference
	KindCanceled
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return ""
	case KindPullFailure:
		return "PullFailure"
	case KindStopFailure:
		return "StopFailure"
	case KindStartFailure:
		return "StartFailure"
	case KindHealthCheckTimeout:
		return "HealthCheckTimeout"
	case KindInvalidReference:
		return "InvalidReference"
	case KindCanceled:
		return "Canceled"
	default:
		return "Unknown"
	}
}

func ParseErrorKind(raw string) (ErrorKind, bool) {
	raw = strings.TrimSpace(raw)
	for k := KindNone; k <= KindCanceled; k++ {
		if k.String() == raw {
			return k, true
		}
	}
	return 0, false
}

// DeployError is returned by every failed deploy.
type DeployError struct {
	Kind  ErrorKind
	Phase Phase
	Ref   string
	Err   error
}

func (e *DeployError) Error() string {
	return fmt.Sprintf("deploy %s: %s during %s: %v", e.Ref, e.Kind, e.Phase, e.Err)
}

func (e *DeployError) Unwrap() error { return e.Err }

// KindOf returns the ErrorKind carried by err, or KindNone.
func KindOf(err error) ErrorKind {
	var de *DeployError
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindNone
}

// ErrNoRollbackTarget means history holds no earlier successful deploy.
var ErrNoRollbackTarget = errors.New("no previous successful deployment to roll back to")
