package cloud

import (
	"context"
	"errors"
	"net"
)

// Errors shared by every backend. Backends wrap these with %w so callers can
// use errors.Is regardless of the provider underneath.
var (
	ErrAuthRequired       = errors.New("cloud authorization required")
	ErrTransient          = errors.New("connection failed")
	ErrPermanent          = errors.New("cloud request rejected")
	ErrVerificationFailed = errors.New("upload verification failed")
	ErrNotFound           = errors.New("not found")
)

// ErrorKind is the coarse class of a cloud failure
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindAuth
	KindTransient
	KindVerification
	KindPermanent
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindAuth:
		return "auth"
	case KindTransient:
		return "transient"
	case KindVerification:
		return "verification"
	default:
		return "permanent"
	}
}

// Classify maps err to an ErrorKind. Unknown errors are permanent, except
// network and deadline errors which are worth retrying.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	switch {
	case errors.Is(err, ErrAuthRequired):
		return KindAuth
	case errors.Is(err, ErrTransient):
		return KindTransient
	case errors.Is(err, ErrVerificationFailed):
		return KindVerification
	case errors.Is(err, ErrPermanent), errors.Is(err, ErrNotFound):
		return KindPermanent
	case errors.Is(err, context.Canceled):
		return KindPermanent
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	return KindPermanent
}

// ClassifyStatus maps an HTTP status from a provider API to a sentinel
func ClassifyStatus(status int) error {
	switch {
	case status == 401:
		return ErrAuthRequired
	case status == 404:
		return ErrNotFound
	case status == 408, status == 429, status >= 500:
		return ErrTransient
	default:
		return ErrPermanent
	}
}
