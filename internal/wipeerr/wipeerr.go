// Package wipeerr classifies sanitization failures so that callers can decide
// between abort, local recovery and out-of-band follow-up.
package wipeerr

import (
	cerr "github.com/cockroachdb/errors"
)

// Kind is the failure class of an error.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation - bad input, caught before any device access
	KindValidation
	// KindPrivilege - missing elevation, recoverable by re-authorizing
	KindPrivilege
	// KindUnsupported - device/method mismatch, expected
	KindUnsupported
	// KindExecution - provider call ran and failed
	KindExecution
	// KindEvidence - post-success issuance failure, the wipe is never retried
	KindEvidence
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindPrivilege:
		return "privilege"
	case KindUnsupported:
		return "unsupported"
	case KindExecution:
		return "execution"
	case KindEvidence:
		return "evidence"
	default:
		return "unknown"
	}
}

// Reference errors used as marks. Test with errors.Is.
var (
	ErrValidation  = cerr.New("validation error")
	ErrPrivilege   = cerr.New("privilege error")
	ErrUnsupported = cerr.New("unsupported error")
	ErrExecution   = cerr.New("execution error")
	ErrEvidence    = cerr.New("evidence error")
)

func reference(k Kind) error {
	switch k {
	case KindValidation:
		return ErrValidation
	case KindPrivilege:
		return ErrPrivilege
	case KindUnsupported:
		return ErrUnsupported
	case KindExecution:
		return ErrExecution
	case KindEvidence:
		return ErrEvidence
	default:
		return nil
	}
}

// New creates an error of the given kind with optional remediation hints.
func New(k Kind, msg string, hints ...string) error {
	return decorate(k, cerr.NewWithDepth(1, msg), hints)
}

// Newf is New with formatting.
func Newf(k Kind, format string, args ...interface{}) error {
	return decorate(k, cerr.NewWithDepthf(1, format, args...), nil)
}

// Wrap marks err with the given kind and prefixes msg. Returns nil for nil.
func Wrap(k Kind, err error, msg string, hints ...string) error {
	if err == nil {
		return nil
	}
	return decorate(k, cerr.WrapWithDepth(1, err, msg), hints)
}

func decorate(k Kind, err error, hints []string) error {
	if ref := reference(k); ref != nil {
		err = cerr.Mark(err, ref)
	}
	for _, h := range hints {
		err = cerr.WithHint(err, h)
	}
	return err
}

// KindOf returns the first kind err is marked with.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	for _, k := range []Kind{KindValidation, KindPrivilege, KindUnsupported, KindExecution, KindEvidence} {
		if cerr.Is(err, reference(k)) {
			return k
		}
	}
	return KindUnknown
}

func IsValidation(err error) bool  { return cerr.Is(err, ErrValidation) }
func IsPrivilege(err error) bool   { return cerr.Is(err, ErrPrivilege) }
func IsUnsupported(err error) bool { return cerr.Is(err, ErrUnsupported) }
func IsExecution(err error) bool   { return cerr.Is(err, ErrExecution) }
func IsEvidence(err error) bool    { return cerr.Is(err, ErrEvidence) }

// Hints returns the remediation hints attached anywhere in the chain.
func Hints(err error) []string {
	if err == nil {
		return nil
	}
	return cerr.GetAllHints(err)
}
