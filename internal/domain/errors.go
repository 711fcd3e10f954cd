package domain

import (
	"errors"
	"fmt"
)

// Kind classifies an error independently of the component that produced it.
type Kind string

const (
	KindConfig         Kind = "config"
	KindAdmission      Kind = "admission"
	KindTransient      Kind = "transient-network"
	KindAuthFail       Kind = "auth-fail"
	KindArticleMissing Kind = "article-missing"
	KindDecode         Kind = "decode"
	KindStage          Kind = "stage"
	KindInternal       Kind = "internal"
	KindNotFound       Kind = "not-found"
	KindCancelled      Kind = "cancelled"
	KindForbidden      Kind = "forbidden"
	KindInvalid        Kind = "invalid"
)

// Codes refine a Kind.
const (
	CodeDiskFull      = "disk-full"
	CodeDuplicate     = "duplicate"
	CodeNoServers     = "no-servers-eligible"
	CodeShuttingDown  = "shutting-down"
	CodeBadFraming    = "badFraming"
	CodeSizeMismatch  = "sizeMismatch"
	CodeCRCMismatch   = "crcMismatch"
	CodeUnsupported   = "unsupported"
	CodeVerification  = "verification"
	CodeExtraction    = "extraction"
	CodeRename        = "rename"
	CodeMove          = "move"
	CodeStageTimeout  = "stage-timeout"
	CodeNoParity      = "no-parity"
	CodeIncomplete    = "incomplete"
	CodeAssignment    = "duplicate-assignment"
	CodeStateMismatch = "state-mismatch"
)

// Error is the typed error surfaced by the control plane and attached to jobs.
type Error struct {
	Kind Kind
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	code := string(e.Kind)
	if e.Code != "" {
		code += "/" + e.Code
	}
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", code, e.Msg, e.Err)
	case e.Msg != "":
		return code + ": " + e.Msg
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", code, e.Err)
	}
	return code
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by Kind and, when set on the target, Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// Errorf builds an *Error with a formatted message.
func Errorf(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and code to err.
func Wrap(kind Kind, code string, err error) *Error {
	return &Error{Kind: kind, Code: code, Err: err}
}

// KindOf returns the Kind of err, or KindInternal when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the Code of err, if any.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Sentinels for errors.Is comparisons.
var (
	ErrDiskFull     = &Error{Kind: KindAdmission, Code: CodeDiskFull}
	ErrDuplicate    = &Error{Kind: KindAdmission, Code: CodeDuplicate}
	ErrNoServers    = &Error{Kind: KindAdmission, Code: CodeNoServers}
	ErrShutdown     = &Error{Kind: KindAdmission, Code: CodeShuttingDown}
	ErrJobNotFound  = &Error{Kind: KindNotFound}
	ErrForbidden    = &Error{Kind: KindForbidden}
	ErrBadFraming   = &Error{Kind: KindDecode, Code: CodeBadFraming}
	ErrSizeMismatch = &Error{Kind: KindDecode, Code: CodeSizeMismatch}
	ErrCRCMismatch  = &Error{Kind: KindDecode, Code: CodeCRCMismatch}
	ErrUnsupported  = &Error{Kind: KindDecode, Code: CodeUnsupported}
)

// JobError is one entry of a job's error list.
type JobError struct {
	Kind Kind   `json:"kind"`
	Code string `json:"code,omitempty"`
	Msg  string `json:"message"`
}

// AsJobError flattens err into a JobError.
func AsJobError(err error) JobError {
	var e *Error
	if errors.As(err, &e) {
		msg := e.Msg
		if e.Err != nil {
			if msg != "" {
				msg += ": "
			}
			msg += e.Err.Error()
		}
		return JobError{Kind: e.Kind, Code: e.Code, Msg: msg}
	}
	return JobError{Kind: KindInternal, Msg: err.Error()}
}
