package nntp

import (
	"errors"
	"fmt"
	"net/textproto"
	"strings"

	"github.com/datallboy/usenetd/internal/domain"
)

var (
	ErrArticleNotFound = errors.New("article not found (430)")
	ErrAuthFailed      = errors.New("authentication rejected")
	ErrClosed          = errors.New("connection closed")
)

// ResponseError is an unexpected status line from the server.
type ResponseError struct {
	Command string
	Code    int
	Msg     string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s: %d %s", e.Command, e.Code, e.Msg)
}

func (e *ResponseError) Is(target error) bool {
	switch target {
	case ErrArticleNotFound:
		return e.Code == 430 || e.Code == 423
	case ErrAuthFailed:
		return authRejected(e.Command, e.Code)
	}
	return false
}

// authRejected reports whether code rejects the session's credentials.
// 480 counts only as the answer to AUTHINFO; elsewhere it and the other
// 4xx/5xx statuses are transient.
func authRejected(cmd string, code int) bool {
	switch code {
	case 481, 482:
		return true
	case 480:
		return strings.HasPrefix(cmd, "AUTHINFO")
	}
	return false
}

// wrapResponse turns a textproto error into a ResponseError.
func wrapResponse(cmd string, err error) error {
	var te *textproto.Error
	if errors.As(err, &te) {
		return &ResponseError{Command: cmd, Code: te.Code, Msg: te.Msg}
	}
	return fmt.Errorf("%s: %w", cmd, err)
}

// Classify maps a fetch error to the outcome reported to the dispatcher.
func Classify(err error) domain.Outcome {
	switch {
	case err == nil:
		return domain.OutcomeOK
	case errors.Is(err, ErrArticleNotFound):
		return domain.OutcomeNotFound
	case errors.Is(err, ErrAuthFailed):
		return domain.OutcomeAuthFail
	}
	return domain.OutcomeTransient
}

// closesConn reports whether err leaves the session unusable. Article
// level statuses keep the connection; anything else drops it.
func closesConn(err error) bool {
	var re *ResponseError
	if errors.As(err, &re) {
		return re.Code >= 500 || re.Code == 400 || re.Code == 480 || authRejected(re.Command, re.Code)
	}
	return err != nil
}
