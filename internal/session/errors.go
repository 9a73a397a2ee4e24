package session

import (
	"errors"
	"fmt"
)

// ErrorCode classifies session failures.
type ErrorCode string

const (
	// CodeInvalidState marks a caller ordering error: start while
	// listening or stop while idle.
	CodeInvalidState ErrorCode = "invalid_state"
	// CodeEngine marks a failure surfaced by the recognition stream.
	CodeEngine ErrorCode = "engine"
	// CodeRouting marks an audio-routing apply/restore failure. Never
	// fatal to teardown.
	CodeRouting ErrorCode = "routing"
	// CodeUnknown wraps everything else.
	CodeUnknown ErrorCode = "unknown"
)

// VoiceError is the error type surfaced by the session layer.
type VoiceError struct {
	Code ErrorCode
	Op   string
	Err  error
}

func (e *VoiceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *VoiceError) Unwrap() error {
	return e.Err
}

// CodeOf extracts the error code, or CodeUnknown for foreign errors.
func CodeOf(err error) ErrorCode {
	var verr *VoiceError
	if errors.As(err, &verr) {
		return verr.Code
	}
	return CodeUnknown
}

func invalidState(op, detail string) *VoiceError {
	return &VoiceError{Code: CodeInvalidState, Op: op, Err: errors.New(detail)}
}
