package analyzer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackcrane/sw-grader-api/internal/service/integration"
)

type ErrorKind string

const (
	KindFatal     ErrorKind = "fatal"
	KindTransient ErrorKind = "transient"
)

// Tool error codes. The first group comes from the tool; the rest are
// assigned here when the tool never answered.
const (
	CodeFileOpenFailed    = "FILE_OPEN_FAILED"
	CodeUnsupportedFormat = "UNSUPPORTED_FORMAT"
	CodeFutureVersion     = "FUTURE_VERSION"
	CodeInvalidPart       = "INVALID_PART"

	CodeTimeout   = "TIMEOUT"
	CodeTransport = "TRANSPORT"
	CodeToolError = "TOOL_ERROR"
)

const futureVersionMessage = "This file was saved in a newer version of SOLIDWORKS than the grader supports. Save it in an older version and resubmit."

// fatalMessages are shown when the tool gave no text of its own.
var fatalMessages = map[string]string{
	CodeFileOpenFailed:    "The grader could not open this file. Make sure it is a valid SOLIDWORKS part and resubmit.",
	CodeUnsupportedFormat: "This file type is not supported. Upload a SOLIDWORKS part file (.SLDPRT).",
	CodeFutureVersion:     futureVersionMessage,
	CodeInvalidPart:       "The grader could not measure this part. Make sure it contains a single solid body and resubmit.",
}

// ToolError is a classified measurement failure. Message is safe to show to
// the submitting student; Raw keeps what the tool actually said.
type ToolError struct {
	Kind    ErrorKind
	Code    string
	Message string
	Raw     string
	Err     error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s tool error %s: %s", e.Kind, e.Code, e.Raw)
}

func (e *ToolError) Unwrap() error { return e.Err }

func (e *ToolError) Fatal() bool { return e.Kind == KindFatal }

// IsFatal reports whether err carries a fatal ToolError.
func IsFatal(err error) bool {
	var te *ToolError
	return errors.As(err, &te) && te.Fatal()
}

// Classify turns whatever the grader client returned into a ToolError.
func Classify(err error) *ToolError {
	if err == nil {
		return nil
	}

	var te *ToolError
	if errors.As(err, &te) {
		return te
	}

	var failure *integration.ToolFailure
	if errors.As(err, &failure) {
		return classifyFailure(failure)
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &ToolError{
			Kind:    KindTransient,
			Code:    CodeTimeout,
			Message: "The grader took too long to respond. Your submission will be retried.",
			Raw:     err.Error(),
			Err:     err,
		}
	}

	return &ToolError{
		Kind:    KindTransient,
		Code:    CodeTransport,
		Message: "The grader is unavailable. Your submission will be retried.",
		Raw:     err.Error(),
		Err:     err,
	}
}

func classifyFailure(f *integration.ToolFailure) *ToolError {
	code := strings.ToUpper(strings.TrimSpace(f.Code))
	if _, known := fatalMessages[code]; !known {
		code = codeFromText(f.Message)
	}

	if fallback, fatal := fatalMessages[code]; fatal {
		msg := strings.TrimSpace(f.Message)
		if msg == "" || code == CodeFutureVersion || codeFromText(msg) == CodeFutureVersion {
			msg = fallback
		}
		return &ToolError{
			Kind:    KindFatal,
			Code:    code,
			Message: msg,
			Raw:     f.Message,
			Err:     f,
		}
	}

	if code == "" {
		code = CodeToolError
		if f.Code != "" {
			code = f.Code
		}
	}
	return &ToolError{
		Kind:    KindTransient,
		Code:    code,
		Message: "The grader hit a temporary problem. Your submission will be retried.",
		Raw:     f.Message,
		Err:     f,
	}
}

// codeFromText recognises fatal conditions from tools that report them as
// plain text.
func codeFromText(raw string) string {
	text := strings.ToLower(raw)
	switch {
	case strings.Contains(text, "future version"), strings.Contains(text, "newer version"):
		return CodeFutureVersion
	case strings.Contains(text, "could not be opened"),
		strings.Contains(text, "could not open"),
		strings.Contains(text, "failed to open"):
		return CodeFileOpenFailed
	case strings.Contains(text, "unsupported file"), strings.Contains(text, "unsupported format"):
		return CodeUnsupportedFormat
	default:
		return ""
	}
}
