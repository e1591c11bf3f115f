package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
)

// FormatForCLI formats an error for terminal display.
func FormatForCLI(err error) string {
	if err == nil {
		return ""
	}

	ke := asKBError(err)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Error: %s\n", ke.Message)
	if ke.Suggestion != "" {
		fmt.Fprintf(&sb, "  Hint: %s\n", ke.Suggestion)
	}
	fmt.Fprintf(&sb, "  Code: %s\n", ke.Code)
	return sb.String()
}

// jsonError is the JSON representation of an error.
type jsonError struct {
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Category   string            `json:"category"`
	Severity   string            `json:"severity"`
	Details    map[string]string `json:"details,omitempty"`
	Suggestion string            `json:"suggestion,omitempty"`
	Cause      string            `json:"cause,omitempty"`
	Retryable  bool              `json:"retryable"`
}

// FormatJSON returns a JSON representation of the error.
func FormatJSON(err error) ([]byte, error) {
	if err == nil {
		return json.Marshal(nil)
	}

	ke := asKBError(err)
	je := jsonError{
		Code:       ke.Code,
		Message:    ke.Message,
		Category:   string(ke.Category),
		Severity:   string(ke.Severity),
		Details:    ke.Details,
		Suggestion: ke.Suggestion,
		Retryable:  ke.Retryable,
	}
	if ke.Cause != nil {
		je.Cause = ke.Cause.Error()
	}
	return json.Marshal(je)
}

// LogAttrs returns slog attributes describing err.
func LogAttrs(err error) []slog.Attr {
	if err == nil {
		return nil
	}

	ke := asKBError(err)
	attrs := []slog.Attr{
		slog.String("error_code", ke.Code),
		slog.String("error", ke.Message),
		slog.String("severity", string(ke.Severity)),
	}
	if ke.Cause != nil {
		attrs = append(attrs, slog.String("cause", ke.Cause.Error()))
	}
	for k, v := range ke.Details {
		attrs = append(attrs, slog.String("detail_"+k, v))
	}
	return attrs
}

func asKBError(err error) *KBError {
	var inner *KBError
	if !stderrors.As(err, &inner) {
		return Wrap(ErrCodeInternal, err)
	}
	if inner == err {
		return inner
	}
	// Wrapped: keep the code, show the full chain.
	out := *inner
	out.Message = err.Error()
	return &out
}
