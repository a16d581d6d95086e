package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Well-known domains and codes used by the runtime itself. Callers define
// their own domains for task failures.
const (
	DomainInternal = "internal"

	CodeUnknown   = 0
	CodeUnhandled = 1
	CodeNoHandler = 2
)

var ErrUnknownErrorFormat = errors.New("unrecognized task error encoding")

// Error is a classified task failure. Identity is (Domain, Code); Message and
// Cause are informational.
type Error struct {
	Domain  string
	Code    int
	Message string
	Cause   error
}

func NewError(domain string, code int, message string) *Error {
	return &Error{Domain: domain, Code: code, Message: message}
}

// WrapError classifies cause under domain/code, using its text as the message.
func WrapError(domain string, code int, cause error) *Error {
	e := &Error{Domain: domain, Code: code, Cause: cause}
	if cause != nil {
		e.Message = cause.Error()
	}
	return e
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s/%d", e.Domain, e.Code)
	}
	return fmt.Sprintf("%s/%d: %s", e.Domain, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error with the same domain and code, so
// errors.Is(err, task.NewError("net", 3, "")) works regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Equal(t)
}

// Equal compares identity only.
func (e *Error) Equal(o *Error) bool {
	if e == nil || o == nil {
		return e == o
	}
	return e.Domain == o.Domain && e.Code == o.Code
}

// AsError extracts a *Error from err's chain, or classifies err as an
// unknown internal failure.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	return WrapError(DomainInternal, CodeUnknown, err)
}

func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(toWire(e))
}

func (e *Error) UnmarshalJSON(data []byte) error {
	decoded, err := DecodeError(string(data))
	if err != nil {
		return err
	}
	if decoded == nil {
		*e = Error{}
		return nil
	}
	*e = *decoded
	return nil
}

// Cause text written by older clients carries the exception class name.
const legacyExceptionPrefix = "java.lang.Exception: "

// wireError is the current encoding.
type wireError struct {
	Domain    string `json:"domain"`
	Code      int    `json:"code"`
	Message   string `json:"message,omitempty"`
	Exception string `json:"exception,omitempty"`
}

// legacyWireError is the early encoding keyed by field names.
type legacyWireError struct {
	Domain    string `json:"m_domain"`
	Code      int    `json:"m_code"`
	Message   string `json:"m_message"`
	Exception string `json:"m_exception"`
}

func toWire(e *Error) wireError {
	w := wireError{Domain: e.Domain, Code: e.Code, Message: e.Message}
	if e.Cause != nil {
		w.Exception = e.Cause.Error()
	}
	return w
}

func causeFrom(text string) error {
	text = strings.TrimPrefix(text, legacyExceptionPrefix)
	if text == "" {
		return nil
	}
	return errors.New(text)
}

// EncodeError writes the current encoding. A nil error encodes to "".
func EncodeError(e *Error) (string, error) {
	if e == nil {
		return "", nil
	}
	b, err := json.Marshal(toWire(e))
	if err != nil {
		return "", fmt.Errorf("encode task error: %w", err)
	}
	return string(b), nil
}

// DecodeError accepts either encoding and normalizes to *Error. The current
// encoding is tried first.
func DecodeError(s string) (*Error, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "null" {
		return nil, nil
	}
	var keys map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &keys); err != nil {
		return nil, fmt.Errorf("decode task error: %w", err)
	}
	if _, ok := keys["domain"]; ok {
		var w wireError
		if err := json.Unmarshal([]byte(s), &w); err != nil {
			return nil, fmt.Errorf("decode task error: %w", err)
		}
		return &Error{Domain: w.Domain, Code: w.Code, Message: w.Message, Cause: causeFrom(w.Exception)}, nil
	}
	if _, ok := keys["m_domain"]; ok {
		return decodeLegacyError([]byte(s))
	}
	return nil, ErrUnknownErrorFormat
}

// DecodeLegacyError reads only the early encoding.
func DecodeLegacyError(s string) (*Error, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "null" {
		return nil, nil
	}
	return decodeLegacyError([]byte(s))
}

func decodeLegacyError(b []byte) (*Error, error) {
	var w legacyWireError
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("decode legacy task error: %w", err)
	}
	if w.Domain == "" {
		return nil, ErrUnknownErrorFormat
	}
	return &Error{Domain: w.Domain, Code: w.Code, Message: w.Message, Cause: causeFrom(w.Exception)}, nil
}
