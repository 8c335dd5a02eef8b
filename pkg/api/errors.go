package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/harrisonrobin/todo/pkg/model"
)

// ErrUnauthorized matches an Error with status 401.
var ErrUnauthorized = errors.New("unauthorized")

// ErrNotFound matches an Error with status 404.
var ErrNotFound = errors.New("not found")

// maxErrorBody caps how much of an error response is read.
const maxErrorBody = 64 << 10

// Error is a rejected request. Fields maps a field name to the server's
// messages for it; Message is the generic message, if any.
type Error struct {
	StatusCode int
	Message    string
	Fields     map[string][]string
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "todo api: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	if len(e.Fields) > 0 {
		b.WriteString(" (" + model.FormatFields(e.Fields) + ")")
	}
	return b.String()
}

// Is matches ErrUnauthorized and ErrNotFound by status code.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	}
	return false
}

// FieldErrors returns the messages for field.
func (e *Error) FieldErrors(field string) []string {
	return e.Fields[field]
}

// messageKeys hold a generic message rather than a field error.
var messageKeys = map[string]bool{"detail": true, "error": true, "message": true}

// decodeError reads a non-2xx response into an *Error.
func decodeError(resp *http.Response) error {
	apiErr := &Error{StatusCode: resp.StatusCode}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(strings.TrimSpace(string(body))) == 0 {
		apiErr.Message = http.StatusText(resp.StatusCode)
		return apiErr
	}

	var list []string
	if err := json.Unmarshal(body, &list); err == nil {
		apiErr.Message = strings.Join(list, " ")
		return apiErr
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		// Not JSON, e.g. an HTML error page from a proxy.
		apiErr.Message = http.StatusText(resp.StatusCode)
		return apiErr
	}

	for key, raw := range payload {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if messageKeys[key] {
				apiErr.Message = s
			} else {
				apiErr.addField(key, s)
			}
			continue
		}
		var msgs []string
		if err := json.Unmarshal(raw, &msgs); err == nil {
			apiErr.addField(key, msgs...)
			continue
		}
		apiErr.addField(key, string(raw))
	}
	if apiErr.Message == "" && len(apiErr.Fields) == 0 {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

func (e *Error) addField(field string, msgs ...string) {
	if e.Fields == nil {
		e.Fields = make(map[string][]string)
	}
	e.Fields[field] = append(e.Fields[field], msgs...)
}
