package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Error codes returned by the server in the "code" field of an error body.
const (
	CodeTokenNotValid = "token_not_valid"
	CodeUserNotFound  = "user_not_found"
)

// ErrUnauthorized is returned when the session could not be authenticated and was
// logged out.
var ErrUnauthorized = errors.New("unauthorized")

// APIError is a non-2xx response.
type APIError struct {
	Status int
	Code   string
	Detail string
	// Data is the decoded error body when it was a JSON object.
	Data map[string]any
	Body []byte
}

func (e *APIError) Error() string {
	switch {
	case e.Detail != "":
		return fmt.Sprintf("api error %d: %s", e.Status, e.Detail)
	case e.Code != "":
		return fmt.Sprintf("api error %d: %s", e.Status, e.Code)
	default:
		return fmt.Sprintf("api error %d", e.Status)
	}
}

// Messages flattens the error body into user-facing lines. Field errors such as
// {"content": ["This field is required."]} yield one line per message, in key order.
func (e *APIError) Messages() []string {
	if len(e.Data) == 0 {
		return nil
	}
	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		if k == "code" || k == "messages" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []string
	for _, k := range keys {
		out = appendMessages(out, e.Data[k])
	}
	return out
}

func appendMessages(out []string, v any) []string {
	switch val := v.(type) {
	case string:
		if s := strings.TrimSpace(val); s != "" {
			out = append(out, s)
		}
	case []any:
		for _, item := range val {
			out = appendMessages(out, item)
		}
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out = appendMessages(out, val[k])
		}
	case nil:
	default:
		out = append(out, fmt.Sprint(val))
	}
	return out
}

func parseAPIError(status int, body []byte) *APIError {
	e := &APIError{Status: status, Body: body}
	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil {
		return e
	}
	e.Data = data
	e.Code, _ = data["code"].(string)
	e.Detail, _ = data["detail"].(string)
	return e
}

// IsCode reports whether err is an APIError carrying code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}
