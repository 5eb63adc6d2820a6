package upstream

import "fmt"

// HTTPError is returned when RealTimeManager answers with a non-2xx status.
type HTTPError struct {
	Method     string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s: upstream returned HTTP %d", e.Method, e.StatusCode)
}

// SchemaError is returned when a response body cannot be decoded or lacks
// a field the adapter depends on.
type SchemaError struct {
	Method string
	Field  string // JSON path of the missing field, empty for decode failures
	Err    error
}

func (e *SchemaError) Error() string {
	switch {
	case e.Field != "" && e.Err != nil:
		return fmt.Sprintf("%s: bad field %s: %v", e.Method, e.Field, e.Err)
	case e.Field != "":
		return fmt.Sprintf("%s: missing field %s", e.Method, e.Field)
	default:
		return fmt.Sprintf("%s: decode response: %v", e.Method, e.Err)
	}
}

func (e *SchemaError) Unwrap() error { return e.Err }
