package operation

import (
	"encoding/json"
	"strings"

	"github.com/vektah/gqlparser/v2/gqlerror"
)

// Result is the outcome of one execution, or one item of a subscription.
// Both fields are always present; Data is nil when unused and Error is nil
// on success.
type Result struct {
	Data  any
	Error *CombinedError
}

// Decode converts the generic data tree into v (a pointer).
func (r Result) Decode(v any) error {
	if r.Data == nil {
		return nil
	}
	b, err := json.Marshal(r.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// CombinedError unifies a network failure and the GraphQL errors of a response.
type CombinedError struct {
	// NetworkError is set when the request did not produce a usable response.
	NetworkError error
	// GraphQLErrors holds the "errors" entry of the response, if any.
	GraphQLErrors gqlerror.List
	// StatusCode is the HTTP status of the response, 0 when there was none.
	StatusCode int
}

func (e *CombinedError) Error() string {
	var lines []string
	if e.NetworkError != nil {
		lines = append(lines, "[Network] "+e.NetworkError.Error())
	}
	for _, ge := range e.GraphQLErrors {
		lines = append(lines, "[GraphQL] "+ge.Message)
	}
	return strings.Join(lines, "\n")
}

// Unwrap exposes the network error and every GraphQL error to errors.Is/As.
func (e *CombinedError) Unwrap() []error {
	var out []error
	if e.NetworkError != nil {
		out = append(out, e.NetworkError)
	}
	for _, ge := range e.GraphQLErrors {
		out = append(out, ge)
	}
	return out
}

func (e *CombinedError) IsNetworkError() bool { return e != nil && e.NetworkError != nil }

// NewNetworkError wraps err as a transport failure.
func NewNetworkError(err error) *CombinedError {
	return &CombinedError{NetworkError: err}
}
