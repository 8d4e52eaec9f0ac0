package pipeline

import (
	"net/http"

	"github.com/pipe01/villus/internal/operation"
)

// FetchOptions are the transport-level request options of one execution.
type FetchOptions struct {
	URL    string
	Method string
	Header http.Header
}

// Clone returns a deep copy.
func (o FetchOptions) Clone() FetchOptions {
	o.Header = o.Header.Clone()
	if o.Header == nil {
		o.Header = http.Header{}
	}
	return o
}

// Context is the mutable record shared by all stages of one execution.
// It is created per Execute call and never shared across operations.
type Context struct {
	Operation operation.Resolved
	Fetch     FetchOptions

	result     operation.Result
	hasResult  bool
	version    int
	terminated bool
	afterQuery []AfterQueryFunc
}

func newContext(op operation.Resolved, fetch FetchOptions) *Context {
	return &Context{Operation: op, Fetch: fetch}
}

// UseResult fills the result slot. terminate stops any further stage from
// running for this execution; it cannot be cleared once raised.
func (pc *Context) UseResult(r operation.Result, terminate bool) {
	if terminate {
		pc.terminated = true
	}
	pc.result = r
	pc.hasResult = true
	pc.version++
}

// AfterQuery registers fn to run once the chain has completed.
func (pc *Context) AfterQuery(fn AfterQueryFunc) {
	pc.afterQuery = append(pc.afterQuery, fn)
}

// Result returns the current content of the result slot.
func (pc *Context) Result() (operation.Result, bool) {
	return pc.result, pc.hasResult
}

// Terminated reports whether a stage halted the chain.
func (pc *Context) Terminated() bool { return pc.terminated }
