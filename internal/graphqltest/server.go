// Package graphqltest provides a scripted GraphQL HTTP endpoint for tests of
// the transport stage, the client and the CLI.
package graphqltest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/vektah/gqlparser/v2/gqlerror"

	"github.com/pipe01/villus/internal/language"
)

// Request is a GraphQL request as received by the endpoint.
type Request struct {
	Method        string         `json:"-"`
	Header        http.Header    `json:"-"`
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
}

// Reply is what a Responder wants sent back. A zero Status means 200.
// When Raw is set it is written verbatim instead of {data, errors}.
type Reply struct {
	Status int
	Data   any
	Errors gqlerror.List
	Raw    []byte
}

type Responder func(Request) Reply

// Data replies with data and no errors.
func Data(data any) Responder {
	return func(Request) Reply { return Reply{Data: data} }
}

// Server records every request it receives and answers through a Responder.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	respond  Responder
	requests []Request
	maxBody  int64
}

func NewServer(respond Responder) *Server {
	s := &Server{respond: respond, maxBody: 1 << 20}
	s.Server = httptest.NewServer(s)
	return s
}

// SetResponder replaces the responder for subsequent requests.
func (s *Server) SetResponder(r Responder) {
	s.mu.Lock()
	s.respond = r
	s.mu.Unlock()
}

// Requests returns the requests received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, errorReply("method not allowed"))
		return
	}

	req, msg := parseRequest(r, s.maxBody)
	if msg != "" {
		writeJSON(w, http.StatusBadRequest, errorReply(msg))
		return
	}
	if _, err := language.ParseQuery(req.Query); err != nil {
		writeJSON(w, http.StatusOK, errorReply(err.Error()))
		return
	}

	s.mu.Lock()
	s.requests = append(s.requests, req)
	respond := s.respond
	s.mu.Unlock()

	reply := respond(req)
	status := reply.Status
	if status == 0 {
		status = http.StatusOK
	}
	if reply.Raw != nil {
		w.WriteHeader(status)
		_, _ = w.Write(reply.Raw)
		return
	}
	writeJSON(w, status, response{Data: reply.Data, Errors: reply.Errors})
}

func parseRequest(r *http.Request, maxBody int64) (Request, string) {
	if r.Method == http.MethodGet {
		q := r.URL.Query().Get("query")
		if q == "" {
			return Request{}, "missing 'query'"
		}
		vars := map[string]any{}
		if v := r.URL.Query().Get("variables"); v != "" {
			if err := json.Unmarshal([]byte(v), &vars); err != nil {
				return Request{}, "invalid 'variables' JSON"
			}
		}
		op := r.URL.Query().Get("operationName")
		return Request{Method: r.Method, Header: r.Header.Clone(), Query: q, Variables: vars, OperationName: op}, ""
	}

	ct := r.Header.Get("Content-Type")
	if ct != "" && ct != "application/json" && !strings.HasPrefix(ct, "application/json;") {
		return Request{}, "unsupported Content-Type"
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		return Request{}, "failed to read body"
	}
	if int64(len(body)) > maxBody {
		return Request{}, "body too large"
	}
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return Request{}, "invalid JSON"
	}
	if req.Query == "" {
		return Request{}, "missing 'query'"
	}
	if req.Variables == nil {
		req.Variables = map[string]any{}
	}
	req.Method = r.Method
	req.Header = r.Header.Clone()
	return req, ""
}

type response struct {
	Data   any           `json:"data"`
	Errors gqlerror.List `json:"errors,omitempty"`
}

func errorReply(msg string) response {
	return response{Errors: gqlerror.List{{Message: msg}}}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
