// Package fetch is the terminal HTTP transport stage. It posts the operation
// to the GraphQL endpoint and turns the response, or the failure to get one,
// into an operation.Result. It never returns transport or protocol failures
// as errors: they travel inside the result as a CombinedError.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/vektah/gqlparser/v2/gqlerror"

	eventbus "github.com/pipe01/villus/internal/eventbus"
	events "github.com/pipe01/villus/internal/events"
	"github.com/pipe01/villus/internal/language"
	"github.com/pipe01/villus/internal/metrics"
	"github.com/pipe01/villus/internal/operation"
	"github.com/pipe01/villus/internal/pipeline"
)

const defaultMaxResponseBytes = 32 << 20

// Request is the JSON body of a GraphQL request.
type Request struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
}

// Response is the JSON body of a GraphQL response.
type Response struct {
	Data   any           `json:"data"`
	Errors gqlerror.List `json:"errors,omitempty"`
}

// Plugin is the HTTP transport stage. By default it terminates the chain
// with the result it produced.
type Plugin struct {
	client           *retryablehttp.Client
	terminate        bool
	maxResponseBytes int64
	metrics          *metrics.Registry
}

var _ pipeline.Plugin = (*Plugin)(nil)

type Option func(*Plugin)

// WithHTTPClient sets the underlying client, e.g. to configure timeouts.
func WithHTTPClient(c *http.Client) Option { return func(p *Plugin) { p.client.HTTPClient = c } }

// WithRetryMax sets how often a failing query is retried. Mutations are never retried.
func WithRetryMax(n int) Option { return func(p *Plugin) { p.client.RetryMax = n } }

// WithRetryWait bounds the backoff between retries.
func WithRetryWait(lo, hi time.Duration) Option {
	return func(p *Plugin) {
		p.client.RetryWaitMin = lo
		p.client.RetryWaitMax = hi
	}
}

// WithoutTerminate lets stages after the transport run once it set a result.
func WithoutTerminate() Option { return func(p *Plugin) { p.terminate = false } }

// WithMaxResponseBytes caps the size of a response body. Larger bodies
// yield a network error.
func WithMaxResponseBytes(n int64) Option { return func(p *Plugin) { p.maxResponseBytes = n } }

// WithMetrics sets the registry for request counters. Defaults to
// metrics.DefaultRegistry.
func WithMetrics(m *metrics.Registry) Option { return func(p *Plugin) { p.metrics = m } }

// New returns the transport stage. Queries are retried twice by default.
func New(opts ...Option) *Plugin {
	c := retryablehttp.NewClient()
	c.Logger = nil
	c.RetryMax = 2
	c.RetryWaitMin = 100 * time.Millisecond
	c.RetryWaitMax = 2 * time.Second
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler

	p := &Plugin{
		client:           c,
		terminate:        true,
		maxResponseBytes: defaultMaxResponseBytes,
		metrics:          metrics.DefaultRegistry,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Plugin) Name() string { return "fetch" }

func (p *Plugin) Apply(ctx context.Context, pc *pipeline.Context) error {
	result := p.do(ctx, pc.Fetch, pc.Operation)
	pc.UseResult(result, p.terminate)
	return nil
}

func (p *Plugin) do(ctx context.Context, fo pipeline.FetchOptions, op operation.Resolved) operation.Result {
	body := Request{
		Query:         op.Query,
		OperationName: language.OperationName(op.Query),
		Variables:     op.Variables,
	}
	req, err := newRequest(ctx, fo, body)
	if err != nil {
		return operation.Result{Error: operation.NewNetworkError(err)}
	}

	start := time.Now()
	eventbus.Publish(ctx, events.FetchStart{URL: fo.URL, Method: req.Method})
	resp, err := p.send(req, op.Type)
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	d := time.Since(start)
	eventbus.Publish(ctx, events.FetchFinish{URL: fo.URL, Method: req.Method, Status: status, Err: err, Duration: d})
	p.metrics.FetchRequests.WithLabelValues(req.Method, strconv.Itoa(status)).Inc()
	p.metrics.FetchDuration.WithLabelValues(req.Method).Observe(d.Seconds())
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		return operation.Result{Error: &operation.CombinedError{NetworkError: err, StatusCode: status}}
	}
	defer resp.Body.Close()

	return p.parse(resp)
}

func (p *Plugin) send(req *retryablehttp.Request, typ operation.Type) (*http.Response, error) {
	if typ == operation.Mutation {
		b, err := req.BodyBytes()
		if err != nil {
			return nil, err
		}
		r := req.Request
		if b != nil {
			r.Body = io.NopCloser(bytes.NewReader(b))
		}
		return p.client.HTTPClient.Do(r)
	}
	return p.client.Do(req)
}

func newRequest(ctx context.Context, fo pipeline.FetchOptions, body Request) (*retryablehttp.Request, error) {
	method := fo.Method
	if method == "" {
		method = http.MethodPost
	}

	var req *retryablehttp.Request
	var err error
	if method == http.MethodGet {
		u, perr := url.Parse(fo.URL)
		if perr != nil {
			return nil, fmt.Errorf("fetch: parse url: %w", perr)
		}
		q := u.Query()
		q.Set("query", body.Query)
		if len(body.Variables) > 0 {
			vars, merr := json.Marshal(body.Variables)
			if merr != nil {
				return nil, fmt.Errorf("fetch: encode variables: %w", merr)
			}
			q.Set("variables", string(vars))
		}
		if body.OperationName != "" {
			q.Set("operationName", body.OperationName)
		}
		u.RawQuery = q.Encode()
		req, err = retryablehttp.NewRequestWithContext(ctx, method, u.String(), nil)
	} else {
		b, merr := json.Marshal(body)
		if merr != nil {
			return nil, fmt.Errorf("fetch: encode request: %w", merr)
		}
		req, err = retryablehttp.NewRequestWithContext(ctx, method, fo.URL, bytes.NewReader(b))
	}
	if err != nil {
		return nil, fmt.Errorf("fetch: build request: %w", err)
	}

	for k, vs := range fo.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if method == http.MethodGet {
		req.Header.Del("Content-Type")
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	return req, nil
}

func (p *Plugin) parse(resp *http.Response) operation.Result {
	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	raw, err := io.ReadAll(io.LimitReader(resp.Body, p.maxResponseBytes+1))
	if err != nil {
		return operation.Result{Error: &operation.CombinedError{
			NetworkError: fmt.Errorf("fetch: read response: %w", err),
			StatusCode:   resp.StatusCode,
		}}
	}
	if int64(len(raw)) > p.maxResponseBytes {
		return operation.Result{Error: &operation.CombinedError{
			NetworkError: fmt.Errorf("fetch: response exceeds %d bytes", p.maxResponseBytes),
			StatusCode:   resp.StatusCode,
		}}
	}

	var body Response
	if err := json.Unmarshal(raw, &body); err != nil {
		netErr := fmt.Errorf("fetch: decode response: %w", err)
		if !ok {
			netErr = fmt.Errorf("fetch: %s", resp.Status)
		}
		return operation.Result{Error: &operation.CombinedError{NetworkError: netErr, StatusCode: resp.StatusCode}}
	}

	result := operation.Result{Data: body.Data}
	switch {
	case len(body.Errors) > 0:
		result.Error = &operation.CombinedError{GraphQLErrors: body.Errors, StatusCode: resp.StatusCode}
	case !ok:
		result.Error = &operation.CombinedError{NetworkError: fmt.Errorf("fetch: %s", resp.Status), StatusCode: resp.StatusCode}
	}
	return result
}
