package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/clinicflow/bookingsaga/circuitbreaker"
	"github.com/clinicflow/bookingsaga/correlation"
	"github.com/clinicflow/bookingsaga/log"
)

const maxBodySize = 1 << 20

// Breaker guards calls to a dependency.
type Breaker interface {
	Execute(ctx context.Context, op circuitbreaker.Operation) (interface{}, error)
}

type Option func(c *ServiceClient)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *ServiceClient) {
		c.httpClient = httpClient
	}
}

// WithClientErrorsIgnored keeps 4xx responses out of the breaker's failure count. By default every
// non-2xx response is a failure.
func WithClientErrorsIgnored(ignored bool) Option {
	return func(c *ServiceClient) {
		c.ignoreClientErrors = ignored
	}
}

type CallOption func(o *callOptions)

type callOptions struct {
	correlationID string
	query         map[string]string
}

// WithCorrelationID overrides the correlation id taken from the context.
func WithCorrelationID(id string) CallOption {
	return func(o *callOptions) {
		o.correlationID = id
	}
}

func WithQuery(key, value string) CallOption {
	return func(o *callOptions) {
		if o.query == nil {
			o.query = make(map[string]string)
		}
		o.query[key] = value
	}
}

// ServiceClient talks JSON over HTTP to one downstream service. Every call goes through the
// dependency's breaker and is bounded by the client timeout. There are no retries.
type ServiceClient struct {
	name       string
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	breaker    Breaker
	logger     log.Logger

	ignoreClientErrors bool
}

func New(name, baseURL string, timeout time.Duration, breaker Breaker, logger log.Logger, opts ...Option) *ServiceClient {
	c := &ServiceClient{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		timeout:    timeout,
		httpClient: &http.Client{},
		breaker:    breaker,
		logger:     logger.WithFields([]log.Field{{Name: "service", Val: name}}),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *ServiceClient) Name() string {
	return c.name
}

func (c *ServiceClient) Get(ctx context.Context, path string, out interface{}, opts ...CallOption) error {
	return c.do(ctx, http.MethodGet, path, nil, out, opts)
}

func (c *ServiceClient) Post(ctx context.Context, path string, body, out interface{}, opts ...CallOption) error {
	return c.do(ctx, http.MethodPost, path, body, out, opts)
}

func (c *ServiceClient) Put(ctx context.Context, path string, body, out interface{}, opts ...CallOption) error {
	return c.do(ctx, http.MethodPut, path, body, out, opts)
}

func (c *ServiceClient) Patch(ctx context.Context, path string, body, out interface{}, opts ...CallOption) error {
	return c.do(ctx, http.MethodPatch, path, body, out, opts)
}

func (c *ServiceClient) Delete(ctx context.Context, path string, out interface{}, opts ...CallOption) error {
	return c.do(ctx, http.MethodDelete, path, nil, out, opts)
}

func (c *ServiceClient) do(ctx context.Context, method, path string, body, out interface{}, opts []CallOption) error {
	callOpts := &callOptions{correlationID: correlation.FromContext(ctx)}
	for _, opt := range opts {
		opt(callOpts)
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return errors.Wrapf(err, "marshaling body for %s %s", method, path)
		}
	}

	// calls already issued finish even if the caller gives up, only the client timeout bounds them
	ctx = context.WithoutCancel(ctx)

	res, err := c.breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		respBody, err := c.send(ctx, method, path, payload, callOpts)
		if err != nil {
			respErr := &ResponseError{}
			if c.ignoreClientErrors && errors.As(err, &respErr) && respErr.StatusCode < http.StatusInternalServerError {
				return respErr, nil
			}

			return nil, err
		}

		return respBody, nil
	})

	if err != nil {
		timeoutErr := &circuitbreaker.TimeoutError{}
		if errors.As(err, &timeoutErr) {
			err = &RequestTimeoutError{Service: c.name, Timeout: timeoutErr.Timeout}
		}

		c.logger.Logf(log.WarnLevel, "%s %s failed: %s", method, path, err)

		return err
	}

	if respErr, ok := res.(*ResponseError); ok {
		c.logger.Logf(log.WarnLevel, "%s %s failed: %s", method, path, respErr)
		return respErr
	}

	// out is only touched here, a call abandoned by the breaker timeout never writes to it
	respBody, _ := res.([]byte)
	if out != nil && len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return errors.Wrapf(err, "decoding response of %s %s", method, path)
		}
	}

	return nil
}

// send performs one request, a non-2xx status comes back as *ResponseError.
func (c *ServiceClient) send(ctx context.Context, method, path string, payload []byte, opts *callOptions) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, errors.Wrapf(err, "building request %s %s", method, path)
	}

	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if opts.correlationID != "" {
		req.Header.Set(correlation.HeaderName, opts.correlationID)
	}

	if len(opts.query) > 0 {
		q := req.URL.Query()
		for k, v := range opts.query {
			q.Set(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}

	c.logger.Logf(log.DebugLevel, "%s %s", method, req.URL.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &RequestTimeoutError{Service: c.name, Timeout: c.timeout}
		}

		return nil, &ServiceUnavailableError{Service: c.name, Cause: err}
	}

	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &RequestTimeoutError{Service: c.name, Timeout: c.timeout}
		}

		return nil, &ServiceUnavailableError{Service: c.name, Cause: errors.Wrap(err, "reading response body")}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ResponseError{
			Service:    c.name,
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       respBody,
		}
	}

	return respBody, nil
}
