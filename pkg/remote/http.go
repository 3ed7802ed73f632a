package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"

	"github.com/tablesync/tablesync-sdk/pkg/query"
	"github.com/tablesync/tablesync-sdk/pkg/record"
)

type (
	// RequestOption contributes a body and/or headers to an outgoing request.
	RequestOption func() (io.ReadWriter, map[string]string, error)
	// DoOption inspects or decodes a successful response.
	DoOption func(resp *http.Response) error
)

// HTTPClient talks to a table service over HTTP+JSON. Write versions ride on
// If-Match, the server's assigned version comes back on ETag, and query
// pages are requested with since/limit parameters ordered ascending by
// change timestamp.
type HTTPClient struct {
	baseURL    *url.URL
	httpClient *http.Client
	limiter    ratelimit.Limiter
	maxElapsed time.Duration
}

var _ Client = (*HTTPClient)(nil)

type HTTPOption func(*HTTPClient)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(c *HTTPClient) {
		c.httpClient = hc
	}
}

// WithRequestsPerSecond paces outgoing requests. Zero disables pacing.
func WithRequestsPerSecond(rps int) HTTPOption {
	return func(c *HTTPClient) {
		if rps > 0 {
			c.limiter = ratelimit.New(rps)
		}
	}
}

// WithRetryMaxElapsed bounds the total time spent retrying one call.
func WithRetryMaxElapsed(d time.Duration) HTTPOption {
	return func(c *HTTPClient) {
		c.maxElapsed = d
	}
}

// NewHTTPClient returns a Client for the table service rooted at baseURL.
func NewHTTPClient(baseURL string, opts ...HTTPOption) (*HTTPClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("remote: invalid base url: %w", err)
	}

	c := &HTTPClient{
		baseURL:    u,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    ratelimit.NewUnlimited(),
		maxElapsed: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

func WithJSONBody(body interface{}) RequestOption {
	return func() (io.ReadWriter, map[string]string, error) {
		buffer := new(bytes.Buffer)
		if err := json.NewEncoder(buffer).Encode(body); err != nil {
			return nil, nil, err
		}
		return buffer, map[string]string{"Content-Type": "application/json"}, nil
	}
}

func WithIfMatch(version string) RequestOption {
	return func() (io.ReadWriter, map[string]string, error) {
		headers := map[string]string{}
		if version != "" {
			headers["If-Match"] = strconv.Quote(version)
		}
		return nil, headers, nil
	}
}

func WithJSONResponse(response interface{}) DoOption {
	return func(resp *http.Response) error {
		if response == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(response)
	}
}

func (c *HTTPClient) newRequest(ctx context.Context, method string, u *url.URL, options ...RequestOption) (*http.Request, error) {
	var buffer io.ReadWriter
	headers := map[string]string{"Accept": "application/json"}
	for _, option := range options {
		buf, h, err := option()
		if err != nil {
			return nil, err
		}
		if buf != nil {
			buffer = buf
		}
		for k, v := range h {
			headers[k] = v
		}
	}

	var body io.Reader
	if buffer != nil {
		body = buffer
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

// retryable reports whether the status is worth another attempt.
func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}

// do issues the request with pacing and exponential backoff, translating
// conflict and not-found statuses into their structured errors. The request
// body, if any, must come through a RequestOption so it can be rebuilt per
// attempt.
func (c *HTTPClient) do(ctx context.Context, method string, u *url.URL, table, id string, reqOpts []RequestOption, doOpts ...DoOption) error {
	l := ctxzap.Extract(ctx)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.maxElapsed

	operation := func() error {
		c.limiter.Take()

		req, err := c.newRequest(ctx, method, u, reqOpts...)
		if err != nil {
			return backoff.Permanent(err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			// Transport-level failures are worth retrying.
			l.Debug("remote request failed, retrying",
				zap.String("method", method),
				zap.String("url", u.String()),
				zap.Error(err),
			)
			return fmt.Errorf("remote: %s %s: %w", method, u.Path, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			for _, opt := range doOpts {
				if err := opt(resp); err != nil {
					return backoff.Permanent(fmt.Errorf("remote: error decoding response: %w", err))
				}
			}
			return nil

		case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusPreconditionFailed:
			return backoff.Permanent(conflictFromResponse(resp, table, id))

		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(fmt.Errorf("%w: %s/%s", ErrNotFound, table, id))

		case retryable(resp.StatusCode):
			return fmt.Errorf("remote: %s %s: unexpected status %d", method, u.Path, resp.StatusCode)

		default:
			return backoff.Permanent(fmt.Errorf("remote: %s %s: unexpected status %d", method, u.Path, resp.StatusCode))
		}
	}

	return backoff.Retry(operation, backoff.WithContext(bo, ctx))
}

// conflictFromResponse builds a ConflictError, attaching the server's record
// when the conflict body contains one.
func conflictFromResponse(resp *http.Response, table, id string) error {
	ce := &ConflictError{Table: table, ID: id}

	var server record.Record
	if err := json.NewDecoder(resp.Body).Decode(&server); err == nil {
		ce.Server = &server
	}

	return ce
}

func (c *HTTPClient) tableURL(table string) *url.URL {
	return c.baseURL.JoinPath("tables", table)
}

func (c *HTTPClient) recordURL(table, id string) *url.URL {
	return c.baseURL.JoinPath("tables", table, id)
}

// Create implements Client.
func (c *HTTPClient) Create(ctx context.Context, table string, rec *record.Record) (*record.Record, error) {
	var result record.Record
	err := c.do(ctx, http.MethodPost, c.tableURL(table), table, rec.ID,
		[]RequestOption{WithJSONBody(rec)},
		WithJSONResponse(&result),
	)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Replace implements Client.
func (c *HTTPClient) Replace(ctx context.Context, table string, rec *record.Record, version string) (*record.Record, error) {
	var result record.Record
	err := c.do(ctx, http.MethodPut, c.recordURL(table, rec.ID), table, rec.ID,
		[]RequestOption{WithJSONBody(rec), WithIfMatch(version)},
		WithJSONResponse(&result),
	)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Delete implements Client. Deleting a record the server no longer has is
// treated as success; the row is gone either way.
func (c *HTTPClient) Delete(ctx context.Context, table string, id string, version string) error {
	err := c.do(ctx, http.MethodDelete, c.recordURL(table, id), table, id,
		[]RequestOption{WithIfMatch(version)},
	)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// queryPage is the wire shape of a query response.
type queryPage struct {
	Records []*record.Record `json:"records"`
	More    bool             `json:"more"`
}

// Query implements Client.
func (c *HTTPClient) Query(ctx context.Context, q query.Query, since string, pageSize uint) (*Page, error) {
	u := c.tableURL(q.Table)

	params := url.Values{}
	if since != "" {
		params.Set("since", since)
	}
	if pageSize > 0 {
		params.Set("limit", strconv.FormatUint(uint64(pageSize), 10))
	}
	for _, name := range q.Filter.EqKeys() {
		params.Set("f."+name, fmt.Sprintf("%v", q.Filter.Eq[name]))
	}
	u.RawQuery = params.Encode()

	var page queryPage
	err := c.do(ctx, http.MethodGet, u, q.Table, "", nil, WithJSONResponse(&page))
	if err != nil {
		return nil, err
	}

	return &Page{Records: page.Records, More: page.More}, nil
}
