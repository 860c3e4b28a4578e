package eve

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

	"github.com/google/uuid"

	"github.com/luftsport/nif-integration/pkg/metrics"
)

// Sentinel conditions mapped from the sink's status codes. Callers
// branch on these rather than raw codes.
var (
	// ErrNotFound is returned on http 404
	ErrNotFound = errors.New("document not found")
	// ErrConflict is returned on http 422, a duplicate unique key
	ErrConflict = errors.New("document already exists")
	// ErrPreconditionFailed is returned on http 412, etag mismatch
	ErrPreconditionFailed = errors.New("etag precondition failed")
)

// StatusError is a non-2xx response that is none of the sentinel
// conditions above.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("sink returned http %d: %s", e.Code, e.Body)
}

// Meta is the paging envelope metadata
type Meta struct {
	Total      int `json:"total"`
	Page       int `json:"page"`
	MaxResults int `json:"max_results"`
}

// Envelope is a list response: _items plus _meta
type Envelope struct {
	Items []json.RawMessage `json:"_items"`
	Meta  Meta              `json:"_meta"`
}

// Query expresses the sink's JSON where/sort list parameters
type Query struct {
	Where      map[string]interface{}
	Sort       string
	MaxResults int
	Page       int
}

func (q Query) values() (url.Values, error) {
	v := url.Values{}
	if q.Where != nil {
		w, err := json.Marshal(q.Where)
		if err != nil {
			return nil, fmt.Errorf("failed to encode where clause: %w", err)
		}
		v.Set("where", string(w))
	}
	if q.Sort != "" {
		v.Set("sort", q.Sort)
	}
	if q.MaxResults > 0 {
		v.Set("max_results", strconv.Itoa(q.MaxResults))
	}
	if q.Page > 0 {
		v.Set("page", strconv.Itoa(q.Page))
	}
	return v, nil
}

// Client is a typed REST client for the document store. Every mutation
// of an existing document is conditional on the etag from the most
// recent read.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a sink client against baseURL
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// NewWithHTTPClient creates a sink client with a caller supplied
// http.Client, used in tests
func NewWithHTTPClient(baseURL, apiKey string, hc *http.Client) *Client {
	c := New(baseURL, apiKey)
	c.http = hc
	return c
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, etag string, body interface{}) (*http.Response, error) {
	u := c.baseURL + "/" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode payload: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	// Correlation id for tracing a request through the sink's logs
	req.Header.Set("X-Request-Id", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Basic "+c.apiKey)
	}
	if etag != "" {
		req.Header.Set("If-Match", etag)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.SinkRequests.WithLabelValues(method, "error").Inc()
		return nil, fmt.Errorf("sink request failed: %w", err)
	}
	metrics.SinkRequests.WithLabelValues(method, fmt.Sprintf("%dxx", resp.StatusCode/100)).Inc()
	return resp, nil
}

// decode closes the body and maps status codes onto the sentinel
// conditions. On success it unmarshals into out when non-nil.
func decode(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		if out == nil {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode sink response: %w", err)
		}
		return nil
	case http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return ErrNotFound
	case http.StatusUnprocessableEntity:
		io.Copy(io.Discard, resp.Body)
		return ErrConflict
	case http.StatusPreconditionFailed:
		io.Copy(io.Discard, resp.Body)
		return ErrPreconditionFailed
	default:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: string(data)}
	}
}

// Get fetches one document by id into out
func (c *Client) Get(ctx context.Context, resource, id string, out interface{}) error {
	resp, err := c.do(ctx, http.MethodGet, resource+"/"+id, nil, "", nil)
	if err != nil {
		return err
	}
	return decode(resp, out)
}

// Find lists documents matching the query
func (c *Client) Find(ctx context.Context, resource string, q Query) (*Envelope, error) {
	values, err := q.values()
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, http.MethodGet, resource, values, "", nil)
	if err != nil {
		return nil, err
	}
	var env Envelope
	if err := decode(resp, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// Insert creates a new document. A duplicate unique key surfaces as
// ErrConflict which callers may treat as idempotent success.
func (c *Client) Insert(ctx context.Context, resource string, payload, out interface{}) error {
	resp, err := c.do(ctx, http.MethodPost, resource, nil, "", payload)
	if err != nil {
		return err
	}
	return decode(resp, out)
}

// Replace overwrites the document identified by id, conditional on etag
func (c *Client) Replace(ctx context.Context, resource, id, etag string, payload, out interface{}) error {
	resp, err := c.do(ctx, http.MethodPut, resource+"/"+id, nil, etag, payload)
	if err != nil {
		return err
	}
	return decode(resp, out)
}

// Patch partially updates the document identified by id, conditional
// on etag
func (c *Client) Patch(ctx context.Context, resource, id, etag string, payload, out interface{}) error {
	resp, err := c.do(ctx, http.MethodPatch, resource+"/"+id, nil, etag, payload)
	if err != nil {
		return err
	}
	return decode(resp, out)
}

// Delete removes the document identified by id, conditional on etag
func (c *Client) Delete(ctx context.Context, resource, id, etag string) error {
	resp, err := c.do(ctx, http.MethodDelete, resource+"/"+id, nil, etag, nil)
	if err != nil {
		return err
	}
	return decode(resp, nil)
}
