package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// StatusError is a remote mutation failure classified by HTTP status. The
// message text carries the classification the retry policy keys on.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	switch {
	case e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden:
		return fmt.Sprintf("authentication rejected (status %d): %s", e.Code, e.Body)
	case e.Code == http.StatusNotFound:
		return fmt.Sprintf("row not found (status %d): %s", e.Code, e.Body)
	case e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests || e.Code >= 500:
		return fmt.Sprintf("remote temporarily unavailable (status %d): %s", e.Code, e.Body)
	case e.Code >= 400:
		return fmt.Sprintf("validation rejected (status %d): %s", e.Code, e.Body)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// RESTClient dispatches mutations against the remote relational store over
// PostgREST-style endpoints.
type RESTClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewRESTClient creates a mutation client for the given base URL.
func NewRESTClient(baseURL, apiKey string, timeout time.Duration) *RESTClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RESTClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// From starts a mutation against the given table.
func (c *RESTClient) From(table string) TableRef {
	return TableRef{client: c, table: table}
}

// TableRef scopes mutations to one table.
type TableRef struct {
	client *RESTClient
	table  string
}

// Insert builds a row creation request using data verbatim.
func (t TableRef) Insert(data map[string]any) *MutationRequest {
	return &MutationRequest{client: t.client, table: t.table, method: http.MethodPost, data: data}
}

// Update builds a patch request; the target rows are selected with Eq.
func (t TableRef) Update(data map[string]any) *MutationRequest {
	return &MutationRequest{client: t.client, table: t.table, method: http.MethodPatch, data: data}
}

// Delete builds a deletion request; the target rows are selected with Eq.
func (t TableRef) Delete() *MutationRequest {
	return &MutationRequest{client: t.client, table: t.table, method: http.MethodDelete}
}

// MutationRequest is a pending remote mutation.
type MutationRequest struct {
	client    *RESTClient
	table     string
	method    string
	data      map[string]any
	filterCol string
	filterVal string
}

// Eq narrows the mutation to rows where column equals value.
func (r *MutationRequest) Eq(column, value string) *MutationRequest {
	r.filterCol = column
	r.filterVal = value
	return r
}

// Do executes the mutation.
func (r *MutationRequest) Do(ctx context.Context) error {
	u := fmt.Sprintf("%s/rest/v1/%s", r.client.baseURL, url.PathEscape(r.table))
	if r.filterCol != "" {
		u += fmt.Sprintf("?%s=eq.%s", url.QueryEscape(r.filterCol), url.QueryEscape(r.filterVal))
	}

	var body io.Reader
	if r.data != nil {
		payload, err := json.Marshal(r.data)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", r.table, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, u, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", r.method, err)
	}
	if r.client.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.client.apiKey)
		req.Header.Set("apikey", r.client.apiKey)
	}
	if r.data != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", r.method, r.table, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	// Truncated body is enough for classification and logs.
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(raw))}
}

// Insert applies a row creation on table with data verbatim.
func (c *RESTClient) Insert(ctx context.Context, table string, data map[string]any) error {
	return c.From(table).Insert(data).Do(ctx)
}

// Update patches the row identified by column=value with data.
func (c *RESTClient) Update(ctx context.Context, table string, data map[string]any, column, value string) error {
	return c.From(table).Update(data).Eq(column, value).Do(ctx)
}

// Delete removes the row identified by column=value.
func (c *RESTClient) Delete(ctx context.Context, table string, column, value string) error {
	return c.From(table).Delete().Eq(column, value).Do(ctx)
}
