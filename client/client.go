// Package client talks to a DeltaKV node over its HTTP API.
package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Client connects to a DeltaKV node via HTTP.
type Client struct {
	nodeAddr string       // nodeAddr is the HTTP address (e.g. "127.0.0.1:8400")
	http     *http.Client // http sends the requests
}

// Options override the node's defaults for one operation.
// Zero values leave the node default in place.
type Options struct {
	Consistency string        // Consistency is "local", "majority", "majority+K", "all" or a replica count
	Timeout     time.Duration // Timeout is the operation deadline
	Durable     *bool         // Durable requests stable storage on writes
}

// WriteResult reports a successful write.
type WriteResult struct {
	Key      string `json:"key"`
	Acks     int    `json:"acks"`     // Acks is the number of remote acknowledgments
	Required int    `json:"required"` // Required is the number that was needed
}

// Set is the value of a grow-only set.
type Set struct {
	Key      string            `json:"key"`
	Elements []string          `json:"elements"`
	Versions map[string]uint64 `json:"versions"`
	Replies  int               `json:"replies"` // Replies is the number of remote replicas merged
}

// Counter is the value of a grow-only counter.
type Counter struct {
	Key      string            `json:"key"`
	Value    uint64            `json:"value"`
	Versions map[string]uint64 `json:"versions"`
	Replies  int               `json:"replies"`
}

// Status describes a node's view of its cluster.
type Status struct {
	Self        string   `json:"self"`
	Members     []string `json:"members"`
	Reachable   []string `json:"reachable"`
	Unreachable []string `json:"unreachable"`
}

// NewClient creates a client for the node at nodeAddr.
func NewClient(nodeAddr string) *Client {
	return &Client{
		nodeAddr: nodeAddr,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

// Health checks that the node answers.
func (c *Client) Health(ctx context.Context) error {
	return c.httpGet(ctx, c.url("/health", nil), nil)
}

// Status returns the node's membership view.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var st Status
	if err := c.httpGet(ctx, c.url("/status", nil), &st); err != nil {
		return nil, fmt.Errorf("status:\n%w", err)
	}

	return &st, nil
}

// AddToSet adds elems to the set at key.
func (c *Client) AddToSet(ctx context.Context, key string, elems []string, opts Options) (*WriteResult, error) {
	body := opts.body()
	body["elements"] = elems

	var res WriteResult
	if err := c.httpPostJSON(ctx, c.url("/sets/"+url.PathEscape(key), nil), body, &res); err != nil {
		return nil, fmt.Errorf("add to set %s:\n%w", key, err)
	}

	return &res, nil
}

// GetSet reads the set at key. A missing key matches ErrNotFound.
func (c *Client) GetSet(ctx context.Context, key string, opts Options) (*Set, error) {
	var set Set
	if err := c.httpGet(ctx, c.url("/sets/"+url.PathEscape(key), opts.query()), &set); err != nil {
		return nil, fmt.Errorf("get set %s:\n%w", key, err)
	}

	return &set, nil
}

// Increment adds amount to the counter at key.
func (c *Client) Increment(ctx context.Context, key string, amount uint64, opts Options) (*WriteResult, error) {
	body := opts.body()
	body["amount"] = amount

	var res WriteResult
	if err := c.httpPostJSON(ctx, c.url("/counters/"+url.PathEscape(key), nil), body, &res); err != nil {
		return nil, fmt.Errorf("increment %s:\n%w", key, err)
	}

	return &res, nil
}

// GetCounter reads the counter at key. A missing key matches ErrNotFound.
func (c *Client) GetCounter(ctx context.Context, key string, opts Options) (*Counter, error) {
	var counter Counter
	if err := c.httpGet(ctx, c.url("/counters/"+url.PathEscape(key), opts.query()), &counter); err != nil {
		return nil, fmt.Errorf("get counter %s:\n%w", key, err)
	}

	return &counter, nil
}

// url builds a request URL for path on the node.
func (c *Client) url(path string, q url.Values) string {
	u := "http://" + c.nodeAddr + path

	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	return u
}

// body returns the write request fields set in o.
func (o Options) body() map[string]any {
	body := make(map[string]any, 4)

	if o.Consistency != "" {
		body["consistency"] = o.Consistency
	}

	if o.Timeout > 0 {
		body["timeout"] = o.Timeout.String()
	}

	if o.Durable != nil {
		body["durable"] = *o.Durable
	}

	return body
}

// query returns the read query parameters set in o.
func (o Options) query() url.Values {
	q := url.Values{}

	if o.Consistency != "" {
		q.Set("consistency", o.Consistency)
	}

	if o.Timeout > 0 {
		q.Set("timeout", o.Timeout.String())
	}

	return q
}
