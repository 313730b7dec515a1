package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/blacktop/cawatch/internal/engine"
)

// Client talks to a running control API.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// NewClient accepts "host:port" or a full URL.
func NewClient(addr, token string) *Client {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return &Client{
		BaseURL: strings.TrimRight(addr, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) Start(ctx context.Context, owner string, req StartRequest) (Reply, error) {
	var out Reply
	err := c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(owner)+"/start", req, &out)
	return out, err
}

func (c *Client) Stop(ctx context.Context, owner string) (Reply, error) {
	var out Reply
	err := c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(owner)+"/stop", nil, &out)
	return out, err
}

func (c *Client) Status(ctx context.Context, owner string) (engine.Status, error) {
	var out engine.Status
	err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(owner), nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRequestBodySize))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("%s (status %d)", apiErr.Error.Message, resp.StatusCode)
		}
		var reply Reply
		if json.Unmarshal(data, &reply) == nil && reply.Message != "" {
			return fmt.Errorf("%s: %s (status %d)", reply.Message, reply.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	return json.Unmarshal(data, out)
}
