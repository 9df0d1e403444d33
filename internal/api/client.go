package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ManuGH/xglive/internal/media"
	"github.com/ManuGH/xglive/internal/session"
)

// APIError is a non-success admin response.
type APIError struct {
	Status int
	Code   string
	Detail string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("admin api: %d %s: %s", e.Status, e.Code, e.Detail)
	}
	return fmt.Sprintf("admin api: %d %s", e.Status, e.Code)
}

// Client talks to a running daemon's admin surface.
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
}

func NewClient(baseURL, token string) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse admin url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("admin url %q: scheme must be http or https", baseURL)
	}
	return &Client{base: u, token: token, http: &http.Client{Timeout: 10 * time.Second}}, nil
}

func (c *Client) Sessions(ctx context.Context) ([]session.Info, error) {
	var out SessionList
	err := c.do(ctx, http.MethodGet, "/api/v1/sessions", nil, &out)
	return out.Sessions, err
}

func (c *Client) History(ctx context.Context, limit int) ([]session.Info, error) {
	q := url.Values{"history": {"true"}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out SessionList
	err := c.do(ctx, http.MethodGet, "/api/v1/sessions", q, &out)
	return out.Sessions, err
}

func (c *Client) Session(ctx context.Context, id string) (session.Info, error) {
	var out session.Info
	err := c.do(ctx, http.MethodGet, "/api/v1/sessions/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) Terminate(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/sessions/"+url.PathEscape(id), nil, nil)
}

func (c *Client) Failover(ctx context.Context, channel string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/channels/"+url.PathEscape(channel)+"/failover", nil, nil)
}

func (c *Client) IngestStatus(ctx context.Context) (map[media.Protocol]bool, error) {
	var out IngestStatus
	err := c.do(ctx, http.MethodGet, "/api/v1/ingest", nil, &out)
	return out.Listeners, err
}

func (c *Client) StartIngest(ctx context.Context, p media.Protocol) error {
	return c.do(ctx, http.MethodPost, "/api/v1/ingest/"+url.PathEscape(string(p))+"/start", nil, nil)
}

func (c *Client) StopIngest(ctx context.Context, p media.Protocol) error {
	return c.do(ctx, http.MethodPost, "/api/v1/ingest/"+url.PathEscape(string(p))+"/stop", nil, nil)
}

func (c *Client) Version(ctx context.Context) (string, error) {
	var out VersionInfo
	err := c.do(ctx, http.MethodGet, "/api/v1/version", nil, &out)
	return out.Version, err
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, out any) error {
	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("admin api %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode admin response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode, Code: http.StatusText(resp.StatusCode)}
	var body struct {
		Code   string `json:"code"`
		Detail string `json:"detail"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Code != "" {
			apiErr.Code = body.Code
		}
		apiErr.Detail = body.Detail
	}
	return apiErr
}

// IsStatus reports whether err is an admin response with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

