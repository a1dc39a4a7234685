// Package api is the HTTP collaborator behind the session, queue and cache:
// it talks to the blog backend's auth endpoints, replays queued actions and
// reads content, classifying every failure into the apperr taxonomy.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pders01/quill/internal/apperr"
	"github.com/pders01/quill/internal/config"
	"github.com/pders01/quill/internal/validation"
)

const maxBodyBytes = 4 << 20

type Client struct {
	baseURL   string
	client    *http.Client
	userAgent string
	feedPath  string
	routes    Routes
}

func NewClient(cfg config.APIConfig) (*Client, error) {
	validator := validation.NewEndpointValidator()
	if cfg.AllowLocal {
		validator = validation.NewPermissiveEndpointValidator()
	}
	baseURL, err := validator.ValidateAndNormalize(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API base URL: %w", err)
	}

	routes, err := DefaultRoutes()
	if err != nil {
		return nil, err
	}

	return &Client{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: cfg.HTTPTimeout,
		},
		userAgent: cfg.UserAgent,
		feedPath:  cfg.FeedPath,
		routes:    routes,
	}, nil
}

// Routes returns the action route table.
func (c *Client) Routes() Routes {
	return c.routes
}

func (c *Client) Login(ctx context.Context, creds Credentials) (*LoginResponse, error) {
	var out LoginResponse
	if err := c.doJSON(ctx, "login", http.MethodPost, "/auth/login", "", creds, &out); err != nil {
		return nil, err
	}
	if out.AccessToken.Token == "" || out.RefreshToken.Token == "" {
		return nil, apperr.Network("login", fmt.Errorf("response is missing tokens"))
	}
	return &out, nil
}

func (c *Client) Refresh(ctx context.Context, refreshToken string) (*RefreshResponse, error) {
	var out RefreshResponse
	body := map[string]string{"refreshToken": refreshToken}
	if err := c.doJSON(ctx, "refresh", http.MethodPost, "/auth/refresh", "", body, &out); err != nil {
		return nil, err
	}
	if out.AccessToken.Token == "" {
		return nil, apperr.Network("refresh", fmt.Errorf("response is missing the access token"))
	}
	return &out, nil
}

func (c *Client) Logout(ctx context.Context, accessToken string) error {
	return c.doJSON(ctx, "logout", http.MethodPost, "/auth/logout", accessToken, nil, nil)
}

// Dispatch sends one queued action. The idempotency key travels as a header
// so the server can deduplicate replays.
func (c *Client) Dispatch(ctx context.Context, accessToken string, req DispatchRequest) (*Response, error) {
	method, path, err := c.routes.Resolve(req.Kind, req.Resource)
	if err != nil {
		return nil, apperr.Validation("dispatch "+req.Kind, err)
	}

	var body io.Reader
	if len(req.Payload) > 0 && method != http.MethodGet && method != http.MethodDelete {
		body = bytes.NewReader(req.Payload)
	}

	httpReq, err := c.newRequest(ctx, method, path, accessToken, body)
	if err != nil {
		return nil, apperr.Validation("dispatch "+req.Kind, err)
	}
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	status, data, err := c.do(httpReq, "dispatch "+req.Kind)
	if err != nil {
		return nil, err
	}
	return &Response{Status: status, Body: data}, nil
}

// Get reads a content resource such as /blogs/42.
func (c *Client) Get(ctx context.Context, accessToken, path string) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, accessToken, nil)
	if err != nil {
		return nil, apperr.Validation("get "+path, err)
	}
	_, data, err := c.do(req, "get "+path)
	return data, err
}

// FetchFeed returns the blog's published RSS/Atom document.
func (c *Client) FetchFeed(ctx context.Context) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.feedPath, "", nil)
	if err != nil {
		return nil, apperr.Validation("feed", err)
	}
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml")
	_, data, err := c.do(req, "feed")
	return data, err
}

func (c *Client) doJSON(ctx context.Context, op, method, path, accessToken string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return apperr.Validation(op, fmt.Errorf("encoding request: %w", err))
		}
		body = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, path, accessToken, body)
	if err != nil {
		return apperr.Validation(op, err)
	}

	_, data, err := c.do(req, op)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperr.Network(op, fmt.Errorf("decoding response: %w", err))
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path, accessToken string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, op string) (int, []byte, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		// transport failures and timeouts are retryable
		return 0, nil, apperr.Network(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, apperr.Network(op, fmt.Errorf("reading response: %w", err))
	}

	if resp.StatusCode >= 400 {
		return resp.StatusCode, nil, classify(op, resp.StatusCode, data)
	}
	return resp.StatusCode, data, nil
}

// classify maps an HTTP failure status to an error kind. The auth endpoints
// get their own meaning for 4xx replies.
func classify(op string, status int, body []byte) error {
	cause := fmt.Errorf("HTTP %d%s", status, serverMessage(body))

	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return apperr.Network(op, cause)
	}

	switch op {
	case "login":
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			return apperr.New(apperr.KindInvalidCredentials, op, cause)
		}
	case "refresh":
		if status == http.StatusBadRequest || status == http.StatusUnauthorized || status == http.StatusForbidden {
			return apperr.New(apperr.KindRefreshInvalid, op, cause)
		}
	}

	if status == http.StatusUnauthorized {
		return apperr.Auth(op, cause)
	}
	return apperr.Validation(op, cause)
}

func serverMessage(body []byte) string {
	var eb errorBody
	if json.Unmarshal(body, &eb) != nil {
		return ""
	}
	msg := strings.TrimSpace(eb.Message)
	if msg == "" {
		msg = strings.TrimSpace(eb.Error)
	}
	if msg == "" {
		return ""
	}
	return ": " + msg
}
