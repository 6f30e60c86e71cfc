// Package httpapi is the request capability of a chat session: JSON and multipart
// requests against the REST API with bearer authentication and a single
// token-refresh retry.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/codefionn/winichat/internal/logger"
)

const maxBodySize = 16 << 20

// HTTPClient interface for making HTTP requests (allows mocking in tests)
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// TokenSource provides and renews the session's access token.
type TokenSource interface {
	AccessToken() string
	// RefreshToken renews the access token after the server rejected the token
	// rejected. It may skip the refresh when it already holds a newer token.
	RefreshToken(ctx context.Context, rejected string) error
	// Logout drops the session. It is called when authentication cannot be recovered.
	Logout()
}

// FormFile is one file of a multipart request.
type FormFile struct {
	Field   string
	Name    string
	Content []byte
}

// Form is a multipart/form-data body.
type Form struct {
	Fields map[string]string
	Files  []FormFile
}

// Request describes one API call. Path is resolved against the client's base URL;
// absolute URLs are used as they are.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	// Body is encoded as JSON. It is ignored when Form is set.
	Body   any
	Form   *Form
	Header http.Header
}

// Response is a successful API response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if v == nil || len(r.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Client sends API requests.
type Client struct {
	BaseURL string
	// Timeout bounds every attempt of a request.
	Timeout time.Duration
	// Tokens authenticates requests. Nil sends anonymous requests without retries.
	Tokens TokenSource
	HTTP   HTTPClient
	Log    *logger.Logger
}

// New creates a client for baseURL.
func New(baseURL string, timeout time.Duration, tokens TokenSource) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: timeout,
		Tokens:  tokens,
		HTTP:    &http.Client{},
		Log:     logger.Global().WithPrefix("http"),
	}
}

// Anonymous returns a copy of c that sends no credentials.
func (c *Client) Anonymous() *Client {
	cp := *c
	cp.Tokens = nil
	return &cp
}

// Do sends req. A token_not_valid error triggers one token refresh and a single
// retry; user_not_found logs the session out.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	var used string
	if c.Tokens != nil {
		used = c.Tokens.AccessToken()
	}
	resp, err := c.send(ctx, req)
	if err == nil || c.Tokens == nil {
		return resp, err
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return nil, err
	}

	switch apiErr.Code {
	case CodeTokenNotValid:
		c.log().Debug("access token rejected, refreshing")
		if rerr := c.Tokens.RefreshToken(ctx, used); rerr != nil {
			c.log().Warn("token refresh failed: %v", rerr)
			c.Tokens.Logout()
			return nil, fmt.Errorf("%w: %w", ErrUnauthorized, apiErr)
		}
		return c.send(ctx, req)
	case CodeUserNotFound:
		c.Tokens.Logout()
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, apiErr)
	}
	return nil, err
}

func (c *Client) send(ctx context.Context, req Request) (*Response, error) {
	target, err := c.resolve(req.Path, req.Query)
	if err != nil {
		return nil, err
	}

	body, contentType, err := encodeBody(req)
	if err != nil {
		return nil, err
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if c.Tokens != nil {
		if token := c.Tokens.AccessToken(); token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	c.log().Debug("%s %s", method, target)
	httpResp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode >= 400 {
		apiErr := parseAPIError(httpResp.StatusCode, data)
		c.log().Debug("%s %s failed: %v", method, target, apiErr)
		return nil, apiErr
	}

	return &Response{Status: httpResp.StatusCode, Header: httpResp.Header, Body: data}, nil
}

func (c *Client) resolve(path string, query url.Values) (string, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("parse path %q: %w", path, err)
	}
	u := ref
	if !ref.IsAbs() && c.BaseURL != "" {
		base, err := url.Parse(c.BaseURL)
		if err != nil {
			return "", fmt.Errorf("parse base url: %w", err)
		}
		u = base.ResolveReference(ref)
	}
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			q[k] = vs
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func encodeBody(req Request) (io.Reader, string, error) {
	if req.Form != nil {
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		for k, v := range req.Form.Fields {
			if err := w.WriteField(k, v); err != nil {
				return nil, "", fmt.Errorf("write form field %s: %w", k, err)
			}
		}
		for _, f := range req.Form.Files {
			field := f.Field
			if field == "" {
				field = "files"
			}
			part, err := w.CreateFormFile(field, f.Name)
			if err != nil {
				return nil, "", fmt.Errorf("create form file %s: %w", f.Name, err)
			}
			if _, err := part.Write(f.Content); err != nil {
				return nil, "", fmt.Errorf("write form file %s: %w", f.Name, err)
			}
		}
		if err := w.Close(); err != nil {
			return nil, "", err
		}
		return &buf, w.FormDataContentType(), nil
	}
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, "", fmt.Errorf("encode request body: %w", err)
		}
		return bytes.NewReader(data), "application/json", nil
	}
	return nil, "", nil
}

func (c *Client) httpClient() HTTPClient {
	if c.HTTP == nil {
		return http.DefaultClient
	}
	return c.HTTP
}

func (c *Client) log() *logger.Logger {
	if c.Log == nil {
		return logger.Global()
	}
	return c.Log
}

func (c *Client) call(ctx context.Context, req Request, out any) error {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	return resp.Decode(out)
}

// Get fetches path and decodes the JSON response into out.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.call(ctx, Request{Method: http.MethodGet, Path: path}, out)
}

// GetURL fetches a server-supplied absolute link, such as a page's next URL.
func (c *Client) GetURL(ctx context.Context, link string, out any) error {
	u, err := url.Parse(link)
	if err != nil {
		return fmt.Errorf("parse link %q: %w", link, err)
	}
	if !u.IsAbs() {
		return fmt.Errorf("link %q is not absolute", link)
	}
	return c.Get(ctx, link, out)
}

// Post sends body as JSON.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.call(ctx, Request{Method: http.MethodPost, Path: path, Body: body}, out)
}

// Patch sends body as JSON.
func (c *Client) Patch(ctx context.Context, path string, body, out any) error {
	return c.call(ctx, Request{Method: http.MethodPatch, Path: path, Body: body}, out)
}

// Put sends body as JSON.
func (c *Client) Put(ctx context.Context, path string, body, out any) error {
	return c.call(ctx, Request{Method: http.MethodPut, Path: path, Body: body}, out)
}

// Delete deletes path.
func (c *Client) Delete(ctx context.Context, path string) error {
	return c.call(ctx, Request{Method: http.MethodDelete, Path: path}, nil)
}

// PostForm sends form as multipart/form-data.
func (c *Client) PostForm(ctx context.Context, path string, form *Form, out any) error {
	return c.call(ctx, Request{Method: http.MethodPost, Path: path, Form: form}, out)
}

// StripPrefix turns a server link into a path relative to the API root by dropping
// everything up to and including prefix. The query string is kept.
func StripPrefix(link, prefix string) string {
	u, err := url.Parse(link)
	if err != nil {
		return link
	}
	p := u.Path
	if prefix != "" {
		if idx := strings.Index(p, prefix); idx >= 0 {
			p = p[idx+len(prefix):]
		}
	}
	if u.RawQuery != "" {
		return p + "?" + u.RawQuery
	}
	return p
}
