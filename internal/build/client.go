package build

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type requestIDKey struct{}

// WithRequestID attaches a correlation id sent as X-Request-ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the correlation id attached to ctx, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// ResponseError is returned for HTTP status codes of 400 and above.
type ResponseError struct {
	Code    int
	Message string
}

func NewResponseError(c int, m string) *ResponseError {
	return &ResponseError{Code: c, Message: m}
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

// Client talks to the remote build service.
type Client struct {
	httpClient HTTPClient
	baseURL    string
}

func NewClient(httpClient HTTPClient, baseURL string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
	}
}

// RequestBuild submits a build job.
func (c *Client) RequestBuild(ctx context.Context, r Request) (Response, error) {
	u, err := url.JoinPath(c.baseURL, "api", "builds")
	if err != nil {
		return Response{}, err
	}
	body, err := json.Marshal(r)
	if err != nil {
		return Response{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	var res Response
	if err := c.doJSON(req, &res); err != nil {
		return Response{}, err
	}
	return res, nil
}

// Status polls the status of a submitted job.
func (c *Client) Status(ctx context.Context, key string) (Status, error) {
	u, err := url.JoinPath(c.baseURL, "api", "builds", key, "status")
	if err != nil {
		return Status{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Status{}, err
	}
	var st Status
	if err := c.doJSON(req, &st); err != nil {
		return Status{}, err
	}
	return st, nil
}

// LogURL returns where the build log for a job can be read.
func (c *Client) LogURL(key string) string {
	u, err := url.JoinPath(c.baseURL, "api", "builds", key, "log")
	if err != nil {
		return ""
	}
	return u
}

// Download fetches artifact bytes. Relative locations resolve against the
// service base URL.
func (c *Client) Download(ctx context.Context, location string) ([]byte, error) {
	u, err := c.resolve(location)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	res, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	return io.ReadAll(res.Body)
}

func (c *Client) resolve(location string) (string, error) {
	loc, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	if loc.IsAbs() {
		return location, nil
	}
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(loc).String(), nil
}

func (c *Client) doJSON(req *http.Request, dest any) error {
	req.Header.Set("Accept", "application/json")
	res, err := c.do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	return json.NewDecoder(res.Body).Decode(dest)
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	if id := RequestID(req.Context()); id != "" {
		req.Header.Set("X-Request-ID", id)
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if res.StatusCode >= 400 {
		defer res.Body.Close()
		b, err := io.ReadAll(res.Body)
		if err != nil || len(b) == 0 {
			return nil, NewResponseError(res.StatusCode, res.Status)
		}
		return nil, NewResponseError(res.StatusCode, string(b))
	}
	return res, nil
}
