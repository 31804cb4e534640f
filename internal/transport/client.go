// Package transport carries viewer requests to the tool server: plain HTTP for
// request/response exchanges and a WebSocket push channel for results of
// long-running tools.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tissuemaps/tmviewer/pkg/wire"
)

// Error is the normalized form of every transport failure.
type Error struct {
	StatusCode int    // 0 when the request never produced a response
	Message    string // human readable message, taken from the {message} body when present
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// AsError returns err as a *Error, wrapping foreign errors.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	return &Error{Message: err.Error()}
}

// Client talks to the tool server REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a client for the server rooted at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid server URL %q: scheme must be http or https", baseURL)
	}
	c := &Client{
		baseURL:    u,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the server root.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

func (c *Client) resolve(p string, query url.Values) string {
	u := *c.baseURL
	u.Path = path.Join(u.Path, p)
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *Client) do(ctx context.Context, method, target string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, &Error{Message: "failed to encode request: " + err.Error()}
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, &Error{Message: "failed to create request: " + err.Error()}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Message: "request failed: " + err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{StatusCode: resp.StatusCode, Message: "failed to read response body: " + err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(data))
		if m := gjson.GetBytes(data, "message"); m.Exists() && m.String() != "" {
			msg = m.String()
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &Error{StatusCode: resp.StatusCode, Message: msg}
	}
	return data, nil
}

// data extracts the "data" member of a response envelope.
func data(body []byte) (json.RawMessage, error) {
	if !gjson.ValidBytes(body) {
		return nil, &Error{Message: "malformed response: invalid JSON"}
	}
	d := gjson.GetBytes(body, "data")
	if !d.Exists() {
		return nil, &Error{Message: "malformed response: missing data"}
	}
	return json.RawMessage(d.Raw), nil
}

func (c *Client) getData(ctx context.Context, p string, out any) error {
	body, err := c.do(ctx, http.MethodGet, c.resolve(p, nil), nil)
	if err != nil {
		return err
	}
	raw, err := data(body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{Message: "malformed response: " + err.Error()}
	}
	return nil
}

// SendToolRequest posts a tool request and returns the raw "data" member of the reply.
func (c *Client) SendToolRequest(ctx context.Context, req wire.ToolRequest) (json.RawMessage, error) {
	p := fmt.Sprintf("/tools/%s/instances/%s/request", url.PathEscape(req.ToolName), url.PathEscape(req.SessionUUID))
	body, err := c.do(ctx, http.MethodPost, c.resolve(p, nil), req)
	if err != nil {
		return nil, err
	}
	return data(body)
}

// ListTools returns the descriptors of all tools the server offers.
func (c *Client) ListTools(ctx context.Context) ([]wire.ToolDescriptor, error) {
	var tools []wire.ToolDescriptor
	if err := c.getData(ctx, "/api/tools", &tools); err != nil {
		return nil, err
	}
	return tools, nil
}

// Experiment returns the metadata of one experiment.
func (c *Client) Experiment(ctx context.Context, experimentID string) (*wire.ExperimentInfo, error) {
	var info wire.ExperimentInfo
	if err := c.getData(ctx, "/api/experiments/"+url.PathEscape(experimentID), &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ToolResults returns all stored results of an experiment.
func (c *Client) ToolResults(ctx context.Context, experimentID string) ([]wire.SerializedToolResult, error) {
	var results []wire.SerializedToolResult
	p := fmt.Sprintf("/api/experiments/%s/tools/results", url.PathEscape(experimentID))
	if err := c.getData(ctx, p, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// DeleteToolResult removes a stored result.
func (c *Client) DeleteToolResult(ctx context.Context, experimentID, resultID string) error {
	p := fmt.Sprintf("/api/experiments/%s/tools/results/%s", url.PathEscape(experimentID), url.PathEscape(resultID))
	_, err := c.do(ctx, http.MethodDelete, c.resolve(p, nil), nil)
	return err
}

// MapObject returns the location of a single object.
func (c *Client) MapObject(ctx context.Context, experimentID, mapobjectType string, id int64) (*wire.MapObjectInfo, error) {
	var info wire.MapObjectInfo
	p := fmt.Sprintf("/api/experiments/%s/mapobjects/%s/%d", url.PathEscape(experimentID), url.PathEscape(mapobjectType), id)
	if err := c.getData(ctx, p, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// FetchTile loads a vector tile. tileURL is an already substituted, server-relative URL.
func (c *Client) FetchTile(ctx context.Context, tileURL string) (*wire.FeatureCollection, error) {
	rel, err := url.Parse(tileURL)
	if err != nil {
		return nil, &Error{Message: "invalid tile URL: " + err.Error()}
	}
	body, err := c.do(ctx, http.MethodGet, c.baseURL.ResolveReference(rel).String(), nil)
	if err != nil {
		return nil, err
	}
	var fc wire.FeatureCollection
	if err := json.Unmarshal(body, &fc); err != nil {
		return nil, &Error{Message: "malformed tile: " + err.Error()}
	}
	return &fc, nil
}

// PushURL derives the WebSocket endpoint from the server URL.
func (c *Client) PushURL() string {
	u := *c.baseURL
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = path.Join(u.Path, "/ws")
	u.RawQuery = ""
	return u.String()
}

// StatusText is a small helper for callers that log transport errors.
func StatusText(err error) string {
	te := AsError(err)
	if te == nil {
		return ""
	}
	if te.StatusCode == 0 {
		return te.Message
	}
	return strconv.Itoa(te.StatusCode) + " " + te.Message
}
