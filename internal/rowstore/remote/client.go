// Package remote implements the row store client over the cartshared HTTP
// API, with subscriptions carried by Server-Sent Events.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	domainerrors "github.com/listenupapp/cartshare/internal/errors"
	"github.com/listenupapp/cartshare/internal/logger"
	"github.com/listenupapp/cartshare/internal/ratelimit"
	"github.com/listenupapp/cartshare/internal/rowstore"
)

const (
	// UserIDHeader carries the acting user on every request.
	UserIDHeader = "X-User-ID"

	// Client-side write pacing, below the server's default limit.
	defaultWriteRPS   = 10.0
	defaultWriteBurst = 20

	defaultTimeout = 30 * time.Second
)

// Client is a rowstore.Client talking to cartshared.
type Client struct {
	baseURL string
	userID  string
	http    *http.Client
	stream  *http.Client
	limiter *ratelimit.KeyedRateLimiter
	logger  *slog.Logger

	mu   sync.Mutex
	subs map[string]*subscription
}

var (
	_ rowstore.Client      = (*Client)(nil)
	_ rowstore.Conditional = (*Client)(nil)
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the client used for plain requests. Streams use a
// copy without a timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
		stream := *hc
		stream.Timeout = 0
		c.stream = &stream
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = logger.OrDiscard(l) }
}

// WithWriteLimit overrides the client-side write pacing.
func WithWriteLimit(rps float64, burst int) Option {
	return func(c *Client) {
		c.limiter.Stop()
		c.limiter = ratelimit.New(rps, burst)
	}
}

// New creates a client for the server at baseURL acting as userID.
func New(baseURL, userID string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, domainerrors.Invalidf("invalid server url %q", baseURL)
	}
	if userID == "" {
		return nil, domainerrors.Invalid("user id is required")
	}

	c := &Client{
		baseURL: strings.TrimRight(u.String(), "/"),
		userID:  userID,
		http:    &http.Client{Timeout: defaultTimeout},
		stream:  &http.Client{},
		limiter: ratelimit.New(defaultWriteRPS, defaultWriteBurst),
		logger:  logger.Discard(),
		subs:    make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// UserID returns the acting user.
func (c *Client) UserID() string {
	return c.userID
}

// Close ends every open subscription and releases the limiter.
func (c *Client) Close() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*subscription)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}
	c.limiter.Stop()
}

type rowsBody struct {
	Rows []rowstore.Row `json:"rows"`
}

type updateBody struct {
	Patch  rowstore.Row    `json:"patch"`
	Filter rowstore.Filter `json:"filter"`
}

type updatedBody struct {
	Updated int `json:"updated"`
}

// Select implements rowstore.Client.
func (c *Client) Select(ctx context.Context, collection rowstore.Collection, filter rowstore.Filter) ([]rowstore.Row, error) {
	query, err := filterValues(filter)
	if err != nil {
		return nil, err
	}

	var out rowsBody
	if err := c.do(ctx, http.MethodGet, rowsPath(collection), query, nil, &out); err != nil {
		return nil, err
	}
	return out.Rows, nil
}

// Insert implements rowstore.Client.
func (c *Client) Insert(ctx context.Context, collection rowstore.Collection, rows ...rowstore.Row) ([]rowstore.Row, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	if err := c.waitWrite(ctx); err != nil {
		return nil, err
	}

	var out rowsBody
	if err := c.do(ctx, http.MethodPost, rowsPath(collection), nil, rowsBody{Rows: rows}, &out); err != nil {
		return nil, err
	}
	return out.Rows, nil
}

// Update implements rowstore.Client.
func (c *Client) Update(ctx context.Context, collection rowstore.Collection, patch rowstore.Row, filter rowstore.Filter) error {
	_, err := c.UpdateIf(ctx, collection, patch, filter)
	return err
}

// UpdateIf implements rowstore.Conditional.
func (c *Client) UpdateIf(ctx context.Context, collection rowstore.Collection, patch rowstore.Row, filter rowstore.Filter) (int, error) {
	if err := c.waitWrite(ctx); err != nil {
		return 0, err
	}

	var out updatedBody
	body := updateBody{Patch: patch, Filter: filter}
	if err := c.do(ctx, http.MethodPatch, rowsPath(collection), nil, body, &out); err != nil {
		return 0, err
	}
	return out.Updated, nil
}

// Delete implements rowstore.Client.
func (c *Client) Delete(ctx context.Context, collection rowstore.Collection, filter rowstore.Filter) error {
	query, err := filterValues(filter)
	if err != nil {
		return err
	}
	if err := c.waitWrite(ctx); err != nil {
		return err
	}
	return c.do(ctx, http.MethodDelete, rowsPath(collection), query, nil, nil)
}

func (c *Client) waitWrite(ctx context.Context) error {
	if err := c.limiter.Wait(ctx, c.userID); err != nil {
		return domainerrors.Wrap(err, domainerrors.CodeUnavailable, "write throttled")
	}
	return nil
}

// do executes one JSON request. A nil out discards the response body.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return domainerrors.Wrap(err, domainerrors.CodeInvalid, "encode request")
		}
		body = bytes.NewReader(buf)
	}

	req, err := c.newRequest(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("row store request", "method", method, "path", path)

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return responseError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domainerrors.Wrap(err, domainerrors.CodeInternal, "decode response")
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, domainerrors.Wrap(err, domainerrors.CodeInvalid, "create request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "cartshare/1.0")
	req.Header.Set(UserIDHeader, c.userID)
	return req, nil
}

func rowsPath(collection rowstore.Collection) string {
	return "/api/v1/rows/" + url.PathEscape(string(collection))
}

func filterValues(filter rowstore.Filter) (url.Values, error) {
	if len(filter.Conditions) == 0 && filter.OrderBy == "" && filter.Limit == 0 {
		return nil, nil
	}
	raw, err := filter.MarshalQuery()
	if err != nil {
		return nil, domainerrors.Wrap(err, domainerrors.CodeInvalid, "encode filter")
	}
	return url.Values{"filter": {raw}}, nil
}

// transportError classifies a failed round trip. Cancellation keeps its
// context error as the cause.
func transportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return domainerrors.Wrap(ctxErr, domainerrors.CodeUnavailable, "request canceled")
	}
	return domainerrors.Wrap(err, domainerrors.CodeUnavailable, "server unreachable")
}

// responseError turns a non-2xx response into a domain error, trusting the
// server's code when it sent one.
func responseError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var apiErr struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Details any    `json:"details"`
	}
	code := domainerrors.FromHTTPStatus(resp.StatusCode)
	message := strings.TrimSpace(string(raw))

	if json.Unmarshal(raw, &apiErr) == nil && apiErr.Message != "" {
		message = apiErr.Message
		if known := domainerrors.Code(apiErr.Code); known.HTTPStatus() == resp.StatusCode {
			code = known
		}
	}
	if message == "" {
		message = fmt.Sprintf("server returned %d", resp.StatusCode)
	}

	return &domainerrors.Error{Code: code, Message: message, Details: apiErr.Details}
}
