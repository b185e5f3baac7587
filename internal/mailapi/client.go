package mailapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/apertura-studio/studiomail/internal/mail"
)

const defaultTimeout = 30 * time.Second

// retryDelays is the fixed escalating backoff between attempts. One
// initial attempt plus one retry per delay, then the failure is
// terminal.
var retryDelays = []time.Duration{1 * time.Second, 3 * time.Second, 3 * time.Second}

// Client implements API against the studio mail REST endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	delays     []time.Duration
	limiter    *rate.Limiter
	now        func() time.Time
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithRateLimiter throttles outbound requests. qps <= 0 disables
// throttling.
func WithRateLimiter(qps float64) ClientOption {
	return func(c *Client) {
		if qps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(qps), 1)
		}
	}
}

// WithRetryDelays overrides the backoff sequence. Tests use this to
// avoid real sleeps.
func WithRetryDelays(delays []time.Duration) ClientOption {
	return func(c *Client) {
		c.delays = delays
	}
}

// NewClient creates a client for the given base URL. tokenSource
// supplies the bearer token for every request; pass nil for
// unauthenticated access (local development).
func NewClient(baseURL string, tokenSource oauth2.TokenSource, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		logger:  slog.Default(),
		delays:  retryDelays,
		now:     time.Now,
	}

	if tokenSource != nil {
		c.httpClient = oauth2.NewClient(context.Background(), tokenSource)
	} else {
		c.httpClient = &http.Client{Timeout: defaultTimeout}
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close releases resources held by the client.
func (c *Client) Close() error {
	return nil
}

// httpResult carries one response through the retry loop.
type httpResult struct {
	status int
	body   []byte
	header http.Header
}

// request makes an HTTP request with the bounded retry policy: network
// errors, 429, and 5xx are retried with the fixed delay sequence;
// anything else is returned as-is. bodyBytes can be nil.
func (c *Client) request(ctx context.Context, method, path string, headers map[string]string, bodyBytes []byte) (*httpResult, error) {
	reqURL := c.baseURL + path

	var lastErr error
	for attempt := 0; attempt <= len(c.delays); attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		if attempt > 0 {
			delay := c.delays[attempt-1]
			c.logger.Debug("retrying request", "attempt", attempt, "delay", delay, "path", path)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		var body io.Reader
		if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}

		req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range headers {
			if v != "" {
				req.Header.Set(k, v)
			}
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("http request: %w", err)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests,
			resp.StatusCode >= 500:
			lastErr = fmt.Errorf("server error (%d)", resp.StatusCode)
			// Keep the last response around so callers can inspect the
			// body once retries are exhausted (index-failure detection).
			if attempt == len(c.delays) {
				return &httpResult{status: resp.StatusCode, body: respBody, header: resp.Header}, nil
			}
			continue
		default:
			return &httpResult{status: resp.StatusCode, body: respBody, header: resp.Header}, nil
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// listResponse is the wire shape of GET /mail/{folder}.
type listResponse struct {
	Success   bool              `json:"success"`
	Emails    []json.RawMessage `json:"emails"`
	Count     int               `json:"count"`
	NextToken string            `json:"nextToken"`
	Error     string            `json:"error"`
}

// FetchFolder returns one page of the folder, preferring the server's
// indexed query path. When that path reports an index failure the
// client transparently falls back to an unindexed full-mailbox scan
// filtered, ordered, and truncated client-side — callers cannot
// observe which path served the request.
func (c *Client) FetchFolder(ctx context.Context, accountID string, folder mail.Folder, limit int, nextToken string, validators *Validators) FetchResult {
	if limit <= 0 {
		limit = 50
	}

	params := url.Values{}
	params.Set("accountId", accountID)
	params.Set("limit", strconv.Itoa(limit))
	if nextToken != "" {
		params.Set("nextToken", nextToken)
	}

	headers := map[string]string{}
	if validators != nil {
		headers["If-None-Match"] = validators.ETag
		headers["If-Modified-Since"] = validators.LastModified
	}

	requestedAt := c.now()
	path := fmt.Sprintf("/mail/%s?%s", url.PathEscape(string(folder)), params.Encode())
	res, err := c.request(ctx, http.MethodGet, path, headers, nil)
	if err != nil {
		return Failed{Kind: ErrKindNetwork, Message: err.Error()}
	}

	switch {
	case res.status == http.StatusNotModified:
		etag := res.header.Get("ETag")
		lastModified := res.header.Get("Last-Modified")
		if validators != nil {
			if etag == "" {
				etag = validators.ETag
			}
			if lastModified == "" {
				lastModified = validators.LastModified
			}
		}
		return Unmodified{ETag: etag, LastModified: lastModified}

	case res.status == http.StatusOK:
		var list listResponse
		if err := json.Unmarshal(res.body, &list); err != nil {
			return Failed{Kind: ErrKindDecode, Message: fmt.Sprintf("parse folder response: %v", err)}
		}
		if !list.Success {
			if isIndexError(list.Error) {
				c.logger.Warn("indexed folder query failed, falling back to full scan",
					"folder", folder, "error", list.Error)
				return c.fallbackScan(ctx, accountID, folder, limit, requestedAt)
			}
			return Failed{Kind: ErrKindRejected, Message: list.Error}
		}

		records, dropped := c.normalizePage(accountID, folder, list.Emails)
		return Updated{
			Records:      records,
			NextToken:    list.NextToken,
			ETag:         res.header.Get("ETag"),
			LastModified: res.header.Get("Last-Modified"),
			RequestedAt:  requestedAt,
			Dropped:      dropped,
		}

	case isIndexError(string(res.body)):
		c.logger.Warn("indexed folder query failed, falling back to full scan",
			"folder", folder, "status", res.status)
		return c.fallbackScan(ctx, accountID, folder, limit, requestedAt)

	default:
		return Failed{
			Kind:    ErrKindHTTP,
			Message: fmt.Sprintf("request failed (%d): %s", res.status, truncateBody(res.body)),
		}
	}
}

// fallbackScan fetches every record for the account and reproduces the
// indexed path's contract client-side: filter by (accountId, folder),
// sort by timestamp descending (missing timestamps as 0), truncate to
// limit. Virtual folders filter by flag, like the store does.
func (c *Client) fallbackScan(ctx context.Context, accountID string, folder mail.Folder, limit int, requestedAt time.Time) FetchResult {
	var raws []json.RawMessage
	var lastHeader http.Header
	nextToken := ""

	for {
		params := url.Values{}
		params.Set("accountId", accountID)
		if nextToken != "" {
			params.Set("nextToken", nextToken)
		}

		res, err := c.request(ctx, http.MethodGet, "/mail/all?"+params.Encode(), nil, nil)
		if err != nil {
			return Failed{Kind: ErrKindNetwork, Message: err.Error()}
		}
		if res.status != http.StatusOK {
			return Failed{
				Kind:    ErrKindHTTP,
				Message: fmt.Sprintf("fallback scan failed (%d): %s", res.status, truncateBody(res.body)),
			}
		}

		var list listResponse
		if err := json.Unmarshal(res.body, &list); err != nil {
			return Failed{Kind: ErrKindDecode, Message: fmt.Sprintf("parse scan response: %v", err)}
		}
		if !list.Success {
			return Failed{Kind: ErrKindRejected, Message: list.Error}
		}

		raws = append(raws, list.Emails...)
		lastHeader = res.header
		nextToken = list.NextToken
		if nextToken == "" {
			break
		}
	}

	filtered := raws[:0:0]
	for _, raw := range raws {
		if acct := mail.TransportString(raw, "accountId"); acct != "" && acct != accountID {
			continue
		}
		switch folder {
		case mail.FolderStarred:
			if !mail.TransportBool(raw, "starred") {
				continue
			}
		case mail.FolderArchived:
			if !mail.TransportBool(raw, "archived") {
				continue
			}
		default:
			if mail.Folder(mail.TransportString(raw, "folder")) != folder {
				continue
			}
		}
		filtered = append(filtered, raw)
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		return mail.TransportTimestamp(filtered[i]) > mail.TransportTimestamp(filtered[j])
	})
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}

	records, dropped := c.normalizePage(accountID, folder, filtered)
	return Updated{
		Records:      records,
		ETag:         lastHeader.Get("ETag"),
		LastModified: lastHeader.Get("Last-Modified"),
		RequestedAt:  requestedAt,
		Dropped:      dropped,
	}
}

// normalizePage resolves transport records, dropping malformed entries
// (missing emailId) without failing the batch.
func (c *Client) normalizePage(accountID string, folder mail.Folder, raws []json.RawMessage) ([]*mail.EmailRecord, int) {
	records := make([]*mail.EmailRecord, 0, len(raws))
	dropped := 0
	for _, raw := range raws {
		rec, err := mail.NormalizeRecord(raw, accountID, folder, c.now)
		if err != nil {
			c.logger.Warn("dropping malformed record", "folder", folder, "error", err)
			dropped++
			continue
		}
		records = append(records, rec)
	}
	return records, dropped
}

// manageRequest is the wire shape of POST /mail/manage.
type manageRequest struct {
	AccountID string `json:"accountId"`
	EmailID   string `json:"emailId"`
	Action    string `json:"action"`
	Folder    string `json:"folder,omitempty"`
}

// statusResponse is the wire shape of mutation responses.
type statusResponse struct {
	Success bool   `json:"success"`
	EmailID string `json:"emailId"`
	Error   string `json:"error"`
}

// ManageMail applies a flag or move action to one email.
func (c *Client) ManageMail(ctx context.Context, accountID, emailID, action string, target mail.Folder) error {
	body, err := json.Marshal(manageRequest{
		AccountID: accountID,
		EmailID:   emailID,
		Action:    action,
		Folder:    string(target),
	})
	if err != nil {
		return fmt.Errorf("marshal manage request: %w", err)
	}

	return c.postExpectSuccess(ctx, "/mail/manage", body)
}

// DeleteMail removes one email remotely.
func (c *Client) DeleteMail(ctx context.Context, accountID, emailID string) error {
	params := url.Values{}
	params.Set("accountId", accountID)
	path := fmt.Sprintf("/mail/%s?%s", url.PathEscape(emailID), params.Encode())

	res, err := c.request(ctx, http.MethodDelete, path, nil, nil)
	if err != nil {
		return err
	}
	if res.status < 200 || res.status >= 300 {
		return fmt.Errorf("delete failed (%d): %s", res.status, truncateBody(res.body))
	}
	return nil
}

// SendMail submits a message for delivery and returns its emailId.
func (c *Client) SendMail(ctx context.Context, accountID string, msg *OutgoingMessage) (string, error) {
	return c.compose(ctx, "/mail/send", accountID, msg)
}

// SaveDraft stores a draft and returns its emailId.
func (c *Client) SaveDraft(ctx context.Context, accountID string, msg *OutgoingMessage) (string, error) {
	return c.compose(ctx, "/mail/draft", accountID, msg)
}

func (c *Client) compose(ctx context.Context, path, accountID string, msg *OutgoingMessage) (string, error) {
	out := *msg
	if out.EmailID == "" {
		out.EmailID = uuid.NewString()
	}

	payload := struct {
		AccountID string `json:"accountId"`
		OutgoingMessage
	}{AccountID: accountID, OutgoingMessage: out}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}

	res, err := c.request(ctx, http.MethodPost, path, nil, body)
	if err != nil {
		return "", err
	}
	if res.status < 200 || res.status >= 300 {
		return "", fmt.Errorf("compose failed (%d): %s", res.status, truncateBody(res.body))
	}

	var status statusResponse
	if err := json.Unmarshal(res.body, &status); err != nil {
		return "", fmt.Errorf("parse compose response: %w", err)
	}
	if !status.Success {
		return "", fmt.Errorf("compose rejected: %s", status.Error)
	}
	if status.EmailID != "" {
		return status.EmailID, nil
	}
	return out.EmailID, nil
}

func (c *Client) postExpectSuccess(ctx context.Context, path string, body []byte) error {
	res, err := c.request(ctx, http.MethodPost, path, nil, body)
	if err != nil {
		return err
	}
	if res.status < 200 || res.status >= 300 {
		return fmt.Errorf("request failed (%d): %s", res.status, truncateBody(res.body))
	}

	var status statusResponse
	if err := json.Unmarshal(res.body, &status); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	if !status.Success {
		return fmt.Errorf("rejected: %s", status.Error)
	}
	return nil
}

// isIndexError checks whether an error payload indicates the server's
// folder-index query path failed, which triggers the fallback scan.
func isIndexError(s string) bool {
	return bytes.Contains([]byte(s), []byte("index")) ||
		bytes.Contains([]byte(s), []byte("Index")) ||
		bytes.Contains([]byte(s), []byte("ValidationException"))
}

func truncateBody(body []byte) string {
	const max = 200
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}

// Ensure Client implements the API interface.
var _ API = (*Client)(nil)
