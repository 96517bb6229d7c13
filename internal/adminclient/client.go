// Package adminclient talks to the mirrorsync HTTP API.
package adminclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/mirrorsync/internal/mirror"
)

type HTTPError struct {
	StatusCode    int
	Code          string
	Message       string
	CorrelationID string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

type Options struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	// MaxRetries defaults to 3; a negative value disables retries.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Logger receives retry and request traces; nil discards them.
	Logger *zerolog.Logger
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	log        zerolog.Logger
}

func New(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		// full syncs run inline in the admin request
		httpClient = &http.Client{Timeout: 10 * time.Minute}
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	} else if maxRetries == 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		log:        logger,
	}
}

func (c *Client) TriggerSync(ctx context.Context, source string) (mirror.AdminResult, error) {
	var out mirror.AdminResult
	err := c.doJSON(ctx, http.MethodPost, "/v1/admin/sync"+sourceQuery(source), nil, &out)
	return out, err
}

func (c *Client) ForceResync(ctx context.Context, source string) (mirror.AdminResult, error) {
	var out mirror.AdminResult
	err := c.doJSON(ctx, http.MethodPost, "/v1/admin/resync"+sourceQuery(source), nil, &out)
	return out, err
}

func (c *Client) CaptureSnapshot(ctx context.Context) (mirror.SnapshotResult, error) {
	var out mirror.SnapshotResult
	err := c.doJSON(ctx, http.MethodPost, "/v1/admin/snapshot", nil, &out)
	return out, err
}

func (c *Client) PendingWritebacks(ctx context.Context) ([]mirror.WritebackQueueItem, error) {
	var out struct {
		Items []mirror.WritebackQueueItem `json:"items"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/v1/writebacks/pending", nil, &out)
	return out.Items, err
}

func (c *Client) ListWorkspaces(ctx context.Context, source string) ([]mirror.WorkspaceConfig, error) {
	var out struct {
		Workspaces []mirror.WorkspaceConfig `json:"workspaces"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/v1/workspaces"+sourceQuery(source), nil, &out)
	return out.Workspaces, err
}

func (c *Client) AddWorkspace(ctx context.Context, req mirror.AddWorkspaceRequest) (mirror.AdminResult, error) {
	var out mirror.AdminResult
	err := c.doJSON(ctx, http.MethodPost, "/v1/workspaces", req, &out)
	return out, err
}

func (c *Client) ToggleWorkspace(ctx context.Context, id string) (mirror.AdminResult, error) {
	var out mirror.AdminResult
	err := c.doJSON(ctx, http.MethodPost, "/v1/workspaces/"+url.PathEscape(id)+"/toggle", nil, &out)
	return out, err
}

func (c *Client) TestConnection(ctx context.Context, id string) (mirror.AdminResult, error) {
	var out mirror.AdminResult
	err := c.doJSON(ctx, http.MethodPost, "/v1/workspaces/"+url.PathEscape(id)+"/test", nil, &out)
	return out, err
}

func (c *Client) DeleteWorkspace(ctx context.Context, id string) (mirror.AdminResult, error) {
	var out mirror.AdminResult
	err := c.doJSON(ctx, http.MethodDelete, "/v1/workspaces/"+url.PathEscape(id), nil, &out)
	return out, err
}

type RecordsQuery struct {
	Source           string
	WorkspaceID      string
	Kind             string
	Team             string
	Project          string
	State            string
	IncludeCompleted bool
	Limit            int
}

func (c *Client) ListRecords(ctx context.Context, q RecordsQuery) ([]mirror.LocalRecord, error) {
	values := url.Values{}
	setIfNotEmpty(values, "source", q.Source)
	setIfNotEmpty(values, "workspaceId", q.WorkspaceID)
	setIfNotEmpty(values, "kind", q.Kind)
	setIfNotEmpty(values, "team", q.Team)
	setIfNotEmpty(values, "project", q.Project)
	setIfNotEmpty(values, "state", q.State)
	if q.IncludeCompleted {
		values.Set("includeCompleted", "true")
	}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	var out struct {
		Records []mirror.LocalRecord `json:"records"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/v1/records"+encodeQuery(values), nil, &out)
	return out.Records, err
}

func (c *Client) GetRecord(ctx context.Context, source, externalID string) (mirror.LocalRecord, error) {
	var out mirror.LocalRecord
	err := c.doJSON(ctx, http.MethodGet, recordPath(source, externalID), nil, &out)
	return out, err
}

func (c *Client) EditRecord(ctx context.Context, req mirror.EditRequest) (mirror.LocalRecord, error) {
	var out mirror.LocalRecord
	err := c.doJSON(ctx, http.MethodPatch, recordPath(req.Source, req.ExternalID), req, &out)
	return out, err
}

type SnapshotsQuery struct {
	From      time.Time
	To        time.Time
	Dimension string
	Rollup    bool
}

func (c *Client) ListSnapshots(ctx context.Context, q SnapshotsQuery) ([]mirror.SnapshotBucket, error) {
	values := url.Values{}
	if !q.From.IsZero() {
		values.Set("from", q.From.UTC().Format(time.RFC3339))
	}
	if !q.To.IsZero() {
		values.Set("to", q.To.UTC().Format(time.RFC3339))
	}
	setIfNotEmpty(values, "dimension", q.Dimension)
	if q.Rollup {
		values.Set("rollup", "true")
	}
	var out struct {
		Snapshots []mirror.SnapshotBucket `json:"snapshots"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/v1/snapshots"+encodeQuery(values), nil, &out)
	return out.Snapshots, err
}

func (c *Client) Stats(ctx context.Context) (mirror.Stats, error) {
	var out mirror.Stats
	err := c.doJSON(ctx, http.MethodGet, "/v1/stats", nil, &out)
	return out, err
}

func (c *Client) ListRuns(ctx context.Context, source string, limit int) ([]mirror.SyncRun, error) {
	values := url.Values{}
	setIfNotEmpty(values, "source", source)
	if limit > 0 {
		values.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Runs []mirror.SyncRun `json:"runs"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/v1/runs"+encodeQuery(values), nil, &out)
	return out.Runs, err
}

func (c *Client) ResolveIdentity(ctx context.Context, key mirror.IdentityKey) (mirror.LocalRecord, error) {
	values := url.Values{}
	setIfNotEmpty(values, "link", key.Link)
	setIfNotEmpty(values, "external", key.External)
	setIfNotEmpty(values, "username", key.Username)
	setIfNotEmpty(values, "phone", key.Phone)
	setIfNotEmpty(values, "email", key.Email)
	var out mirror.LocalRecord
	err := c.doJSON(ctx, http.MethodGet, "/v1/identity/resolve"+encodeQuery(values), nil, &out)
	return out, err
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	correlationID := "ctl_" + uuid.NewString()
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Correlation-Id", correlationID)
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		c.log.Debug().Str("method", method).Str("path", requestPath).Str("correlation_id", correlationID).Int("attempt", attempt+1).Msg("request")
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				c.log.Warn().Err(err).Str("path", requestPath).Int("attempt", attempt+1).Msg("request failed, retrying")
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			c.log.Warn().Int("status", resp.StatusCode).Str("path", requestPath).Int("attempt", attempt+1).Msg("server busy, retrying")
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code          string `json:"code"`
			Message       string `json:"message"`
			CorrelationID string `json:"correlationId"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		if errPayload.Message == "" {
			errPayload.Message = strings.TrimSpace(string(payloadBytes))
		}
		return &HTTPError{
			StatusCode:    resp.StatusCode,
			Code:          errPayload.Code,
			Message:       errPayload.Message,
			CorrelationID: errPayload.CorrelationID,
		}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func sourceQuery(source string) string {
	source = strings.TrimSpace(source)
	if source == "" {
		return ""
	}
	return "?source=" + url.QueryEscape(source)
}

func recordPath(source, externalID string) string {
	return "/v1/records/" + url.PathEscape(source) + "/" + url.PathEscape(externalID)
}

func setIfNotEmpty(values url.Values, key, value string) {
	if value = strings.TrimSpace(value); value != "" {
		values.Set(key, value)
	}
}

func encodeQuery(values url.Values) string {
	if len(values) == 0 {
		return ""
	}
	return "?" + values.Encode()
}
