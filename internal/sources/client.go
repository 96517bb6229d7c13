package sources

import (
	"bytes"
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

	"github.com/agentworkforce/mirrorsync/internal/mirror"
)

// ClientOptions configures the HTTP feed client shared by every adapter.
type ClientOptions struct {
	BaseURL    string
	UserAgent  string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// MaxPages bounds cursor pagination of a single feed.
	MaxPages int
}

// APIError is a non-2xx response from a source API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("source api: status=%d code=%s message=%s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("source api: status=%d message=%s", e.Status, e.Message)
}

type feedClient struct {
	baseURL    string
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	maxPages   int
}

func newFeedClient(opts ClientOptions, defaultBaseURL string) *feedClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
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
	maxPages := opts.MaxPages
	if maxPages <= 0 {
		maxPages = 200
	}
	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = "mirrorsync"
	}
	return &feedClient{
		baseURL:    baseURL,
		userAgent:  userAgent,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		maxPages:   maxPages,
	}
}

type feedPage struct {
	Items      []json.RawMessage `json:"items"`
	NextCursor string            `json:"nextCursor,omitempty"`
}

// fetchFeed follows nextCursor until the feed is exhausted.
func (c *feedClient) fetchFeed(ctx context.Context, sc mirror.SyncContext, path string, query url.Values) ([]json.RawMessage, error) {
	var items []json.RawMessage
	cursor := ""
	for page := 0; ; page++ {
		if page >= c.maxPages {
			return nil, fmt.Errorf("feed %s exceeded %d pages", path, c.maxPages)
		}
		q := url.Values{}
		for k, v := range query {
			q[k] = append([]string(nil), v...)
		}
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var out feedPage
		if err := c.doJSON(ctx, sc, http.MethodGet, path, q, nil, &out); err != nil {
			return nil, err
		}
		items = append(items, out.Items...)
		if out.NextCursor == "" || out.NextCursor == cursor {
			return items, nil
		}
		cursor = out.NextCursor
	}
}

func (c *feedClient) doJSON(ctx context.Context, sc mirror.SyncContext, method, path string, query url.Values, payload any, out any) error {
	token := strings.TrimSpace(sc.Credential)
	if token == "" {
		return fmt.Errorf("source credential is empty")
	}
	var body []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = encoded
	}
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	httpClient := sc.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}

	for attempt := 0; ; attempt++ {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", c.userAgent)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if sc.CorrelationID != "" {
			req.Header.Set("X-Correlation-Id", sc.CorrelationID)
		}

		resp, err := httpClient.Do(req)
		if err != nil {
			if ctx.Err() == nil && attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
				return nil
			}
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("decode %s %s: %w", method, path, err)
			}
			return nil
		}
		if retryable(resp.StatusCode) && attempt < c.maxRetries {
			sc.Logger.Debug().Int("status", resp.StatusCode).Int("attempt", attempt+1).Str("path", path).Msg("retrying source request")
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}
		return parseAPIError(resp.StatusCode, respBody)
	}
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || (status >= 500 && status <= 599)
}

func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status, Message: strings.TrimSpace(string(body))}
	var parsed struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		apiErr.Code = parsed.Code
		if strings.TrimSpace(parsed.Message) != "" {
			apiErr.Message = parsed.Message
		}
	}
	return apiErr
}

func (c *feedClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
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

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
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

// pushPatch sends a PATCH and folds any failure into a PushResult.
func (c *feedClient) pushPatch(ctx context.Context, sc mirror.SyncContext, path string, body map[string]any) mirror.PushResult {
	if len(body) == 0 {
		return mirror.PushResult{Error: "nothing to push"}
	}
	if err := c.doJSON(ctx, sc, http.MethodPatch, path, nil, body, nil); err != nil {
		return mirror.PushResult{Error: err.Error()}
	}
	return mirror.PushResult{Success: true}
}

// decodeItems normalizes each raw item independently. Items that fail to
// decode or normalize are returned as rejects so one bad item never fails
// the whole pull.
func decodeItems[T any](raw []json.RawMessage, normalize func(T) (mirror.NormalizedRecord, error)) mirror.FetchResult {
	result := mirror.FetchResult{Records: make([]mirror.NormalizedRecord, 0, len(raw))}
	for _, item := range raw {
		var probe struct {
			ID string `json:"id"`
		}
		_ = json.Unmarshal(item, &probe)

		var decoded T
		if err := json.Unmarshal(item, &decoded); err != nil {
			result.Rejected = append(result.Rejected, mirror.ItemError{ExternalID: probe.ID, Err: fmt.Errorf("decode: %w", err)})
			continue
		}
		record, err := normalize(decoded)
		if err != nil {
			result.Rejected = append(result.Rejected, mirror.ItemError{ExternalID: probe.ID, Err: err})
			continue
		}
		result.Records = append(result.Records, record)
	}
	return result
}

var errMissingID = errors.New("item has no id")

func requireIdentity(id string, updatedAt time.Time) error {
	if strings.TrimSpace(id) == "" {
		return errMissingID
	}
	if updatedAt.IsZero() {
		return fmt.Errorf("item %s has no updatedAt", id)
	}
	return nil
}

func escapeID(id string) string {
	return url.PathEscape(strings.TrimSpace(id))
}
