package poolclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string, hc *http.Client) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL: baseURL,
		http:    hc,
	}
}

// ---- Wire format (matches the HTTP API) ----

type acquireResp struct {
	Success      bool   `json:"success"`
	Email        string `json:"email,omitempty"`
	ID           int64  `json:"id,omitempty"`
	Error        string `json:"error,omitempty"`
	Message      string `json:"message,omitempty"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}

type statsResp struct {
	Success bool  `json:"success"`
	Stats   Stats `json:"stats"`
}

type emailsResp struct {
	Success bool     `json:"success"`
	Data    ListPage `json:"data"`
}

type bulkReq struct {
	Operation string   `json:"operation"`
	Emails    []string `json:"emails,omitempty"`
	EmailIDs  []int64  `json:"email_ids,omitempty"`
}

type bulkResp struct {
	Success bool   `json:"success"`
	Count   int    `json:"count"`
	Message string `json:"message,omitempty"`
}

// ---- Operations ----

// AcquireOnce attempts a single acquire. The three-way result separates
// "pool empty right now" (retryable, *PoolEmptyError non-nil) from
// transport or server failure (error non-nil).
func (c *Client) AcquireOnce(ctx context.Context) (Email, *PoolEmptyError, error) {
	path := c.baseURL + "/api/email"

	var out acquireResp
	code, raw, err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	if err != nil {
		return Email{}, nil, err
	}

	if code == http.StatusOK && out.Success {
		return Email{
			ID:        out.ID,
			Address:   out.Email,
			Timestamp: out.Timestamp,
		}, nil, nil
	}

	if code == http.StatusTooManyRequests {
		return Email{}, &PoolEmptyError{
			Reason:       out.Error,
			RetryAfterMS: out.RetryAfterMS,
		}, nil
	}

	return Email{}, nil, &UnexpectedStatusError{
		Method: http.MethodGet,
		Path:   path,
		Code:   code,
		Body:   raw,
	}
}

// AcquireWithRetry keeps attempting until an email is dispensed, the retry
// budget runs out, or ctx is done. Backoff honors the server's retry hint
// when present, clamped with jitter.
func (c *Client) AcquireWithRetry(ctx context.Context, opt AcquireOptions) (Email, error) {
	if opt.MaxRetries <= 0 {
		opt.MaxRetries = 50
	}
	if opt.MinRetry <= 0 {
		opt.MinRetry = 25 * time.Millisecond
	}
	if opt.MaxRetry <= 0 {
		opt.MaxRetry = 1 * time.Second
	}
	if opt.JitterFrac <= 0 {
		opt.JitterFrac = 0.2
	}

	start := time.Now()
	var lastEmpty *PoolEmptyError

	for attempt := 0; attempt <= opt.MaxRetries; attempt++ {
		if opt.MaxTotalWait > 0 && time.Since(start) > opt.MaxTotalWait {
			if lastEmpty != nil {
				return Email{}, lastEmpty
			}
			return Email{}, context.DeadlineExceeded
		}

		em, empty, err := c.AcquireOnce(ctx)
		if err != nil {
			return Email{}, err
		}
		if empty == nil {
			return em, nil
		}

		lastEmpty = empty
		sleep := time.Duration(empty.RetryAfterMS) * time.Millisecond
		if sleep <= 0 {
			// exponential-ish based on attempt
			sleep = time.Duration(float64(opt.MinRetry) * math.Pow(1.5, float64(attempt)))
		}
		if sleep < opt.MinRetry {
			sleep = opt.MinRetry
		}
		if sleep > opt.MaxRetry {
			sleep = opt.MaxRetry
		}
		sleep = addJitter(sleep, opt.JitterFrac)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Email{}, ctx.Err()
		case <-timer.C:
		}
	}

	if lastEmpty != nil {
		return Email{}, lastEmpty
	}
	return Email{}, fmt.Errorf("acquire failed")
}

func (c *Client) Stats(ctx context.Context) (Stats, error) {
	path := c.baseURL + "/admin/stats"

	var out statsResp
	code, raw, err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	if err != nil {
		return Stats{}, err
	}
	if code != http.StatusOK || !out.Success {
		return Stats{}, &UnexpectedStatusError{Method: http.MethodGet, Path: path, Code: code, Body: raw}
	}
	return out.Stats, nil
}

func (c *Client) List(ctx context.Context, page, limit int, search string) (ListPage, error) {
	q := url.Values{}
	if page > 0 {
		q.Set("page", fmt.Sprint(page))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if search != "" {
		q.Set("search", search)
	}
	path := c.baseURL + "/admin/emails"
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}

	var out emailsResp
	code, raw, err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	if err != nil {
		return ListPage{}, err
	}
	if code != http.StatusOK || !out.Success {
		return ListPage{}, &UnexpectedStatusError{Method: http.MethodGet, Path: path, Code: code, Body: raw}
	}
	return out.Data, nil
}

// BulkAdd ingests addresses and returns how many were newly inserted.
func (c *Client) BulkAdd(ctx context.Context, emails []string) (int, error) {
	return c.bulk(ctx, bulkReq{Operation: "bulk_add", Emails: emails})
}

// BulkDelete removes rows by id and returns how many existed.
func (c *Client) BulkDelete(ctx context.Context, ids []int64) (int, error) {
	return c.bulk(ctx, bulkReq{Operation: "bulk_delete", EmailIDs: ids})
}

// ReleaseAll clears every active lease and returns the count.
func (c *Client) ReleaseAll(ctx context.Context) (int, error) {
	return c.bulk(ctx, bulkReq{Operation: "clear_locked"})
}

func (c *Client) bulk(ctx context.Context, req bulkReq) (int, error) {
	path := c.baseURL + "/admin/bulk"

	var out bulkResp
	code, raw, err := c.doJSON(ctx, http.MethodPost, path, req, &out)
	if err != nil {
		return 0, err
	}
	if code != http.StatusOK || !out.Success {
		return out.Count, &UnexpectedStatusError{Method: http.MethodPost, Path: path, Code: code, Body: raw}
	}
	return out.Count, nil
}

// doJSON sends an optional JSON body and decodes a JSON response.
// Returns status code and raw body (trimmed) for debugging.
func (c *Client) doJSON(ctx context.Context, method, url string, req any, resp any) (int, string, error) {
	var body io.Reader
	if req != nil {
		b, err := json.Marshal(req)
		if err != nil {
			return 0, "", err
		}
		body = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, "", err
	}
	if req != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	rsp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, "", err
	}
	defer rsp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(rsp.Body, 1<<20))
	trimmed := strings.TrimSpace(string(raw))

	if resp != nil && len(raw) > 0 {
		_ = json.Unmarshal(raw, resp) // tolerate non-JSON error bodies
	}
	return rsp.StatusCode, trimmed, nil
}

// addJitter spreads d over [d*(1-frac), d*(1+frac)]. The top-level rand
// functions are safe for concurrent callers sharing one Client.
func addJitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	j := (rand.Float64()*2 - 1) * frac
	out := time.Duration(float64(d) * (1 + j))
	if out < 0 {
		return 0
	}
	return out
}
