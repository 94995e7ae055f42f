package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

type acquireResp struct {
	Success      bool   `json:"success"`
	Email        string `json:"email,omitempty"`
	ID           int64  `json:"id,omitempty"`
	Error        string `json:"error,omitempty"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
}

// LeaseAudit tracks which emails are believed to be on a live lease.
// Dispensing an email whose previous lease has not yet expired is the one
// violation the server must never commit.
type LeaseAudit struct {
	mu         sync.Mutex
	live       map[string]time.Time // email -> lease expiry
	duplicates int64
}

func NewLeaseAudit() *LeaseAudit {
	return &LeaseAudit{live: make(map[string]time.Time)}
}

func (a *LeaseAudit) Record(email string, ttl time.Duration) bool {
	now := time.Now()
	a.mu.Lock()
	defer a.mu.Unlock()

	if exp, ok := a.live[email]; ok && now.Before(exp) {
		a.duplicates++
		return false
	}
	a.live[email] = now.Add(ttl)
	return true
}

func (a *LeaseAudit) Duplicates() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.duplicates
}

func main() {
	var (
		baseURL  = flag.String("url", "http://localhost:8080", "mailpool base URL")
		clients  = flag.Int("clients", 50, "number of concurrent clients")
		duration = flag.Duration("duration", 20*time.Second, "test duration")
		ttl      = flag.Duration("ttl", 15*time.Second, "server lease TTL (for duplicate detection)")
		think    = flag.Duration("think", 5*time.Millisecond, "sleep between requests per client")
	)
	flag.Parse()

	httpc := &http.Client{Timeout: 10 * time.Second}
	audit := NewLeaseAudit()

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	var (
		acqOK    int64
		acqEmpty int64
		acqRated int64
		errCount int64
	)

	wg := sync.WaitGroup{}
	start := time.Now()

	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for ctx.Err() == nil {
				ar, ok, err := acquire(ctx, httpc, *baseURL)
				if err != nil {
					if ctx.Err() == nil {
						atomic.AddInt64(&errCount, 1)
					}
					continue
				}
				if !ok {
					if ar.Error == "rate_limited" {
						atomic.AddInt64(&acqRated, 1)
					} else {
						atomic.AddInt64(&acqEmpty, 1)
					}
					sleep := time.Duration(ar.RetryAfterMS) * time.Millisecond
					if sleep <= 0 {
						sleep = 20 * time.Millisecond
					}
					time.Sleep(sleep)
					continue
				}

				atomic.AddInt64(&acqOK, 1)
				audit.Record(ar.Email, *ttl)

				time.Sleep(*think)
			}
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	fmt.Println("=== mailpool dispense test ===")
	fmt.Printf("duration:        %s, clients: %d\n", elapsed.Round(time.Millisecond), *clients)
	fmt.Printf("acquire_success: %d\n", acqOK)
	fmt.Printf("acquire_empty:   %d\n", acqEmpty)
	fmt.Printf("rate_limited:    %d\n", acqRated)
	fmt.Printf("errors:          %d\n", errCount)
	fmt.Printf("duplicates:      %d\n", audit.Duplicates())

	if d := audit.Duplicates(); d > 0 {
		fmt.Printf("FAIL: %d emails dispensed twice within one lease TTL\n", d)
	} else {
		fmt.Println("PASS: no email dispensed to two live leases")
	}
}

func acquire(ctx context.Context, c *http.Client, baseURL string) (acquireResp, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/email", nil)
	if err != nil {
		return acquireResp{}, false, err
	}

	resp, err := c.Do(req)
	if err != nil {
		return acquireResp{}, false, err
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)

	var ar acquireResp
	if err := json.Unmarshal(data, &ar); err != nil {
		return acquireResp{}, false, fmt.Errorf("decode acquire: %v body=%s", err, string(data))
	}

	if resp.StatusCode == http.StatusOK && ar.Success {
		return ar, true, nil
	}
	if resp.StatusCode == http.StatusTooManyRequests && !ar.Success {
		return ar, false, nil
	}
	return ar, false, fmt.Errorf("acquire unexpected status=%d body=%s", resp.StatusCode, string(data))
}
