package poolclient

import "time"

// Email is what the SDK returns on a successful acquire. The lease is
// server-side: it expires on its own unless an admin releases it sooner.
type Email struct {
	ID        int64
	Address   string
	Timestamp int64 // server clock, unix seconds
}

// Stats mirrors the server's aggregate counts.
type Stats struct {
	Total       int64 `json:"total"`
	Leased      int64 `json:"leased"`
	Available   int64 `json:"available"`
	Approximate bool  `json:"approximate"`
}

// ListItem is one row of an admin listing.
type ListItem struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	Leased    bool   `json:"leased"`
	LeasedAt  int64  `json:"leased_at,omitempty"`
	CreatedAt string `json:"created_at"`
}

// ListPage is one page of an admin listing.
type ListPage struct {
	Emails    []ListItem `json:"emails"`
	Page      int        `json:"page"`
	Limit     int        `json:"limit"`
	HasMore   bool       `json:"hasMore"`
	Total     int64      `json:"total"`
	Estimated bool       `json:"estimated"`
}

// AcquireOptions controls retry behavior for AcquireWithRetry.
type AcquireOptions struct {
	MaxRetries   int           // bounded retry; 0 => default
	MaxTotalWait time.Duration // optional global cap; 0 => no cap
	MinRetry     time.Duration // default 25ms
	MaxRetry     time.Duration // default 1s
	JitterFrac   float64       // default 0.2 (20%)
}
