package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/arcrek/email-disposal-api/internal/pool"
)

type Server struct {
	svc     *pool.Service
	logger  *zap.Logger
	mux     *http.ServeMux
	limiter *rate.Limiter
}

type Config struct {
	// AcquireRate caps /api/email requests per second across all callers.
	// Zero disables limiting.
	AcquireRate  float64
	AcquireBurst int

	Logger *zap.Logger
}

type contextKey string

const requestIDKey contextKey = "req_id"

// RequestID returns the id the middleware assigned to this request, or ""
// outside a request context.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func NewServer(svc *pool.Service, cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{svc: svc, logger: logger, mux: http.NewServeMux()}
	if cfg.AcquireRate > 0 {
		burst := cfg.AcquireBurst
		if burst <= 0 {
			burst = int(cfg.AcquireRate)
			if burst < 1 {
				burst = 1
			}
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.AcquireRate), burst)
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return withRequestID(s.mux)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	s.mux.HandleFunc("/api/email", s.handleAcquire)
	s.mux.HandleFunc("/admin/stats", s.handleStats)
	s.mux.HandleFunc("/admin/emails", s.handleEmails)
	s.mux.HandleFunc("/admin/bulk", s.handleBulk)
	s.mux.HandleFunc("/admin/export", s.handleExport)
}

// --- Handlers ---

type acquireResp struct {
	Success      bool   `json:"success"`
	Email        string `json:"email,omitempty"`
	ID           int64  `json:"id,omitempty"`
	Error        string `json:"error,omitempty"`
	Message      string `json:"message,omitempty"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}

func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if s.limiter != nil && !s.limiter.Allow() {
		writeJSON(w, http.StatusTooManyRequests, acquireResp{
			Success:   false,
			Error:     "rate_limited",
			Message:   "Too many requests, slow down",
			Timestamp: time.Now().Unix(),
		})
		return
	}

	res, err := s.svc.Acquire(r.Context())
	if err != nil {
		s.logger.Error("acquire failed",
			zap.String("request_id", RequestID(r.Context())),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, acquireResp{
			Success:   false,
			Error:     "system_error",
			Message:   "Internal server error",
			Timestamp: time.Now().Unix(),
		})
		return
	}

	if !res.Acquired {
		writeJSON(w, http.StatusTooManyRequests, acquireResp{
			Success:      false,
			Error:        "no_emails_available",
			Message:      "No available emails at this time",
			RetryAfterMS: res.RetryAfter.Milliseconds(),
			Timestamp:    time.Now().Unix(),
		})
		return
	}

	writeJSON(w, http.StatusOK, acquireResp{
		Success:   true,
		Email:     res.Email,
		ID:        res.ID,
		Timestamp: time.Now().Unix(),
	})
}

type statsResp struct {
	Success bool      `json:"success"`
	Stats   statsBody `json:"stats"`
}

type statsBody struct {
	Total       int64 `json:"total"`
	Leased      int64 `json:"leased"`
	Available   int64 `json:"available"`
	Approximate bool  `json:"approximate"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	st, err := s.svc.Stats(r.Context())
	if err != nil {
		s.logger.Error("stats failed",
			zap.String("request_id", RequestID(r.Context())),
			zap.Error(err),
		)
		writeErr(w, http.StatusInternalServerError, "failed to load statistics")
		return
	}

	writeJSON(w, http.StatusOK, statsResp{
		Success: true,
		Stats: statsBody{
			Total:       st.Total,
			Leased:      st.Leased,
			Available:   st.Available,
			Approximate: st.Approximate,
		},
	})
}

type emailItem struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	Leased    bool   `json:"leased"`
	LeasedAt  int64  `json:"leased_at,omitempty"`
	CreatedAt string `json:"created_at"`
}

type emailsData struct {
	Emails    []emailItem `json:"emails"`
	Page      int         `json:"page"`
	Limit     int         `json:"limit"`
	HasMore   bool        `json:"hasMore"`
	Total     int64       `json:"total"`
	Estimated bool        `json:"estimated"`
}

func (s *Server) handleEmails(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	search := strings.TrimSpace(q.Get("search"))

	pg, err := s.svc.List(r.Context(), pool.ListRequest{
		Page:     page,
		PageSize: limit,
		Search:   search,
	})
	if err != nil {
		s.logger.Error("list failed",
			zap.String("request_id", RequestID(r.Context())),
			zap.Error(err),
		)
		writeErr(w, http.StatusInternalServerError, "failed to load emails")
		return
	}

	items := make([]emailItem, 0, len(pg.Items))
	for _, it := range pg.Items {
		e := emailItem{
			ID:        it.ID,
			Email:     it.Email,
			Leased:    it.Leased,
			CreatedAt: it.CreatedAt.UTC().Format("2006-01-02 15:04"),
		}
		if it.Leased {
			e.LeasedAt = it.LeasedAt.Unix()
		}
		items = append(items, e)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data": emailsData{
			Emails:    items,
			Page:      pg.Page,
			Limit:     pg.PageSize,
			HasMore:   pg.HasMore,
			Total:     pg.Total,
			Estimated: pg.Estimated,
		},
	})
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

func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req bulkReq
	if err := readJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}

	switch req.Operation {
	case "bulk_add":
		if len(req.Emails) == 0 {
			writeErr(w, http.StatusBadRequest, "no emails provided")
			return
		}
		count, err := s.svc.Ingest(r.Context(), req.Emails)
		if err != nil {
			s.logger.Error("bulk_add failed",
				zap.String("request_id", RequestID(r.Context())),
				zap.Int("committed", count),
				zap.Error(err),
			)
			var be *pool.BatchError
			if errors.As(err, &be) {
				// Earlier batches stay committed; report what landed.
				writeJSON(w, http.StatusInternalServerError, bulkResp{
					Success: false,
					Count:   count,
					Message: fmt.Sprintf("ingest aborted at batch %d; %d emails added", be.Batch, count),
				})
				return
			}
			writeErr(w, http.StatusInternalServerError, "operation failed")
			return
		}
		writeJSON(w, http.StatusOK, bulkResp{
			Success: true,
			Count:   count,
			Message: fmt.Sprintf("Added %d emails successfully", count),
		})

	case "bulk_delete":
		if len(req.EmailIDs) == 0 {
			writeErr(w, http.StatusBadRequest, "no email IDs provided")
			return
		}
		count, err := s.svc.EvictByIDs(r.Context(), req.EmailIDs)
		if err != nil {
			s.logger.Error("bulk_delete failed",
				zap.String("request_id", RequestID(r.Context())),
				zap.Error(err),
			)
			writeErr(w, http.StatusInternalServerError, "operation failed")
			return
		}
		writeJSON(w, http.StatusOK, bulkResp{
			Success: true,
			Count:   count,
			Message: fmt.Sprintf("Deleted %d emails successfully", count),
		})

	case "clear_locked":
		count, err := s.svc.ForceReleaseAll(r.Context())
		if err != nil {
			s.logger.Error("clear_locked failed",
				zap.String("request_id", RequestID(r.Context())),
				zap.Error(err),
			)
			writeErr(w, http.StatusInternalServerError, "operation failed")
			return
		}
		writeJSON(w, http.StatusOK, bulkResp{
			Success: true,
			Count:   count,
			Message: fmt.Sprintf("Unlocked %d emails", count),
		})

	default:
		writeErr(w, http.StatusBadRequest, "invalid operation")
	}
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="emails_%s.txt"`, time.Now().Format("2006-01-02")))

	if _, err := s.svc.Export(r.Context(), w); err != nil {
		// Headers are gone already; best we can do is cut the stream.
		s.logger.Error("export failed",
			zap.String("request_id", RequestID(r.Context())),
			zap.Error(err),
		)
		return
	}
}

// --- helpers ---

func readJSON(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return errors.New("missing body")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "message": msg})
}
