// Package httpapi 以 chi 提供 /v1/jobs HTTP API、健康檢查與 /metrics
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/ChuLiYu/transqueue/internal/aggregator"
	"github.com/ChuLiYu/transqueue/internal/jobstore"
	"github.com/ChuLiYu/transqueue/internal/metrics"
	"github.com/ChuLiYu/transqueue/internal/progress"
	"github.com/ChuLiYu/transqueue/internal/scheduler"
	"github.com/ChuLiYu/transqueue/pkg/types"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxBodyBytes     = 8 << 20
)

// Backend HTTP API 所需的任務操作
type Backend interface {
	Submit(ctx context.Context, spec types.JobSpec) (types.JobID, error)
	GetStatus(ctx context.Context, id types.JobID) (types.JobStatusView, error)
	Cancel(ctx context.Context, id types.JobID) (bool, error)
	ListJobs(ctx context.Context, filter types.JobFilter) ([]types.JobSummary, error)
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)
	GetResult(ctx context.Context, id types.JobID) (aggregator.Document, error)
	Retry(ctx context.Context, id types.JobID) (types.JobID, error)
}

// Server HTTP API
type Server struct {
	Backend        Backend
	Hub            *progress.Hub      // 可選；nil 時 /events 回傳 404
	Metrics        *metrics.Collector // 可選；nil 時不掛 /metrics
	Logger         *slog.Logger
	AllowedOrigins []string // 空值代表允許所有來源
}

func (s Server) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// Router 建立路由
func (s Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.Metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", s.handleSubmit)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/cancel", s.handleCancel)
		r.Post("/jobs/{id}/retry", s.handleRetry)
		r.Get("/jobs/{id}/result", s.handleGetResult)
		r.Get("/jobs/{id}/events", s.handleEvents)
		r.Post("/cleanup", s.handleCleanup)
	})

	origins := s.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(r)
}

func (s Server) requestLogger(next http.Handler) http.Handler {
	log := s.logger().With("component", "http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug("request handled",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// ============================================================================
// Handlers
// ============================================================================

func (s Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var spec types.JobSpec
	if err := decodeBody(r, &spec); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	id, err := s.Backend.Submit(r.Context(), spec)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (s Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	view, err := s.Backend.GetStatus(r.Context(), types.JobID(chi.URLParam(r, "id")))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	filter := types.JobFilter{Limit: defaultListLimit}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st := types.JobStatus(strings.ToLower(strings.TrimSpace(part)))
			if !st.Valid() {
				writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid status: %s", part))
				return
			}
			filter.Statuses = append(filter.Statuses, st)
		}
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid limit: %s", raw))
			return
		}
		if value > maxListLimit {
			value = maxListLimit
		}
		filter.Limit = value
	}

	jobs, err := s.Backend.ListJobs(r.Context(), filter)
	if err != nil {
		s.fail(w, err)
		return
	}
	if jobs == nil {
		jobs = []types.JobSummary{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := types.JobID(chi.URLParam(r, "id"))
	ok, err := s.Backend.Cancel(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "cancelled": ok})
}

func (s Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := types.JobID(chi.URLParam(r, "id"))
	newID, err := s.Backend.Retry(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": newID, "retry_of": id})
}

// handleGetResult 預設回傳 JSON 文件；?format=text 只回傳譯文
func (s Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	doc, err := s.Backend.GetResult(r.Context(), types.JobID(chi.URLParam(r, "id")))
	if err != nil {
		s.fail(w, err)
		return
	}
	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if doc.Partial {
			w.Header().Set("X-Partial-Result", "true")
		}
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, doc.Text())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":      doc.JobID,
		"blocks":      doc.Blocks,
		"partial":     doc.Partial,
		"avg_quality": doc.AvgQuality,
		"failed":      doc.Failed,
		"missing":     doc.Missing,
		"low_quality": doc.LowQuality,
		"text":        doc.Text(),
	})
}

type cleanupRequest struct {
	OlderThan     string  `json:"older_than"`
	OlderThanDays float64 `json:"older_than_days"`
}

// handleCleanup 接受 JSON body 或 query 參數 older_than / older_than_days
func (s Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
	}
	q := r.URL.Query()
	if v := q.Get("older_than"); v != "" {
		req.OlderThan = v
	}
	if v := q.Get("older_than_days"); v != "" {
		days, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid older_than_days: %s", v))
			return
		}
		req.OlderThanDays = days
	}

	age, err := scheduler.ParseAge(req.OlderThan, req.OlderThanDays)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	n, err := s.Backend.Cleanup(r.Context(), age)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n})
}

// terminalGrace 狀態已終止時等待殘留進度事件的時間
const terminalGrace = 100 * time.Millisecond

// handleEvents 以 Server-Sent Events 推送任務進度，收到 Done 事件後結束
func (s Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.Hub == nil {
		writeErr(w, http.StatusNotFound, errors.New("progress events are not enabled"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	id := types.JobID(chi.URLParam(r, "id"))

	// 先訂閱再讀狀態，讀狀態期間結束的任務仍會收到 Done 事件
	events := make(chan progress.Event, 16)
	stop := make(chan struct{})
	unsubscribe := s.Hub.Subscribe(id, progress.ObserverFunc(func(e progress.Event) error {
		if e.Done {
			select {
			case events <- e:
			case <-stop:
			}
			return nil
		}
		// 客戶端太慢時丟棄中間進度；Done 事件一定送達
		select {
		case events <- e:
		default:
		}
		return nil
	}))
	defer unsubscribe()
	defer close(stop)

	view, err := s.Backend.GetStatus(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeEvent(w, "status", view)
	flusher.Flush()

	// 已終止的任務只等待與最後一次寫入同時發出的事件
	var grace <-chan time.Time
	if view.Status.IsTerminal() {
		timer := time.NewTimer(terminalGrace)
		defer timer.Stop()
		grace = timer.C
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-grace:
			return
		case e := <-events:
			writeEvent(w, "progress", e)
			flusher.Flush()
			if e.Done {
				return
			}
		}
	}
}

// ============================================================================
// Helpers
// ============================================================================

// fail 將領域錯誤對應到 HTTP 狀態碼
func (s Server) fail(w http.ResponseWriter, err error) {
	code := statusCode(err)
	if code >= http.StatusInternalServerError {
		s.logger().Error("request failed", "error", err)
	}
	writeErr(w, code, err)
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrInvalidSpec):
		return http.StatusBadRequest
	case errors.Is(err, jobstore.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrResultNotReady),
		errors.Is(err, scheduler.ErrNotRetryable),
		errors.Is(err, jobstore.ErrDuplicateJob):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func writeEvent(w io.Writer, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}
