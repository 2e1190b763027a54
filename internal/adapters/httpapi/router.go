package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mikey/warmup-engine/internal/core"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// transparentGIF is a 1x1 transparent GIF
var transparentGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00, 0x00, 0x00, 0x00,
	0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00,
	0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

const defaultLogLimit = 50

// Server exposes the tracking pixel and the warmup control API over HTTP
type Server struct {
	engine     *core.Engine
	listenAddr string
	server     *http.Server
	logger     *zap.Logger
}

// NewServer creates a new HTTP server for the engine
func NewServer(engine *core.Engine, listenAddr string, logger *zap.Logger) *Server {
	return &Server{
		engine:     engine,
		listenAddr: listenAddr,
		logger:     logger,
	}
}

// Handler returns the routes of the server
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/t/{trackingFile}", s.handlePixel)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.requestLogger)
		r.Use(middleware.Timeout(60 * time.Second))

		r.Route("/accounts/{accountID}", func(r chi.Router) {
			r.Get("/warmup", s.handleStatus)
			r.Post("/warmup/start", s.handleStart)
			r.Post("/warmup/pause", s.handlePause)
			r.Post("/warmup/resume", s.handleResume)
			r.Post("/warmup/stop", s.handleStop)
			r.Post("/schedule", s.handleSchedule)
			r.Post("/sync", s.handleSync)
			r.Post("/reputation", s.handleReputation)
			r.Get("/logs", s.handleLogs)
		})
		r.Get("/domains/{domain}/dns-check", s.handleDNSCheck)
		r.Post("/remediation/run", s.handleRemediation)
	})

	return r
}

// Start starts serving in the background
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.listenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("HTTP server starting", zap.String("address", s.listenAddr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully shuts the server down
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// handlePixel records an open and always answers with the image, whatever
// the tracking id
func (s *Server) handlePixel(w http.ResponseWriter, r *http.Request) {
	trackingID := strings.TrimSuffix(chi.URLParam(r, "trackingFile"), ".gif")

	result := "ignored"
	recorded, err := s.engine.Tracker.OnPixelFetch(r.Context(), trackingID)
	switch {
	case err != nil && !errors.Is(err, core.ErrNotFound):
		result = "error"
		s.logger.Warn("Failed to record open",
			zap.String("tracking_id", trackingID),
			zap.Error(err))
	case recorded:
		result = "recorded"
	}
	pixelFetchesTotal.WithLabelValues(result).Inc()

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	w.Header().Set("Content-Length", strconv.Itoa(len(transparentGIF)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(transparentGIF)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	overview, err := s.engine.Lifecycle.Status(r.Context(), chi.URLParam(r, "accountID"))
	s.respond(w, "status", overview, err)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, "start", s.engine.Lifecycle.Start)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, "resume", s.engine.Lifecycle.Resume)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, "stop", s.engine.Lifecycle.Stop)
}

type pauseRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, "pause", http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "paused by operator"
	}
	s.transition(w, r, "pause", func(ctx context.Context, id string) error {
		return s.engine.Lifecycle.Pause(ctx, id, req.Reason)
	})
}

// transition runs a lifecycle action and answers with the resulting overview
func (s *Server) transition(w http.ResponseWriter, r *http.Request, op string, action func(context.Context, string) error) {
	id := chi.URLParam(r, "accountID")
	if err := action(r.Context(), id); err != nil {
		s.respond(w, op, nil, err)
		return
	}
	overview, err := s.engine.Lifecycle.Status(r.Context(), id)
	s.respond(w, op, overview, err)
}

type scheduleResponse struct {
	Skipped   string `json:"skipped,omitempty"`
	Allowed   int    `json:"allowed"`
	SentToday int    `json:"sent_today"`
	Pending   int    `json:"pending"`
	SentNow   bool   `json:"sent_now"`
	Scheduled int    `json:"scheduled"`
	Dropped   int    `json:"dropped"`
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Scheduler.Schedule(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		s.respond(w, "schedule", nil, err)
		return
	}
	s.respond(w, "schedule", scheduleResponse{
		Skipped:   res.Skipped,
		Allowed:   res.Allowed,
		SentToday: res.SentToday,
		Pending:   res.Pending,
		SentNow:   res.SentNow,
		Scheduled: res.Scheduled,
		Dropped:   res.Dropped,
	}, nil)
}

type syncResponse struct {
	Skipped        bool `json:"skipped"`
	Processed      int  `json:"processed"`
	RepliesFound   int  `json:"replies_found"`
	BouncesFound   int  `json:"bounces_found"`
	WarmupOpened   int  `json:"warmup_opened"`
	SpamPlacements int  `json:"spam_placements"`
	Unclassified   int  `json:"unclassified"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Sync.Sync(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		s.respond(w, "sync", nil, err)
		return
	}
	s.respond(w, "sync", syncResponse{
		Skipped:        res.Skipped,
		Processed:      res.Processed,
		RepliesFound:   res.RepliesFound,
		BouncesFound:   res.BouncesFound,
		WarmupOpened:   res.WarmupOpened,
		SpamPlacements: res.SpamPlacements,
		Unclassified:   res.Unclassified,
	}, nil)
}

type reputationResponse struct {
	Score  int  `json:"score"`
	Scored bool `json:"scored"`
}

func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	score, ok, err := s.engine.Scorer.Score(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		s.respond(w, "reputation", nil, err)
		return
	}
	s.respond(w, "reputation", reputationResponse{Score: score, Scored: ok}, nil)
}

type logEntryView struct {
	ID                string     `json:"id"`
	Kind              string     `json:"kind"`
	CampaignID        string     `json:"campaign_id,omitempty"`
	LeadID            string     `json:"lead_id,omitempty"`
	To                string     `json:"to"`
	Subject           string     `json:"subject"`
	Status            string     `json:"status"`
	Error             string     `json:"error,omitempty"`
	SentAt            time.Time  `json:"sent_at"`
	OpenedAt          *time.Time `json:"opened_at,omitempty"`
	RepliedAt         *time.Time `json:"replied_at,omitempty"`
	BouncedAt         *time.Time `json:"bounced_at,omitempty"`
	ProviderMessageID string     `json:"provider_message_id,omitempty"`
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := defaultLogLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, "logs", http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := s.engine.Logs(r.Context(), chi.URLParam(r, "accountID"), limit)
	if err != nil {
		s.respond(w, "logs", nil, err)
		return
	}
	views := make([]logEntryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, logEntryView{
			ID:                e.ID,
			Kind:              string(e.Kind),
			CampaignID:        e.CampaignID,
			LeadID:            e.LeadID,
			To:                e.ToAddress,
			Subject:           e.Subject,
			Status:            string(e.Status),
			Error:             e.ErrorMessage,
			SentAt:            e.SentAt,
			OpenedAt:          e.OpenedAt,
			RepliedAt:         e.RepliedAt,
			BouncedAt:         e.BouncedAt,
			ProviderMessageID: e.ProviderMessageID,
		})
	}
	s.respond(w, "logs", views, nil)
}

func (s *Server) handleDNSCheck(w http.ResponseWriter, r *http.Request) {
	check, err := s.engine.CheckDomain(r.Context(), chi.URLParam(r, "domain"))
	s.respond(w, "dns-check", check, err)
}

type remediationResponse struct {
	Evaluated int      `json:"evaluated"`
	Paused    []string `json:"paused"`
	Failed    int      `json:"failed"`
}

func (s *Server) handleRemediation(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.Remediator.Run(r.Context())
	if err != nil {
		s.respond(w, "remediation", nil, err)
		return
	}
	paused := report.Paused
	if paused == nil {
		paused = []string{}
	}
	s.respond(w, "remediation", remediationResponse{
		Evaluated: report.Evaluated,
		Paused:    paused,
		Failed:    report.Failed,
	}, nil)
}

type errorResponse struct {
	Error string `json:"error"`
}

// respond writes body as JSON, or maps err to a status code
func (s *Server) respond(w http.ResponseWriter, op string, body interface{}, err error) {
	if err != nil {
		code := statusFor(err)
		if code == http.StatusInternalServerError {
			s.logger.Error("Control request failed", zap.String("operation", op), zap.Error(err))
		}
		s.writeError(w, op, code, err.Error())
		return
	}
	s.writeJSON(w, op, http.StatusOK, body)
}

func (s *Server) writeError(w http.ResponseWriter, op string, code int, msg string) {
	s.writeJSON(w, op, code, errorResponse{Error: msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, op string, code int, body interface{}) {
	controlRequestsTotal.WithLabelValues(op, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("Failed to write response", zap.Error(err))
	}
}

// statusFor maps the engine's error taxonomy onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrPreconditionFailed):
		return http.StatusPreconditionFailed
	case errors.Is(err, core.ErrInvalidStateTransition):
		return http.StatusConflict
	case errors.Is(err, core.ErrTransport):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// requestLogger logs control requests with zap
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("Control request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}
