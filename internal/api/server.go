// Package api provides the HTTP API server.
package api //nolint:revive // api is a common, well-understood package name

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/mediakeep/mediakeep/apitypes"
	"github.com/mediakeep/mediakeep/internal/history"
	"github.com/mediakeep/mediakeep/internal/scheduler"
	"github.com/mediakeep/mediakeep/internal/space"
)

// validIDPattern matches valid job ID formats: alphanumeric, hyphens,
// underscores. Permissive enough for ULIDs while blocking path traversal
// and injection.
var validIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// maxIDLength is the maximum allowed length for ID parameters.
const maxIDLength = 256

// History query limits.
const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// validateID checks that an ID parameter is non-empty, reasonable length,
// and contains only safe characters.
func validateID(id string) error {
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "id is required")
	}
	if len(id) > maxIDLength {
		return echo.NewHTTPError(http.StatusBadRequest, "id too long")
	}
	if !validIDPattern.MatchString(id) {
		return echo.NewHTTPError(http.StatusBadRequest, "id contains invalid characters")
	}
	return nil
}

// LibraryRoot is a named destination root reported by the status endpoint.
type LibraryRoot struct {
	Name string
	Path string
}

// Server is the HTTP API server.
type Server struct {
	echo      *echo.Echo
	scheduler *scheduler.Scheduler
	probe     *space.Probe
	history   *history.Store
	roots     []LibraryRoot
	pickRoot  func(filename string) string
	logger    zerolog.Logger
}

// Option is a functional option for configuring the server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithLibraryRoots sets the roots reported by the status endpoint. The
// first root doubles as the fallback destination for submissions.
func WithLibraryRoots(roots ...LibraryRoot) Option {
	return func(s *Server) {
		s.roots = roots
	}
}

// WithDestinationPicker sets the function that chooses a destination root
// for submissions that do not name one.
func WithDestinationPicker(pick func(filename string) string) Option {
	return func(s *Server) {
		s.pickRoot = pick
	}
}

// New creates a new API server.
func New(
	sched *scheduler.Scheduler,
	probe *space.Probe,
	hist *history.Store,
	opts ...Option,
) *Server {
	s := &Server{
		echo:      echo.New(),
		scheduler: sched,
		probe:     probe,
		history:   hist,
		logger:    zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.echo.HideBanner = true
	s.echo.HidePort = true

	// Request logging
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogError:  true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				s.logger.Error().
					Err(v.Error).
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Msg("request error")
			} else {
				s.logger.Debug().
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Msg("request")
			}
			return nil
		},
	}))

	// Recovery
	s.echo.Use(middleware.Recover())

	// CORS
	s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
	}))
}

func (s *Server) setupRoutes() {
	api := s.echo.Group("/api")

	api.GET("/health", s.healthHandler)
	api.GET("/status", s.statusHandler)

	api.GET("/jobs", s.listJobsHandler)
	api.POST("/jobs", s.submitJobHandler)
	api.GET("/jobs/:id", s.getJobHandler)
	api.DELETE("/jobs/:id", s.cancelJobHandler)
	api.POST("/jobs/cancel-all", s.cancelAllHandler)

	api.GET("/history", s.historyHandler)
	api.GET("/stats", s.statsHandler)

	s.echo.GET("/", s.indexHandler)
}

// Start starts the server.
func (s *Server) Start(addr string) error {
	s.logger.Info().Str("addr", addr).Msg("starting http server")
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Handlers

func (s *Server) healthHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, apitypes.HealthResponse{Status: "ok"})
}

func (s *Server) statusHandler(c echo.Context) error {
	resp := apitypes.StatusResponse{
		Queue: apitypes.QueueStatus{
			Active:          len(s.scheduler.ActiveJobs()),
			QueueDepth:      s.scheduler.QueueDepth(),
			WaitingForSpace: s.scheduler.WaitingForSpaceCount(),
		},
		Disks: make([]apitypes.DiskStatus, 0, len(s.roots)),
	}

	for _, root := range s.roots {
		usage, err := s.probe.Usage(root.Path)
		if err != nil {
			s.logger.Warn().Err(err).Str("path", root.Path).Msg("failed to stat library root")
			continue
		}
		resp.Disks = append(resp.Disks, apitypes.DiskStatus{
			Name:       root.Name,
			Path:       root.Path,
			TotalBytes: usage.TotalBytes,
			UsedBytes:  usage.UsedBytes,
			FreeBytes:  usage.FreeBytes,
			Total:      humanize.IBytes(usage.TotalBytes),
			Used:       humanize.IBytes(usage.UsedBytes),
			Free:       humanize.IBytes(usage.FreeBytes),
		})
	}

	return c.JSON(http.StatusOK, resp)
}

func (s *Server) listJobsHandler(c echo.Context) error {
	snapshots := s.scheduler.Jobs()

	jobs := make([]apitypes.Job, 0, len(snapshots))
	for _, snap := range snapshots {
		jobs = append(jobs, jobFromSnapshot(snap))
	}

	// Oldest first for stable listings
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt != jobs[j].CreatedAt {
			return jobs[i].CreatedAt < jobs[j].CreatedAt
		}
		return jobs[i].ID < jobs[j].ID
	})

	return c.JSON(http.StatusOK, jobs)
}

func (s *Server) submitJobHandler(c echo.Context) error {
	var req apitypes.SubmitRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, apitypes.ErrorResponse{Error: "invalid request body"})
	}

	root := req.DestinationRoot
	if root == "" && s.pickRoot != nil {
		root = s.pickRoot(req.Filename)
	}
	if root == "" && len(s.roots) > 0 {
		root = s.roots[0].Path
	}

	snap, err := s.scheduler.Submit(scheduler.SubmitRequest{
		OwnerID:         req.OwnerID,
		Filename:        req.Filename,
		SizeBytes:       req.SizeBytes,
		DestinationRoot: root,
		Source:          req.Source,
	})
	if err != nil {
		return c.JSON(http.StatusBadRequest, apitypes.ErrorResponse{Error: err.Error()})
	}

	return c.JSON(http.StatusCreated, jobFromSnapshot(snap))
}

func (s *Server) getJobHandler(c echo.Context) error {
	id := c.Param("id")
	if err := validateID(id); err != nil {
		return err
	}

	if snap, ok := s.scheduler.Job(id); ok {
		return c.JSON(http.StatusOK, jobFromSnapshot(snap))
	}

	// Terminal jobs are evicted from the scheduler; fall back to history
	rec, err := s.history.Get(c.Request().Context(), id)
	if errors.Is(err, history.ErrNotFound) {
		return c.JSON(http.StatusNotFound, apitypes.ErrorResponse{Error: "job not found"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, apitypes.ErrorResponse{Error: err.Error()})
	}

	return c.JSON(http.StatusOK, jobFromRecord(rec))
}

func (s *Server) cancelJobHandler(c echo.Context) error {
	id := c.Param("id")
	if err := validateID(id); err != nil {
		return err
	}

	if !s.scheduler.Cancel(id) {
		return c.JSON(http.StatusNotFound, apitypes.ErrorResponse{
			Error: "job not found or already finished",
		})
	}

	return c.JSON(http.StatusOK, apitypes.CancelResponse{Cancelled: true})
}

func (s *Server) cancelAllHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, apitypes.CancelAllResponse{
		Cancelled: s.scheduler.CancelAll(),
	})
}

func (s *Server) historyHandler(c echo.Context) error {
	limit := defaultHistoryLimit
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return c.JSON(http.StatusBadRequest, apitypes.ErrorResponse{Error: "invalid limit"})
		}
		limit = min(parsed, maxHistoryLimit)
	}

	records, err := s.history.Recent(c.Request().Context(), limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, apitypes.ErrorResponse{Error: err.Error()})
	}

	entries := make([]apitypes.HistoryEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, apitypes.HistoryEntry{
			ID:           rec.JobID,
			OwnerID:      rec.OwnerID,
			Filename:     rec.Filename,
			SizeBytes:    rec.SizeBytes,
			Status:       rec.Status,
			FinalPath:    rec.FinalPath,
			DurationSecs: rec.DurationSecs,
			AvgSpeedBps:  rec.AvgSpeedBps,
			Error:        rec.Error,
			CreatedAt:    formatTime(rec.CreatedAt),
			CompletedAt:  formatTime(rec.CompletedAt),
		})
	}

	return c.JSON(http.StatusOK, entries)
}

func (s *Server) statsHandler(c echo.Context) error {
	stats, err := s.history.Stats(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, apitypes.ErrorResponse{Error: err.Error()})
	}

	return c.JSON(http.StatusOK, apitypes.StatsResponse{
		Total:          stats.Total,
		ByStatus:       stats.ByStatus,
		BytesCompleted: stats.BytesCompleted,
		Completed:      humanize.IBytes(uint64(stats.BytesCompleted)),
	})
}

func (s *Server) indexHandler(c echo.Context) error {
	html := `<!DOCTYPE html>
<html>
<head>
    <title>MediaKeep</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif; margin: 40px; }
        h1 { color: #333; }
        .status { color: #28a745; }
        a { color: #007bff; }
    </style>
</head>
<body>
    <h1>MediaKeep</h1>
    <p class="status">Status: Running</p>
    <h2>API Endpoints</h2>
    <ul>
        <li><a href="/api/health">/api/health</a> - Health check</li>
        <li><a href="/api/status">/api/status</a> - Queue and disk status</li>
        <li><a href="/api/jobs">/api/jobs</a> - List scheduled jobs</li>
        <li><a href="/api/history">/api/history</a> - Recent job history</li>
        <li><a href="/api/stats">/api/stats</a> - History statistics</li>
    </ul>
</body>
</html>`
	return c.HTML(http.StatusOK, html)
}

func jobFromSnapshot(snap scheduler.Snapshot) apitypes.Job {
	return apitypes.Job{
		ID:              snap.ID,
		OwnerID:         snap.OwnerID,
		Filename:        snap.Filename,
		SizeBytes:       snap.SizeBytes,
		Status:          string(snap.Status),
		ProgressPercent: snap.ProgressPercent,
		SpeedBps:        snap.SpeedBps,
		ETASeconds:      snap.ETASeconds,
		RetryCount:      snap.RetryCount,
		FinalPath:       snap.FinalPath,
		Hash:            snap.Hash,
		Error:           snap.ErrorReason,
		CreatedAt:       formatTime(snap.CreatedAt),
		StartedAt:       formatTime(snap.StartedAt),
		CompletedAt:     formatTime(snap.CompletedAt),
	}
}

func jobFromRecord(rec history.Record) apitypes.Job {
	job := apitypes.Job{
		ID:          rec.JobID,
		OwnerID:     rec.OwnerID,
		Filename:    rec.Filename,
		SizeBytes:   rec.SizeBytes,
		Status:      rec.Status,
		ETASeconds:  -1,
		FinalPath:   rec.FinalPath,
		Error:       rec.Error,
		CreatedAt:   formatTime(rec.CreatedAt),
		CompletedAt: formatTime(rec.CompletedAt),
	}
	if rec.Status == "completed" {
		job.ProgressPercent = 100
	}
	return job
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
