// Package server exposes a loaded session over HTTP: POST /v1/run for
// inference, GET /v1/model for the graph contract and GET /healthz for
// probes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/example/gonnx/internal/config"
	"github.com/example/gonnx/internal/errdefs"
	"github.com/example/gonnx/internal/session"
	"github.com/example/gonnx/internal/tensor"
)

// ParseLogLevel converts a case-insensitive level string to slog.Level.
// An empty string returns slog.LevelInfo. Unknown strings return an error.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (want debug|info|warn|error)", s)
	}
}

// Model is the slice of the session the handler needs.
type Model interface {
	Run(ctx context.Context, inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error)
	Inputs() []session.ValueInfo
	Outputs() []session.ValueInfo
	Metadata() map[string]string
	Opset() int64
}

// ---------------------------------------------------------------------------
// Functional options
// ---------------------------------------------------------------------------

type options struct {
	maxPayloadBytes int64
	workers         int
	requestTimeout  time.Duration
	logger          *slog.Logger
}

func defaultOptions() options {
	return options{
		maxPayloadBytes: 32 << 20,
		workers:         2,
		requestTimeout:  60 * time.Second,
		logger:          slog.Default(),
	}
}

// Option configures the HTTP handler.
type Option func(*options)

// WithMaxPayloadBytes caps the request body size for POST /v1/run.
func WithMaxPayloadBytes(n int64) Option {
	return func(o *options) { o.maxPayloadBytes = n }
}

// WithWorkers sets the maximum number of concurrent inference calls.
// Zero disables throttling.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithRequestTimeout sets the per-request inference deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithLogger sets the slog.Logger used for request logging.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// ---------------------------------------------------------------------------
// handler
// ---------------------------------------------------------------------------

type handler struct {
	model Model
	opts  options
	sem   chan struct{} // semaphore for worker pool
	log   *slog.Logger
}

// NewHandler returns an http.Handler serving /healthz, /v1/model and
// POST /v1/run.
func NewHandler(model Model, optFns ...Option) http.Handler {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	h := &handler{
		model: model,
		opts:  opts,
		log:   opts.logger,
	}
	if opts.workers > 0 {
		h.sem = make(chan struct{}, opts.workers)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/v1/model", h.handleModel)
	mux.HandleFunc("/v1/run", h.handleRun)
	return mux
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": buildVersion(),
	})
}

type valueInfoJSON struct {
	Name  string  `json:"name"`
	DType string  `json:"dtype"`
	Shape []int64 `json:"shape,omitempty"`
}

type modelResponse struct {
	Opset    int64             `json:"opset"`
	Inputs   []valueInfoJSON   `json:"inputs"`
	Outputs  []valueInfoJSON   `json:"outputs"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (h *handler) handleModel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, modelResponse{
		Opset:    h.model.Opset(),
		Inputs:   toValueInfoJSON(h.model.Inputs()),
		Outputs:  toValueInfoJSON(h.model.Outputs()),
		Metadata: h.model.Metadata(),
	})
}

func toValueInfoJSON(infos []session.ValueInfo) []valueInfoJSON {
	out := make([]valueInfoJSON, 0, len(infos))
	for _, vi := range infos {
		out = append(out, valueInfoJSON{Name: vi.Name, DType: vi.DType.String(), Shape: vi.Shape})
	}
	return out
}

type runRequest struct {
	Inputs map[string]tensorJSON `json:"inputs"`
}

type runResponse struct {
	Outputs map[string]tensorJSON `json:"outputs"`
}

func (h *handler) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if r.Body == nil {
		writeError(w, http.StatusBadRequest, "request body is required")
		return
	}
	body := http.MaxBytesReader(w, r.Body, h.opts.maxPayloadBytes)

	var req runRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("payload exceeds maximum size of %d bytes", h.opts.maxPayloadBytes))
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if len(req.Inputs) == 0 {
		writeError(w, http.StatusBadRequest, "inputs field is required")
		return
	}

	inputs := make(map[string]*tensor.Tensor, len(req.Inputs))
	for name, tj := range req.Inputs {
		t, err := tj.tensor()
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("input %q: %v", name, err))
			return
		}
		inputs[name] = t
	}

	// Acquire a worker slot, honouring cancellation while waiting.
	if h.sem != nil {
		select {
		case h.sem <- struct{}{}:
		case <-r.Context().Done():
			writeError(w, http.StatusServiceUnavailable, "request cancelled while waiting for worker")
			return
		}
		defer func() { <-h.sem }()
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.opts.requestTimeout)
	defer cancel()

	start := time.Now()
	outputs, err := h.model.Run(ctx, inputs)
	durationMS := time.Since(start).Milliseconds()

	if err != nil {
		status := statusForError(err)
		logFn := h.log.ErrorContext
		if status < http.StatusInternalServerError {
			logFn = h.log.WarnContext
		}
		logFn(r.Context(), "run failed",
			slog.Int("inputs", len(inputs)),
			slog.Int64("duration_ms", durationMS),
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
		writeError(w, status, err.Error())
		return
	}

	resp := runResponse{Outputs: make(map[string]tensorJSON, len(outputs))}
	for name, t := range outputs {
		tj, err := fromTensor(t)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("output %q: %v", name, err))
			return
		}
		resp.Outputs[name] = tj
	}

	h.log.InfoContext(r.Context(), "run complete",
		slog.Int("inputs", len(inputs)),
		slog.Int("outputs", len(outputs)),
		slog.Int64("duration_ms", durationMS),
	)
	writeJSON(w, http.StatusOK, resp)
}

// statusForError maps engine error kinds to HTTP statuses. Caller mistakes
// are 4xx, engine faults 5xx.
func statusForError(err error) int {
	switch {
	case errdefs.IsKind(err, errdefs.KindInputMismatch):
		return http.StatusBadRequest
	case errdefs.IsKind(err, errdefs.KindCancelled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ---------------------------------------------------------------------------
// Server: wires the handler into net/http.Server with graceful shutdown
// ---------------------------------------------------------------------------

// Server wires the HTTP handler into a net/http.Server with graceful shutdown.
type Server struct {
	cfg             config.Config
	sess            *session.Session
	shutdownTimeout time.Duration
}

func New(cfg config.Config, sess *session.Session) *Server {
	timeout := time.Duration(cfg.Server.ShutdownTimeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Server{
		cfg:             cfg,
		sess:            sess,
		shutdownTimeout: timeout,
	}
}

// WithShutdownTimeout overrides the graceful-shutdown drain period.
func (s *Server) WithShutdownTimeout(d time.Duration) *Server {
	s.shutdownTimeout = d
	return s
}

func (s *Server) Start(ctx context.Context) error {
	sess := s.sess
	if sess == nil {
		level, err := config.NormalizeOptLevel(s.cfg.Runtime.OptLevel)
		if err != nil {
			return err
		}
		sess, err = session.Open(s.cfg.Paths.ModelPath, session.Options{
			OptLevel:       level,
			Providers:      s.cfg.Runtime.Providers,
			DeviceIndex:    s.cfg.Runtime.DeviceIndex,
			ArenaSizeBytes: s.cfg.Runtime.ArenaSizeBytes(),
			IntraOpThreads: s.cfg.Runtime.IntraOpThreads,
		})
		if err != nil {
			return fmt.Errorf("load session: %w", err)
		}
		defer func() { _ = sess.Close() }()
	}

	h := NewHandler(sess,
		WithWorkers(s.cfg.Server.Workers),
		WithMaxPayloadBytes(int64(s.cfg.Server.MaxPayloadBytes)),
		WithRequestTimeout(time.Duration(s.cfg.Server.RequestTimeout)*time.Second),
	)

	httpServer := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("http listen: %w", err)
	}
}

// ProbeHTTP checks a running server's health endpoint.
func ProbeHTTP(addr string) error {
	resp, err := http.Get("http://" + addr + "/healthz") //nolint:noctx
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected health status: %s", resp.Status)
	}
	return nil
}
