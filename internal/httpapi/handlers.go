// Package httpapi serves the operational HTTP surface of the broker: health
// probes, Prometheus metrics, per-client diagnostics and replay control.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"snapsync/broker/internal/logging"
	"snapsync/broker/internal/replay"
	"snapsync/broker/internal/transport/ws"
)

// ReadinessProvider exposes broker state required for readiness checks.
type ReadinessProvider interface {
	ClientCounts() (connected, capacity int)
	StartupError() error
	Uptime() time.Duration
}

// TagTimes resolves when a tick was submitted for a client.
type TagTimes interface {
	TryGetTagTime(clientID int, tick int32) (time.Time, bool)
	MaxClients() int
}

// ReplayDumper rolls the active recording and returns its location.
type ReplayDumper interface {
	DumpReplay(ctx context.Context) (string, error)
}

// ReplayDumperFunc adapts a function into a ReplayDumper.
type ReplayDumperFunc func(ctx context.Context) (string, error)

// DumpReplay implements ReplayDumper.
func (f ReplayDumperFunc) DumpReplay(ctx context.Context) (string, error) { return f(ctx) }

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Reserve() (bool, time.Duration)
}

// Options configures the HandlerSet.
type Options struct {
	Logger       *logging.Logger
	Readiness    ReadinessProvider
	Gatherer     prometheus.Gatherer
	TagTimes     TagTimes
	Clients      func() []ws.ClientInfo
	Replay       ReplayDumper
	ReplayStats  func() replay.Stats
	StorageStats func() replay.StorageStats
	AdminToken   string
	RateLimiter  RateLimiter
	TimeSource   func() time.Time
}

// HandlerSet bundles the broker operational handlers.
type HandlerSet struct {
	logger       *logging.Logger
	readiness    ReadinessProvider
	gatherer     prometheus.Gatherer
	tagTimes     TagTimes
	clients      func() []ws.ClientInfo
	replay       ReplayDumper
	replayStats  func() replay.Stats
	storageStats func() replay.StorageStats
	adminToken   string
	rateLimiter  RateLimiter
	now          func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &HandlerSet{
		logger:       logger.With(logging.String("component", "httpapi")),
		readiness:    opts.Readiness,
		gatherer:     gatherer,
		tagTimes:     opts.TagTimes,
		clients:      opts.Clients,
		replay:       opts.Replay,
		replayStats:  opts.ReplayStats,
		storageStats: opts.StorageStats,
		adminToken:   strings.TrimSpace(opts.AdminToken),
		rateLimiter:  opts.RateLimiter,
		now:          now,
	}
}

// Router returns a chi router carrying every operational route.
func (h *HandlerSet) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(logging.HTTPTraceMiddleware(h.logger))
	h.Register(r)
	return r
}

// Register attaches all handlers to r.
func (h *HandlerSet) Register(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/livez", h.LivenessHandler())
	r.Get("/readyz", h.ReadinessHandler())
	r.Method(http.MethodGet, "/metrics", h.MetricsHandler())
	r.Get("/clients", h.ClientsHandler())
	r.Get("/clients/{client}/tags/{tick}", h.TagTimeHandler())
	r.Get("/replay", h.ReplayStatusHandler())
	r.Post("/replay/dump", h.ReplayDumpHandler())
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports broker readiness, including slot usage and startup status.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		Message       string  `json:"message,omitempty"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Clients       int     `json:"clients"`
		Capacity      int     `json:"capacity"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.readiness != nil {
			resp.Clients, resp.Capacity = h.readiness.ClientCounts()
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
			if err := h.readiness.StartupError(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		writeJSON(w, status, resp)
	}
}

// MetricsHandler exposes the broker registry in the Prometheus text format.
func (h *HandlerSet) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})
}

// ClientsHandler lists the connected websocket clients.
func (h *HandlerSet) ClientsHandler() http.HandlerFunc {
	type client struct {
		ID        int    `json:"id"`
		Subject   string `json:"subject,omitempty"`
		Variant   string `json:"variant"`
		AckTick   int32  `json:"ack_tick"`
		Connected string `json:"connected_at"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		out := []client{}
		if h.clients != nil {
			for _, info := range h.clients() {
				out = append(out, client{
					ID:        info.ID,
					Subject:   info.Subject,
					Variant:   info.Variant.String(),
					AckTick:   info.AckTick,
					Connected: info.Connected.UTC().Format(time.RFC3339Nano),
				})
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// TagTimeHandler reports when a tick was submitted for a client, which lets
// operators measure end-to-end latency from an acknowledgement.
func (h *HandlerSet) TagTimeHandler() http.HandlerFunc {
	type response struct {
		Client  int    `json:"client"`
		Tick    int32  `json:"tick"`
		TagTime string `json:"tag_time"`
		AgeMs   int64  `json:"age_ms"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if h.tagTimes == nil {
			http.Error(w, "tag times are unavailable", http.StatusServiceUnavailable)
			return
		}
		client, err := strconv.Atoi(chi.URLParam(r, "client"))
		if err != nil || client < 0 || client >= h.tagTimes.MaxClients() {
			http.Error(w, "invalid client", http.StatusBadRequest)
			return
		}
		tick, err := strconv.ParseInt(chi.URLParam(r, "tick"), 10, 32)
		if err != nil || tick < 0 {
			http.Error(w, "invalid tick", http.StatusBadRequest)
			return
		}
		tagged, ok := h.tagTimes.TryGetTagTime(client, int32(tick))
		if !ok {
			http.Error(w, "tick not tracked", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, response{
			Client:  client,
			Tick:    int32(tick),
			TagTime: tagged.UTC().Format(time.RFC3339Nano),
			AgeMs:   h.now().Sub(tagged).Milliseconds(),
		})
	}
}

// ReplayStatusHandler reports the active recording and retention state.
func (h *HandlerSet) ReplayStatusHandler() http.HandlerFunc {
	type response struct {
		Enabled     bool   `json:"enabled"`
		ActiveDir   string `json:"active_dir,omitempty"`
		Frames      int    `json:"frames"`
		Bytes       int64  `json:"bytes"`
		Rolls       int64  `json:"rolls"`
		LastRollDir string `json:"last_roll_dir,omitempty"`
		Recordings  int    `json:"recordings"`
		StoredBytes int64  `json:"stored_bytes"`
		Removed     int    `json:"removed"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		resp := response{Enabled: h.replayStats != nil}
		if h.replayStats != nil {
			stats := h.replayStats()
			resp.ActiveDir = stats.ActiveDir
			resp.Frames = stats.Frames
			resp.Bytes = stats.Bytes
			resp.Rolls = stats.Rolls
			resp.LastRollDir = stats.LastRollDir
		}
		if h.storageStats != nil {
			storage := h.storageStats()
			resp.Recordings = storage.Recordings
			resp.StoredBytes = storage.Bytes
			resp.Removed = storage.Removed
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// ReplayDumpHandler authorises and triggers a recording roll.
func (h *HandlerSet) ReplayDumpHandler() http.HandlerFunc {
	type response struct {
		Status   string `json:"status"`
		Location string `json:"location,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.logger.With(
			logging.String("handler", "replay_dump"),
			logging.String(logging.TraceIDField, logging.TraceIDFromContext(r.Context())),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if h.adminToken == "" {
			reqLogger.Warn("replay dump denied: admin auth disabled")
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			reqLogger.Warn("replay dump denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.rateLimiter != nil {
			if ok, wait := h.rateLimiter.Reserve(); !ok {
				reqLogger.Warn("replay dump denied: rate limit exceeded", logging.Duration("retry_after", wait))
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				http.Error(w, "too many requests", http.StatusTooManyRequests)
				return
			}
		}
		if h.replay == nil {
			reqLogger.Warn("replay dump denied: no recorder configured")
			http.Error(w, "replay recording is unavailable", http.StatusServiceUnavailable)
			return
		}
		location, err := h.replay.DumpReplay(r.Context())
		if err != nil {
			reqLogger.Error("replay dump failed", logging.Error(err))
			http.Error(w, "failed to dump replay", http.StatusInternalServerError)
			return
		}
		reqLogger.Info("replay dump completed", logging.String("location", location))
		writeJSON(w, http.StatusAccepted, response{Status: "accepted", Location: location})
	}
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
