package apihttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"zingrelay/internal/accesslog"
	"zingrelay/internal/domain"
	"zingrelay/internal/hoststats"
	"zingrelay/internal/relay"
)

type TrackResolver interface {
	Resolve(ctx context.Context, query, clientIP string) (domain.ResolvedTrack, error)
}

// AudioStream is an open transcoder output.
type AudioStream interface {
	Pump(w io.Writer, flush func()) (int64, error)
	Close() error
}

type StreamRelay interface {
	Open(ctx context.Context, trackID, clientIP string) (AudioStream, error)
}

type AccessLog interface {
	Snapshot() []domain.LogEntry
	Clear()
	Subscribe(observer accesslog.Observer)
}

type HostStats interface {
	Sample(ctx context.Context) hoststats.Snapshot
}

type Server struct {
	resolver TrackResolver
	streams  StreamRelay
	logs     AccessLog
	stats    HostStats
	hub      *wsHub
	logger   *slog.Logger
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithRelay(r *relay.Relay) ServerOption {
	return func(s *Server) {
		if r != nil {
			s.streams = relayStreams{relay: r}
		}
	}
}

// WithAccessLog serves the log on the dashboard endpoints and pushes its
// changes to WebSocket subscribers.
func WithAccessLog(logs AccessLog) ServerOption {
	return func(s *Server) {
		s.logs = logs
	}
}

func WithHostStats(stats HostStats) ServerOption {
	return func(s *Server) {
		s.stats = stats
	}
}

func NewServer(resolver TrackResolver, options ...ServerOption) *Server {
	server := &Server{
		resolver: resolver,
		logger:   slog.Default(),
	}
	for _, option := range options {
		if option != nil {
			option(server)
		}
	}
	if server.logger == nil {
		server.logger = slog.Default()
	}

	server.hub = newWSHub(server.logger)
	go server.hub.run()
	if server.logs != nil {
		server.logs.Subscribe(server.hub)
	}
	return server
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/stream_pcm", s.handleResolve)
	mux.HandleFunc("/stream_mp3", s.handleStream)
	mux.HandleFunc("/api/sys_stats", s.handleSysStats)
	mux.HandleFunc("/api/clear_logs", s.handleClearLogs)
	mux.HandleFunc("/api/logs/ws", s.handleLogsWS)
	mux.HandleFunc("/", s.handleDashboard)
	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "zing-relay",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/health" && p != "/api/sys_stats"
		}),
	)
	return recoveryMiddleware(s.logger, corsMiddleware(metricsMiddleware(traced)))
}

// Close disconnects all WebSocket clients.
func (s *Server) Close() {
	s.hub.Close()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

type resolveResponse struct {
	Success   bool   `json:"success"`
	Title     string `json:"title"`
	Artist    string `json:"artist"`
	Thumbnail string `json:"thumbnail"`
	AudioURL  string `json:"audio_url"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.resolver == nil {
		writeError(w, http.StatusInternalServerError, "resolver is not configured")
		return
	}

	query := r.URL.Query().Get("song")
	track, err := s.resolver.Resolve(r.Context(), query, clientIP(r))
	if err != nil {
		s.logger.Warn("resolve request failed",
			slog.String("query", truncate(query, 80)),
			slog.String("error", err.Error()),
		)
		status, message := resolveErrorResponse(err)
		writeError(w, status, message)
		return
	}

	writeJSON(w, http.StatusOK, resolveResponse{
		Success:   true,
		Title:     track.Title,
		Artist:    track.Artist,
		Thumbnail: track.Thumbnail,
		AudioURL:  "/stream_mp3?id=" + url.QueryEscape(track.TrackID),
	})
}

// resolveErrorResponse is the single place resolver failures map to HTTP.
func resolveErrorResponse(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, "Missing or invalid query"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "Song not found on ZingMP3"
	case errors.Is(err, domain.ErrLinkUnavailable):
		return http.StatusForbidden, "No playable link for this song (VIP or session error)"
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		return http.StatusInternalServerError, "Cannot reach the music catalog"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.streams == nil {
		writeError(w, http.StatusInternalServerError, "relay is not configured")
		return
	}

	trackID := r.URL.Query().Get("id")
	stream, err := s.streams.Open(r.Context(), trackID, clientIP(r))
	if err != nil {
		if errors.Is(err, domain.ErrExpired) {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, "Expired")
			return
		}
		s.logger.Error("stream open failed",
			slog.String("trackId", trackID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "transcoder unavailable")
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)

	var flush func()
	if flusher, ok := w.(http.Flusher); ok {
		flush = flusher.Flush
	}
	written, err := stream.Pump(w, flush)
	if err != nil {
		// Usually the listener went away.
		s.logger.Debug("stream ended early",
			slog.String("trackId", trackID),
			slog.Int64("bytes", written),
			slog.String("error", err.Error()),
		)
	}
}

type sysStatsResponse struct {
	hoststats.Snapshot
	Logs []domain.LogEntry `json:"logs"`
}

func (s *Server) handleSysStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var response sysStatsResponse
	if s.stats != nil {
		response.Snapshot = s.stats.Sample(r.Context())
	}
	if s.logs != nil {
		response.Logs = s.logs.Snapshot()
	}
	if response.Logs == nil {
		response.Logs = []domain.LogEntry{}
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.logs != nil {
		s.logs.Clear()
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleLogsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("ws upgrade failed", slog.String("error", err.Error()))
		return
	}
	client := &wsClient{
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, 256),
	}
	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// relayStreams adapts *relay.Relay to StreamRelay.
type relayStreams struct {
	relay *relay.Relay
}

func (a relayStreams) Open(ctx context.Context, trackID, clientIP string) (AudioStream, error) {
	stream, err := a.relay.Open(ctx, trackID, clientIP)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

