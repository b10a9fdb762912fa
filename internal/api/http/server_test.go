package apihttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"zingrelay/internal/accesslog"
	"zingrelay/internal/domain"
	"zingrelay/internal/hoststats"
)

type fakeResolver struct {
	mu     sync.Mutex
	track  domain.ResolvedTrack
	err    error
	calls  int
	lastQ  string
	lastIP string
}

func (f *fakeResolver) Resolve(_ context.Context, query, clientIP string) (domain.ResolvedTrack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastQ = query
	f.lastIP = clientIP
	return f.track, f.err
}

type fakeStream struct {
	payload string
	err     error
	closed  int
}

func (f *fakeStream) Pump(w io.Writer, flush func()) (int64, error) {
	n, _ := io.WriteString(w, f.payload)
	if flush != nil {
		flush()
	}
	return int64(n), f.err
}

func (f *fakeStream) Close() error {
	f.closed++
	return nil
}

type fakeRelay struct {
	stream *fakeStream
	err    error
	lastID string
}

func (f *fakeRelay) Open(_ context.Context, trackID, _ string) (AudioStream, error) {
	f.lastID = trackID
	if f.err != nil {
		return nil, f.err
	}
	return f.stream, nil
}

type fakeStats struct{}

func (fakeStats) Sample(context.Context) hoststats.Snapshot {
	return hoststats.Snapshot{CPU: 12.5, RAM: 40, Disk: 73, NetSentMB: 1.25}
}

func newTestServer(t *testing.T, resolver TrackResolver, options ...ServerOption) *Server {
	t.Helper()
	server := NewServer(resolver, options...)
	t.Cleanup(server.Close)
	return server
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v (%s)", err, rec.Body.String())
	}
	return body
}

func TestResolveSuccess(t *testing.T) {
	resolver := &fakeResolver{track: domain.ResolvedTrack{
		TrackID:   "ZW6ABCDE",
		Title:     "Lạc Trôi",
		Artist:    "Sơn Tùng M-TP",
		Thumbnail: "https://photo-resize-zmp3.zmdcdn.me/w240/cover.jpg",
	}}
	server := newTestServer(t, resolver)

	req := httptest.NewRequest(http.MethodGet, "/stream_pcm?song=lac+troi%21", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.42, 10.0.0.1")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	want := map[string]any{
		"success":   true,
		"title":     "Lạc Trôi",
		"artist":    "Sơn Tùng M-TP",
		"thumbnail": "https://photo-resize-zmp3.zmdcdn.me/w240/cover.jpg",
		"audio_url": "/stream_mp3?id=ZW6ABCDE",
	}
	for key, value := range want {
		if body[key] != value {
			t.Errorf("%s = %v, want %v", key, body[key], value)
		}
	}
	if resolver.lastQ != "lac troi!" {
		t.Fatalf("query = %q", resolver.lastQ)
	}
	if resolver.lastIP != "203.0.113.42" {
		t.Fatalf("client ip = %q", resolver.lastIP)
	}
}

func TestResolveErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("%w: query is required", domain.ErrInvalidInput), http.StatusBadRequest},
		{fmt.Errorf("%w: \"x\"", domain.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: ZW6", domain.ErrLinkUnavailable), http.StatusForbidden},
		{fmt.Errorf("%w: search: timeout", domain.ErrUpstreamUnavailable), http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		server := newTestServer(t, &fakeResolver{err: tc.err})
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream_pcm?song=x", nil))

		if rec.Code != tc.status {
			t.Errorf("%v: status %d, want %d", tc.err, rec.Code, tc.status)
			continue
		}
		body := decodeBody(t, rec)
		if msg, ok := body["error"].(string); !ok || msg == "" {
			t.Errorf("%v: missing error message: %v", tc.err, body)
		}
		if _, ok := body["success"]; ok {
			t.Errorf("%v: error body must not carry success", tc.err)
		}
	}
}

func TestResolveRejectsPost(t *testing.T) {
	resolver := &fakeResolver{}
	server := newTestServer(t, resolver)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/stream_pcm?song=x", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	if resolver.calls != 0 {
		t.Fatal("resolver must not be called")
	}
}

func TestStreamRelaysAudio(t *testing.T) {
	stream := &fakeStream{payload: "ID3\x04fake-mp3-frames"}
	relay := &fakeRelay{stream: stream}
	server := newTestServer(t, &fakeResolver{})
	server.streams = relay

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream_mp3?id=ZW6ABCDE", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "audio/mpeg" {
		t.Fatalf("content type = %q", ct)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("CORS header = %q", got)
	}
	if rec.Body.String() != stream.payload {
		t.Fatalf("body = %q", rec.Body.String())
	}
	if !rec.Flushed {
		t.Fatal("expected the response to be flushed")
	}
	if relay.lastID != "ZW6ABCDE" {
		t.Fatalf("opened id = %q", relay.lastID)
	}
	if stream.closed != 1 {
		t.Fatalf("stream closed %d times, want 1", stream.closed)
	}
}

func TestStreamClosedWhenClientGoesAway(t *testing.T) {
	stream := &fakeStream{payload: "ID3", err: errors.New("write: broken pipe")}
	server := newTestServer(t, &fakeResolver{})
	server.streams = &fakeRelay{stream: stream}

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream_mp3?id=ZW6ABCDE", nil))

	if stream.closed != 1 {
		t.Fatalf("stream closed %d times, want 1", stream.closed)
	}
}

func TestStreamExpired(t *testing.T) {
	server := newTestServer(t, &fakeResolver{})
	server.streams = &fakeRelay{err: fmt.Errorf("%w: nope", domain.ErrExpired)}

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream_mp3?id=nope", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec.Body.String() != "Expired" {
		t.Fatalf("body = %q", rec.Body.String())
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain") {
		t.Fatalf("content type = %q", rec.Header().Get("Content-Type"))
	}
}

func TestStreamStartFailure(t *testing.T) {
	server := newTestServer(t, &fakeResolver{})
	server.streams = &fakeRelay{err: errors.New("start transcoder: exec: \"ffmpeg\": executable file not found")}

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream_mp3?id=ZW6ABCDE", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestSysStats(t *testing.T) {
	ring := accesslog.NewRing(accesslog.DefaultCapacity)
	ring.Add("192.168.1.20", domain.ActionSearchSuccess, "ZW6ABCDE", "Lạc Trôi", "Sơn Tùng M-TP")
	server := newTestServer(t, &fakeResolver{}, WithAccessLog(ring), WithHostStats(fakeStats{}))

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sys_stats", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		CPU     float64           `json:"cpu"`
		RAM     float64           `json:"ram"`
		Disk    float64           `json:"disk"`
		NetSent float64           `json:"net_sent"`
		Logs    []domain.LogEntry `json:"logs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.CPU != 12.5 || body.RAM != 40 || body.Disk != 73 || body.NetSent != 1.25 {
		t.Fatalf("stats = %+v", body)
	}
	if len(body.Logs) != 1 || body.Logs[0].IP != "192.168.1.xxx" || body.Logs[0].Severity != domain.SeveritySuccess {
		t.Fatalf("logs = %+v", body.Logs)
	}
}

func TestSysStatsEmptyLogsIsArray(t *testing.T) {
	server := newTestServer(t, &fakeResolver{}, WithAccessLog(accesslog.NewRing(accesslog.DefaultCapacity)))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sys_stats", nil))
	if !strings.Contains(rec.Body.String(), `"logs":[]`) {
		t.Fatalf("expected empty array, got %s", rec.Body.String())
	}
}

func TestClearLogs(t *testing.T) {
	ring := accesslog.NewRing(accesslog.DefaultCapacity)
	ring.Add("1.2.3.4", domain.ActionPlaybackStart, "ZW6ABCDE", "t", "a")
	server := newTestServer(t, &fakeResolver{}, WithAccessLog(ring))

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/clear_logs", nil))
	if rec.Code != http.StatusMethodNotAllowed || ring.Len() != 1 {
		t.Fatalf("GET must not clear: status %d len %d", rec.Code, ring.Len())
	}

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/clear_logs", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["success"] != true {
		t.Fatalf("body = %v", body)
	}
	if ring.Len() != 0 {
		t.Fatalf("ring not cleared: %d", ring.Len())
	}
}

func TestDashboard(t *testing.T) {
	server := newTestServer(t, &fakeResolver{})

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/html") {
		t.Fatalf("content type = %q", rec.Header().Get("Content-Type"))
	}
	if !strings.Contains(rec.Body.String(), "/api/sys_stats") {
		t.Fatal("dashboard page does not poll stats")
	}

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown path: expected 404, got %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	server := newTestServer(t, &fakeResolver{})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestPreflight(t *testing.T) {
	resolver := &fakeResolver{}
	server := newTestServer(t, resolver)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/stream_pcm?song=x", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if resolver.calls != 0 {
		t.Fatal("preflight must not reach the handler")
	}
}
