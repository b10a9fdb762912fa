// Package relay re-encodes a cached upstream audio URL to MP3 through an
// ffmpeg subprocess and hands the bytes out as a pull-based stream.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"zingrelay/internal/domain"
	"zingrelay/internal/metrics"
)

const ChunkSize = 8 * 1024

type StreamCache interface {
	Lookup(trackID string) (domain.StreamEntry, bool)
}

type AccessLog interface {
	Add(ip string, action domain.Action, trackID, title, artist string) domain.LogEntry
}

type Relay struct {
	cache   StreamCache
	log     AccessLog
	cfg     TranscodeConfig
	command CommandFunc
	logger  *slog.Logger
}

type Option func(*Relay)

func WithCommand(command CommandFunc) Option {
	return func(r *Relay) {
		if command != nil {
			r.command = command
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func New(cache StreamCache, accessLog AccessLog, cfg TranscodeConfig, options ...Option) *Relay {
	relay := &Relay{
		cache:   cache,
		log:     accessLog,
		cfg:     cfg.withDefaults(),
		command: exec.CommandContext,
		logger:  slog.Default(),
	}
	for _, option := range options {
		if option != nil {
			option(relay)
		}
	}
	return relay
}

// Open starts a transcoder for a cached track. The returned Stream owns the
// subprocess: callers must Close it, and cancelling ctx kills it as well.
// An id with no cache entry yields domain.ErrExpired and starts nothing.
func (r *Relay) Open(ctx context.Context, trackID, clientIP string) (*Stream, error) {
	trackID = strings.TrimSpace(trackID)
	if trackID == "" {
		return nil, fmt.Errorf("%w: missing track id", domain.ErrExpired)
	}
	entry, ok := r.cache.Lookup(trackID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrExpired, trackID)
	}

	args := buildTranscodeArgs(r.cfg, entry.StreamURL)
	proc, err := startTranscoder(ctx, r.command, r.cfg.FFmpegPath, args)
	if err != nil {
		return nil, fmt.Errorf("start transcoder: %w", err)
	}
	metrics.ActiveTranscoders.Inc()
	r.logger.Debug("transcoder started",
		slog.String("trackId", trackID),
		slog.Int("pid", proc.pid()),
	)

	r.log.Add(clientIP, domain.ActionPlaybackStart, entry.TrackID, entry.Title, entry.Artist)

	return &Stream{
		Entry:  entry,
		proc:   proc,
		logger: r.logger,
	}, nil
}

// Stream is the MP3 output of one transcoder.
type Stream struct {
	Entry domain.StreamEntry

	proc      *transcoder
	logger    *slog.Logger
	closeOnce sync.Once
	relayed   int64
}

func (s *Stream) Read(p []byte) (int, error) {
	return s.proc.Read(p)
}

// Pump copies the stream to w in ChunkSize pieces, calling flush after each
// write. A clean end of transcoder output returns a nil error.
func (s *Stream) Pump(w io.Writer, flush func()) (int64, error) {
	buf := make([]byte, ChunkSize)
	var total int64
	for {
		n, readErr := s.Read(buf)
		if n > 0 {
			written, writeErr := w.Write(buf[:n])
			total += int64(written)
			metrics.RelayedBytesTotal.Add(float64(written))
			if writeErr != nil {
				s.relayed += total
				return total, writeErr
			}
			if flush != nil {
				flush()
			}
		}
		if readErr != nil {
			s.relayed += total
			if errors.Is(readErr, io.EOF) {
				return total, nil
			}
			return total, readErr
		}
	}
}

// Close kills and reaps the transcoder. Idempotent.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.proc.stop()
		metrics.ActiveTranscoders.Dec()
		attrs := []slog.Attr{
			slog.String("trackId", s.Entry.TrackID),
			slog.Int("pid", s.proc.pid()),
			slog.Int64("bytes", s.relayed),
		}
		if err := s.proc.exitErr(); err != nil {
			attrs = append(attrs, slog.String("exit", err.Error()))
		}
		if tail := s.proc.stderr.String(); tail != "" {
			attrs = append(attrs, slog.String("stderr", tail))
		}
		s.logger.LogAttrs(context.Background(), slog.LevelDebug, "transcoder stopped", attrs...)
	})
	return nil
}

// PID is the transcoder process id.
func (s *Stream) PID() int {
	return s.proc.pid()
}
