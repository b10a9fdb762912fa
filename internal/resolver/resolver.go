// Package resolver turns a free-text song query into a cached, playable
// stream link.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"
	"golang.org/x/text/unicode/norm"

	"zingrelay/internal/domain"
)

const (
	defaultTimeout = 10 * time.Second
	maxQueryRunes  = 200
)

type Catalog interface {
	Search(ctx context.Context, query string) ([]domain.Track, error)
	StreamLink(ctx context.Context, trackID string) (link string, ok bool, err error)
}

type StreamCache interface {
	Lookup(trackID string) (domain.StreamEntry, bool)
	IsFresh(entry domain.StreamEntry, now time.Time) bool
	Store(trackID, streamURL, title, artist string, now time.Time) domain.StreamEntry
}

type AccessLog interface {
	Add(ip string, action domain.Action, trackID, title, artist string) domain.LogEntry
}

type Service struct {
	catalog Catalog
	cache   StreamCache
	log     AccessLog
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
	links   singleflight.Group
}

type ServiceOption func(*Service)

func WithTimeout(timeout time.Duration) ServiceOption {
	return func(s *Service) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewService(catalog Catalog, cache StreamCache, accessLog AccessLog, options ...ServiceOption) *Service {
	service := &Service{
		catalog: catalog,
		cache:   cache,
		log:     accessLog,
		timeout: defaultTimeout,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service
}

// Resolve searches upstream, picks the first candidate and makes sure a fresh
// stream link for it is cached. Failures are never retried.
func (s *Service) Resolve(ctx context.Context, query, clientIP string) (domain.ResolvedTrack, error) {
	query = norm.NFC.String(strings.TrimSpace(query))
	if query == "" {
		return domain.ResolvedTrack{}, fmt.Errorf("%w: query is required", domain.ErrInvalidInput)
	}
	if utf8.RuneCountInString(query) > maxQueryRunes {
		return domain.ResolvedTrack{}, fmt.Errorf("%w: query too long (max %d characters)", domain.ErrInvalidInput, maxQueryRunes)
	}

	searchCtx, cancel := context.WithTimeout(ctx, s.timeout)
	tracks, err := s.catalog.Search(searchCtx, query)
	cancel()
	if err != nil {
		s.logger.Warn("upstream search failed",
			slog.String("query", query),
			slog.String("error", err.Error()),
		)
		s.log.Add(clientIP, domain.ActionSearchError, "", "", "")
		return domain.ResolvedTrack{}, fmt.Errorf("%w: search: %v", domain.ErrUpstreamUnavailable, err)
	}
	if len(tracks) == 0 {
		s.log.Add(clientIP, domain.ActionSearchError, "", "", "")
		return domain.ResolvedTrack{}, fmt.Errorf("%w: %q", domain.ErrNotFound, query)
	}

	// Upstream already ranks by relevance.
	track := tracks[0]

	entry, found := s.cache.Lookup(track.ID)
	if !found || !s.cache.IsFresh(entry, s.now()) {
		linked, err := s.refreshLink(ctx, track)
		if err != nil {
			s.logger.Warn("upstream link resolution failed",
				slog.String("trackId", track.ID),
				slog.String("error", err.Error()),
			)
			s.log.Add(clientIP, domain.ActionSearchError, track.ID, track.Title, track.Artist)
			return domain.ResolvedTrack{}, fmt.Errorf("%w: link: %v", domain.ErrUpstreamUnavailable, err)
		}
		if !linked {
			s.log.Add(clientIP, domain.ActionPlaybackRestricted, track.ID, track.Title, track.Artist)
			return domain.ResolvedTrack{}, fmt.Errorf("%w: %s", domain.ErrLinkUnavailable, track.ID)
		}
	}

	s.log.Add(clientIP, domain.ActionSearchSuccess, track.ID, track.Title, track.Artist)
	return domain.ResolvedTrack{
		TrackID:   track.ID,
		Title:     track.Title,
		Artist:    track.Artist,
		Thumbnail: track.Thumbnail,
	}, nil
}

// refreshLink coalesces concurrent refreshes of the same track into one
// upstream call. The call outlives a disconnecting first caller so the others
// still get an answer.
func (s *Service) refreshLink(ctx context.Context, track domain.Track) (bool, error) {
	value, err, _ := s.links.Do(track.ID, func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()

		link, ok, err := s.catalog.StreamLink(callCtx, track.ID)
		if err != nil || !ok {
			return false, err
		}
		s.cache.Store(track.ID, secureURL(link), track.Title, track.Artist, s.now())
		s.logger.Debug("stream link cached",
			slog.String("trackId", track.ID),
			slog.String("title", track.Title),
		)
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return value.(bool), nil
}

func secureURL(raw string) string {
	if len(raw) >= 5 && strings.EqualFold(raw[:5], "http:") {
		return "https:" + raw[5:]
	}
	return raw
}
