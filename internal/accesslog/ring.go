// Package accesslog keeps the short in-memory access history shown on the
// dashboard.
package accesslog

import (
	"strings"
	"sync"
	"time"

	"zingrelay/internal/domain"
	"zingrelay/internal/metrics"
)

const (
	DefaultCapacity = 30
	maskedIP        = "xxx.xxx.xxx.xxx"
	timeLayout      = "15:04:05"
	noTrack         = "-"
)

// Observer is notified of every change while the ring lock is held, so it
// must not block.
type Observer interface {
	LogAppended(entry domain.LogEntry)
	LogCleared()
}

// Ring is a fixed-capacity log ordered most-recent-first. Appending to a full
// ring drops the oldest entry.
type Ring struct {
	mu        sync.Mutex
	entries   []domain.LogEntry
	capacity  int
	now       func() time.Time
	observers []Observer
}

type Option func(*Ring)

func WithClock(now func() time.Time) Option {
	return func(r *Ring) {
		if now != nil {
			r.now = now
		}
	}
}

func NewRing(capacity int, options ...Option) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	ring := &Ring{
		entries:  make([]domain.LogEntry, 0, capacity),
		capacity: capacity,
		now:      time.Now,
	}
	for _, option := range options {
		if option != nil {
			option(ring)
		}
	}
	return ring
}

func (r *Ring) Subscribe(observer Observer) {
	if observer == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, observer)
}

// Add records a client-visible outcome. An empty trackID is shown as "-".
func (r *Ring) Add(ip string, action domain.Action, trackID, title, artist string) domain.LogEntry {
	if strings.TrimSpace(trackID) == "" {
		trackID = noTrack
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := domain.LogEntry{
		Time:     r.now().Format(timeLayout),
		IP:       MaskIP(ip),
		Action:   action,
		TrackID:  trackID,
		Title:    title,
		Artist:   artist,
		Severity: severityOf(action),
	}

	if len(r.entries) < r.capacity {
		r.entries = append(r.entries, domain.LogEntry{})
	}
	copy(r.entries[1:], r.entries[:len(r.entries)-1])
	r.entries[0] = entry

	metrics.AccessLogEntriesTotal.WithLabelValues(string(action)).Inc()
	for _, observer := range r.observers {
		observer.LogAppended(entry)
	}
	return entry
}

// Snapshot returns a copy of the entries, newest first.
func (r *Ring) Snapshot() []domain.LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append(make([]domain.LogEntry, 0, len(r.entries)), r.entries...)
}

func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = r.entries[:0]
	for _, observer := range r.observers {
		observer.LogCleared()
	}
}

func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// MaskIP hides the last octet of a dotted IPv4 address. Anything else comes
// back as the fully masked literal.
func MaskIP(ip string) string {
	parts := strings.Split(strings.TrimSpace(ip), ".")
	if len(parts) != 4 {
		return maskedIP
	}
	return parts[0] + "." + parts[1] + "." + parts[2] + ".xxx"
}

func severityOf(action domain.Action) domain.Severity {
	switch action {
	case domain.ActionSearchSuccess:
		return domain.SeveritySuccess
	case domain.ActionSearchError, domain.ActionPlaybackRestricted:
		return domain.SeverityError
	default:
		return domain.SeverityInfo
	}
}
