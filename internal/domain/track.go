package domain

import "time"

// Track is a single search candidate returned by the upstream catalog.
type Track struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Artist    string `json:"artist"`
	Thumbnail string `json:"thumbnail,omitempty"`
}

// StreamEntry is the last successful link resolution for a track.
type StreamEntry struct {
	TrackID    string    `json:"trackId"`
	StreamURL  string    `json:"streamUrl"`
	Title      string    `json:"title"`
	Artist     string    `json:"artist"`
	ResolvedAt time.Time `json:"resolvedAt"`
}

// ResolvedTrack is what a successful search hands back to the client.
type ResolvedTrack struct {
	TrackID   string
	Title     string
	Artist    string
	Thumbnail string
}
